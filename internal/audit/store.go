package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
)

const (
	segmentPrefix = "audit-"
	segmentSuffix = ".jsonl"
	segmentLayout = "2006-01-02"
	// maxLine bounds a single encoded entry.
	maxLine = 16 << 20
)

// Store is where entries are durably kept. Append must not return until the
// entry is persisted.
type Store interface {
	Append(ctx context.Context, e models.AuditLogEntry) error
	// Read returns entries whose timestamp may fall in [from, to). Zero
	// bounds are open. Callers filter precisely.
	Read(ctx context.Context, from, to time.Time) ([]models.AuditLogEntry, error)
}

// FileStore appends entries as JSON lines to one segment file per UTC day.
type FileStore struct {
	dir       string
	fsync     bool
	retention time.Duration
	logger    *zap.Logger

	mu sync.Mutex
}

// NewFileStore creates dir if needed. A zero retention keeps every segment.
func NewFileStore(dir string, fsync bool, retention time.Duration, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileStore{dir: dir, fsync: fsync, retention: retention, logger: logger}, nil
}

func segmentName(day time.Time) string {
	return segmentPrefix + day.UTC().Format(segmentLayout) + segmentSuffix
}

// segmentDay parses the day out of a segment file name.
func segmentDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(segmentLayout, strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func (s *FileStore) Append(ctx context.Context, e models.AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, segmentName(e.Timestamp))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit segment: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write audit entry %s: %w", e.ID, err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync audit segment: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit segment: %w", err)
	}
	return nil
}

// Segments returns segment file names in day order.
func (s *FileStore) Segments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit segments: %w", err)
	}
	var names []string
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if _, ok := segmentDay(de.Name()); ok {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Read(ctx context.Context, from, to time.Time) ([]models.AuditLogEntry, error) {
	names, err := s.Segments()
	if err != nil {
		return nil, err
	}

	var out []models.AuditLogEntry
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day, _ := segmentDay(name)
		if !from.IsZero() && day.Add(24*time.Hour).Before(from.UTC()) {
			continue
		}
		if !to.IsZero() && !day.Before(to.UTC()) {
			continue
		}
		entries, err := s.readSegment(name)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (s *FileStore) readSegment(name string) ([]models.AuditLogEntry, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit segment %s: %w", name, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("close audit segment", zap.String("segment", name), zap.Error(err))
		}
	}()

	var out []models.AuditLogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e models.AuditLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit segment %s line %d: %w", name, lineNo, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit segment %s: %w", name, err)
	}
	return out, nil
}

// Sweep deletes whole segments older than the retention window and returns
// their names. A segment is kept while any part of its day is in the window.
func (s *FileStore) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	if s.retention <= 0 {
		return nil, nil
	}
	names, err := s.Segments()
	if err != nil {
		return nil, err
	}
	cutoff := now.UTC().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		day, _ := segmentDay(name)
		if !day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove audit segment %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		s.logger.Info("audit segments removed by retention",
			zap.Strings("segments", removed),
			zap.Duration("retention", s.retention))
	}
	return removed, nil
}
