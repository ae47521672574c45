package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/adguard/internal/audit"
	"github.com/patrickwarner/adguard/internal/config"
	"github.com/patrickwarner/adguard/internal/integrity"
	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

// audit_query reads the audit segments on disk, without a running server,
// and exports or verifies them.
func main() {
	logger, err := observability.InitStderrLogger("audit-query")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	var (
		dir    string
		tenant string
		action string
		since  time.Duration
		format string
		verify bool
	)
	flag.StringVar(&dir, "dir", cfg.AuditDir, "audit segment directory")
	flag.StringVar(&tenant, "tenant", "", "only entries for this tenant")
	flag.StringVar(&action, "action", "", "only entries with this action")
	flag.DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	flag.StringVar(&format, "format", audit.FormatJSON, "export format: json or csv")
	flag.BoolVar(&verify, "verify", false, "verify entry seals instead of exporting")
	flag.Parse()

	if cfg.AuditSecret == "" {
		fmt.Fprintln(os.Stderr, "AUDIT_SECRET required")
		os.Exit(1)
	}
	signer, err := integrity.NewSigner([]byte(cfg.AuditSecret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init signer: %v\n", err)
		os.Exit(1)
	}
	// retention 0: never sweep from a read-only tool
	store, err := audit.NewFileStore(dir, false, 0, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit store: %v\n", err)
		os.Exit(1)
	}
	log, err := audit.NewLog(store, signer, nil, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init audit log: %v\n", err)
		os.Exit(1)
	}

	filter := models.AuditFilter{TenantID: tenant, Action: models.AuditAction(action)}
	if since > 0 {
		filter.From = time.Now().Add(-since)
	}

	ctx := context.Background()
	if !verify {
		if err := log.Export(ctx, filter, format, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "export: %v\n", err)
			os.Exit(1)
		}
		return
	}

	report, err := log.Verify(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
	if len(report.Tampered) > 0 {
		os.Exit(2)
	}
}
