package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Well-known change fields. Mutations may carry other fields which are
// passed through to the ads platform untouched.
const (
	FieldAmountMicros          = "amountMicros"
	FieldCPCBidMicros          = "cpcBidMicros"
	FieldCPMBidMicros          = "cpmBidMicros"
	FieldFinalURL              = "finalUrl"
	FieldTrackingTemplate      = "trackingUrlTemplate"
	FieldDevices               = "devices"
	FieldText                  = "text"
	FieldMatchType             = "matchType"
	FieldStatus                = "status"
	FieldName                  = "name"
	FieldCampaignID            = "campaignId"
	FieldAdGroupID             = "adGroupId"
	FieldSharedNegativeListIDs = "sharedNegativeListIds"
	FieldCustomParameters      = "urlCustomParameters"
)

// Changes is an ordered field/value map. Key order is preserved through JSON
// encoding so that audit snapshots hash identically after a round trip.
type Changes struct {
	keys   []string
	values map[string]any
}

// NewChanges builds a Changes from alternating key/value arguments.
func NewChanges(kv ...any) Changes {
	var c Changes
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("NewChanges: key at position %d is %T, not string", i, kv[i]))
		}
		c.Set(key, kv[i+1])
	}
	return c
}

// Set inserts or replaces a field. New fields are appended to the key order.
func (c *Changes) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = v
}

// Delete removes a field if present.
func (c *Changes) Delete(key string) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i:i], c.keys[i+1:]...)
			break
		}
	}
}

// Rename moves a field to a new key, keeping its position. An existing field
// under the new key wins and the old one is dropped.
func (c *Changes) Rename(from, to string) {
	v, ok := c.values[from]
	if !ok || from == to {
		return
	}
	if _, exists := c.values[to]; exists {
		c.Delete(from)
		return
	}
	delete(c.values, from)
	c.values[to] = v
	for i, k := range c.keys {
		if k == from {
			c.keys[i] = to
			break
		}
	}
}

func (c Changes) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c Changes) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

func (c Changes) Len() int { return len(c.keys) }

// Keys returns the field names in insertion order.
func (c Changes) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Clone returns a copy that shares no slices or maps with c at the top level.
func (c Changes) Clone() Changes {
	out := Changes{keys: c.Keys()}
	if c.values != nil {
		out.values = make(map[string]any, len(c.values))
		for k, v := range c.values {
			out.values[k] = v
		}
	}
	return out
}

// String returns the field as a string. Numbers are formatted in their
// canonical decimal form.
func (c Changes) String(key string) (string, bool) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// Int64 returns a numeric field. ok is false when the field is absent; err is
// set when the field is present but not an integer.
func (c Changes) Int64(key string) (n int64, ok bool, err error) {
	v, present := c.values[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return int64(t), true, nil
	case int64:
		return t, true, nil
	case int32:
		return int64(t), true, nil
	case Micros:
		return int64(t), true, nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, true, fmt.Errorf("field %s: %v is not an integer", key, t)
		}
		if t >= math.MaxInt64 || t < math.MinInt64 {
			return 0, true, fmt.Errorf("field %s: %w: %v", key, ErrAmountOutOfRange, t)
		}
		return int64(t), true, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("field %s: %q is not an integer", key, t.String())
		}
		return n, true, nil
	case string:
		n, err := ParseMicros(t)
		if errors.Is(err, ErrAmountOutOfRange) {
			return 0, true, fmt.Errorf("field %s: %w", key, err)
		}
		if err != nil {
			return 0, true, fmt.Errorf("field %s: %q is not an integer", key, t)
		}
		return int64(n), true, nil
	default:
		return 0, true, fmt.Errorf("field %s: unsupported type %T", key, v)
	}
}

// Strings returns a list-valued field. A comma-separated string is split.
func (c Changes) Strings(key string) ([]string, bool) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, stringify(item))
		}
		return out, true
	case string:
		if strings.TrimSpace(t) == "" {
			return []string{}, true
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	default:
		return []string{stringify(v)}, true
	}
}

// Map returns a copy of the values keyed by field name.
func (c Changes) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same fields with the same
// canonical values. Key order is ignored.
func (c Changes) Equal(o Changes) bool {
	if len(c.keys) != len(o.keys) {
		return false
	}
	for k, v := range c.values {
		ov, ok := o.values[k]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(canonical(v), canonical(ov)) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the fields in insertion order.
func (c Changes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal field %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping key order. Numbers decode as
// json.Number so that micros values are never rounded through float64.
func (c *Changes) UnmarshalJSON(data []byte) error {
	*c = Changes{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("changes: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("changes: expected string key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("changes: field %s: %w", key, err)
		}
		c.Set(key, v)
	}
	_, err = dec.Token()
	return err
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case Micros:
		return t.Raw()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// canonical normalizes values that compare equal once encoded, so that an
// int64 set in code equals the json.Number decoded from an audit snapshot.
func canonical(v any) any {
	switch t := v.(type) {
	case int, int32, int64, float64, json.Number, Micros:
		return stringify(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = canonical(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = canonical(item)
		}
		return out
	default:
		return v
	}
}
