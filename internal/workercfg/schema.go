package workercfg

import (
	"fmt"
	"sort"
	"strings"

	apperrors "gridkeeper/pkg/errors"

	"github.com/shopspring/decimal"
)

// Kind is the value type of a schema field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindDecimal
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "boolean"
	default:
		return "unknown"
	}
}

// Field declares one known key.
type Field struct {
	Key      string
	Kind     Kind
	Required bool
	Min      *decimal.Decimal
	Max      *decimal.Decimal
	Enum     []string
	Upper    bool // string values are upper-cased on parse
}

// SchemaViolation is returned when a document does not satisfy the schema.
type SchemaViolation struct {
	Key    string
	Value  any
	Reason string
}

func (e *SchemaViolation) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("schema violation for key '%s': %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("schema violation for key '%s' (value: %v): %s", e.Key, e.Value, e.Reason)
}

// Is matches apperrors.ErrSchemaViolation.
func (e *SchemaViolation) Is(target error) bool {
	return target == apperrors.ErrSchemaViolation
}

// Schema is the fixed set of keys a worker configuration may contain.
type Schema struct {
	fields      map[string]Field
	aliases     map[string]string
	credentials map[string]string // key -> environment variable that supplies it
}

func bound(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func boundStr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

// BotSchema returns the schema of the grid bot's configuration file.
func BotSchema() *Schema {
	fields := []Field{
		{Key: "symbol", Kind: KindString, Required: true, Upper: true},
		{Key: "mode", Kind: KindString, Required: true, Upper: true, Enum: []string{"ONE_WAY", "HEDGE"}},
		{Key: "margin_type", Kind: KindString, Required: true, Upper: true, Enum: []string{"ISOLATED", "CROSSED"}},
		{Key: "leverage", Kind: KindInt, Required: true, Min: bound(1), Max: bound(125)},
		{Key: "per_order_quote_usd", Kind: KindDecimal, Required: true, Min: boundStr("0.01")},
		{Key: "maker_guard_ticks", Kind: KindInt, Required: true, Min: bound(0), Max: bound(1000)},
		{Key: "recenter_threshold", Kind: KindDecimal, Required: true, Min: bound(0)},
		{Key: "max_open_orders", Kind: KindInt, Required: true, Min: bound(1), Max: bound(1000)},
		{Key: "max_resting_orders_per_side", Kind: KindInt, Required: true, Min: bound(1), Max: bound(500)},
		{Key: "max_concurrent_positions_per_side", Kind: KindInt, Required: true, Min: bound(1), Max: bound(500)},
		{Key: "kill_switch_ms", Kind: KindInt, Required: true, Min: bound(0)},
		{Key: "log_level", Kind: KindString, Required: true, Upper: true, Enum: LogVerbosities},
		{Key: "rest_base", Kind: KindString, Required: true},
		{Key: "ws_market", Kind: KindString, Required: true},
		{Key: "ws_user", Kind: KindString},
		{Key: "per_order_base_qty", Kind: KindDecimal, Min: boundStr("0.00000001")},
		{Key: "grid_spacing", Kind: KindDecimal, Min: boundStr("0.00000001")},
		{Key: "min_levels_per_side", Kind: KindInt, Min: bound(1), Max: bound(500)},
		{Key: "margin_reserve_pct", Kind: KindDecimal, Min: bound(0), Max: bound(1)},
		{Key: "dry_run_virtual_balance", Kind: KindDecimal, Min: bound(0)},
		{Key: "status_notify_interval", Kind: KindInt, Min: bound(1)},
		{Key: "recv_window", Kind: KindInt, Min: bound(1), Max: bound(60000)},
		{Key: "dry_run", Kind: KindBool},
	}

	s := &Schema{
		fields: make(map[string]Field, len(fields)),
		aliases: map[string]string{
			"dry-run":                    "dry_run",
			"status_notify_interval_sec": "status_notify_interval",
		},
		credentials: map[string]string{
			"api_key":                "ASTER_API_KEY",
			"api_secret":             "ASTER_API_SECRET",
			"status_notify_send_key": "ASTER_STATUS_NOTIFY_SEND_KEY",
		},
	}
	for _, f := range fields {
		s.fields[f.Key] = f
	}
	return s
}

// Field looks up a known key.
func (s *Schema) Field(key string) (Field, bool) {
	f, ok := s.fields[key]
	return f, ok
}

// CredentialEnv returns the environment variables that carry credentials.
func (s *Schema) CredentialEnv() []string {
	out := make([]string, 0, len(s.credentials))
	for _, env := range s.credentials {
		out = append(out, env)
	}
	sort.Strings(out)
	return out
}

// Validate checks doc against the schema. Keys are inspected in sorted order
// so the reported violation is deterministic.
func (s *Schema) Validate(doc Document) error {
	for _, key := range s.requiredKeys() {
		if !doc.Has(key) {
			return &SchemaViolation{Key: key, Reason: "required key is missing"}
		}
	}

	for _, key := range doc.Keys() {
		if _, isCred := s.credentials[key]; isCred {
			return &SchemaViolation{Key: key, Reason: fmt.Sprintf("credentials must be supplied through %s, not the document", s.credentials[key])}
		}
		f, ok := s.fields[key]
		if !ok {
			return &SchemaViolation{Key: key, Reason: "unknown key"}
		}
		v, _ := doc.Get(key)
		if err := f.check(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) requiredKeys() []string {
	var keys []string
	for k, f := range s.fields {
		if f.Required {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f Field) check(v any) error {
	var num *decimal.Decimal
	switch f.Kind {
	case KindString:
		str, ok := v.(string)
		if !ok {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: "expected a string"}
		}
		if f.Required && strings.TrimSpace(str) == "" {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: "must not be empty"}
		}
		if len(f.Enum) > 0 && !contains(f.Enum, str) {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: fmt.Sprintf("must be one of: %s", strings.Join(f.Enum, ", "))}
		}
	case KindInt:
		i, ok := v.(int64)
		if !ok {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: "expected an integer"}
		}
		d := decimal.NewFromInt(i)
		num = &d
	case KindDecimal:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: "expected a number"}
		}
		num = &d
	case KindBool:
		if _, ok := v.(bool); !ok {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: "expected a boolean"}
		}
	}

	if num != nil {
		if f.Min != nil && num.LessThan(*f.Min) {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: fmt.Sprintf("must be >= %s", f.Min.String())}
		}
		if f.Max != nil && num.GreaterThan(*f.Max) {
			return &SchemaViolation{Key: f.Key, Value: v, Reason: fmt.Sprintf("must be <= %s", f.Max.String())}
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
