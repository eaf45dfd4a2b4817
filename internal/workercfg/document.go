// Package workercfg models the worker's runtime configuration document, the
// schema it must satisfy and the resource profiles applied to it before packaging.
package workercfg

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Document is a validated-or-not mapping of worker parameters.
// Values are string, int64, decimal.Decimal or bool. A Document is never
// mutated in place by this package; operations return a modified copy.
type Document struct {
	values map[string]any
}

// NewDocument builds a document from already typed values.
func NewDocument(values map[string]any) Document {
	d := Document{values: make(map[string]any, len(values))}
	for k, v := range values {
		d.values[k] = normalizeValue(v)
	}
	return d
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return decimal.NewFromFloat(t)
	default:
		return v
	}
}

// Get returns the value stored under key.
func (d Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Len returns the number of keys.
func (d Document) Len() int { return len(d.values) }

// Keys returns the keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of d with key set to value.
func (d Document) With(key string, value any) Document {
	out := d.Clone()
	out.values[key] = normalizeValue(value)
	return out
}

// Clone returns a copy that shares no map with d.
func (d Document) Clone() Document {
	out := Document{values: make(map[string]any, len(d.values))}
	for k, v := range d.values {
		out.values[k] = v
	}
	return out
}

// Equal compares two documents key by key. Decimals compare numerically.
func (d Document) Equal(other Document) bool {
	if len(d.values) != len(other.values) {
		return false
	}
	for k, v := range d.values {
		ov, ok := other.values[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	ad, aok := a.(decimal.Decimal)
	bd, bok := b.(decimal.Decimal)
	if aok || bok {
		return aok && bok && ad.Equal(bd)
	}
	return a == b
}

// Int returns an integer value.
func (d Document) Int(key string) (int64, bool) {
	v, ok := d.values[key].(int64)
	return v, ok
}

// String returns a string value.
func (d Document) String(key string) (string, bool) {
	v, ok := d.values[key].(string)
	return v, ok
}

// Decimal returns a decimal value.
func (d Document) Decimal(key string) (decimal.Decimal, bool) {
	v, ok := d.values[key].(decimal.Decimal)
	return v, ok
}

// Bool returns a boolean value.
func (d Document) Bool(key string) (bool, bool) {
	v, ok := d.values[key].(bool)
	return v, ok
}
