package readings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Snapshot is a full set of parameter readings for one component at one
// point in time. Values are normalized scalars: decimal.Decimal for numbers,
// string for states, bool for flags, nil when the upstream reported the
// parameter without a value.
type Snapshot map[string]interface{}

// Normalize converts a decoded JSON scalar into its canonical form. Numbers
// are parsed into decimals so that change detection does not depend on float
// equality.
func Normalize(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case json.Number:
		dec, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", v.String(), err)
		}
		return dec, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	case string:
		return v, nil
	case bool:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported reading value %T", raw)
	}
}

// NormalizeMap builds a snapshot from a decoded JSON object, skipping nested
// structures. Upstreams occasionally nest bookkeeping objects next to plain
// readings; those are not parameters.
func NormalizeMap(raw map[string]interface{}) (Snapshot, error) {
	snapshot := make(Snapshot, len(raw))
	for key, value := range raw {
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			continue
		}
		normalized, err := Normalize(value)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
		snapshot[key] = normalized
	}
	return snapshot, nil
}

// DecodeObject decodes a JSON object keeping numbers as json.Number.
func DecodeObject(raw []byte) (map[string]interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var obj map[string]interface{}
	if err := decoder.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Clone returns an independent shallow copy. Scalar values are immutable, so
// a shallow copy is sufficient for isolation between consumers.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two snapshots key by key using decimal equality for
// numbers.
func Equal(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok {
			return false
		}
		if !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ad, aok := a.(decimal.Decimal)
	bd, bok := b.(decimal.Decimal)
	if aok || bok {
		return aok && bok && ad.Equal(bd)
	}
	return a == b
}
