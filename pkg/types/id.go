package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MetaKey is the reserved property carrying identity and meta information in
// plain records. It never collides with a declared field name.
const MetaKey = "__META__"

// Keys used inside the MetaKey object.
const (
	MetaID         = "id"
	MetaType       = "type"
	MetaOriginalID = "originalId"
	MetaRefs       = "refs"
)

// RefToken is an explicit reference to the record (Type, ID).
type RefToken struct {
	Type string `json:"type" yaml:"type"`
	ID   any    `json:"id" yaml:"id"`
}

// Key returns the identity-map key of the token.
func (t RefToken) Key() string {
	return t.Type + ":" + IDKey(t.ID)
}

// NormalizeID converts v to the canonical id representation: strings stay
// strings, integer kinds and integral floats become int64. It reports false
// for anything else, including nil and the empty string.
func NormalizeID(v any) (any, bool) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return nil, false
		}
		return id, true
	case int:
		return int64(id), true
	case int8:
		return int64(id), true
	case int16:
		return int64(id), true
	case int32:
		return int64(id), true
	case int64:
		return id, true
	case uint:
		return uintID(uint64(id))
	case uint8:
		return int64(id), true
	case uint16:
		return int64(id), true
	case uint32:
		return int64(id), true
	case uint64:
		return uintID(id)
	case float32:
		return floatID(float64(id))
	case float64:
		return floatID(id)
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return n, true
		}
		if id == "" {
			return nil, false
		}
		return string(id), true
	default:
		return nil, false
	}
}

func uintID(u uint64) (any, bool) {
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10), true
	}
	return int64(u), true
}

func floatID(f float64) (any, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return nil, false
	}
	return int64(f), true
}

// IDKey returns the textual key used to index id in the identity map.
func IDKey(id any) string {
	if n, ok := NormalizeID(id); ok {
		id = n
	}
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// SameID reports whether a and b address the same identity-map slot.
func SameID(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return IDKey(a) == IDKey(b)
}

// AsRefToken recognizes a reference token: a RefToken, a *RefToken, or a map
// holding exactly the string key "type" and the key "id".
func AsRefToken(v any) (RefToken, bool) {
	switch t := v.(type) {
	case RefToken:
		return t, t.Type != ""
	case *RefToken:
		if t == nil || t.Type == "" {
			return RefToken{}, false
		}
		return *t, true
	case map[string]any:
		if len(t) != 2 {
			return RefToken{}, false
		}
		typ, ok := t["type"].(string)
		if !ok || typ == "" {
			return RefToken{}, false
		}
		id, ok := NormalizeID(t["id"])
		if !ok {
			return RefToken{}, false
		}
		return RefToken{Type: typ, ID: id}, true
	default:
		return RefToken{}, false
	}
}
