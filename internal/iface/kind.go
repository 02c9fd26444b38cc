package iface

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// Kind enumerates the primitive types a leaf may declare. The wire is JSON,
// so all integer widths of one signedness share a storage representation:
// string, bool, float64, int64 or uint64.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindBool
	KindFloat
	KindInt
	KindUint
)

// kindTags maps declarative type tags (the firmware's C vocabulary) to kinds.
var kindTags = map[string]Kind{
	"char[]":   KindString,
	"bool":     KindBool,
	"float":    KindFloat,
	"double":   KindFloat,
	"int":      KindInt,
	"int8_t":   KindInt,
	"int16_t":  KindInt,
	"int32_t":  KindInt,
	"int64_t":  KindInt,
	"uint8_t":  KindUint,
	"uint16_t": KindUint,
	"uint32_t": KindUint,
	"uint64_t": KindUint,
}

var arraySize = regexp.MustCompile(`\[\d+\]`)

// ParseKind resolves a declarative type tag. Array size specifications such
// as char[64] are collapsed to char[] before lookup.
func ParseKind(tag string) (Kind, error) {
	k, ok := kindTags[arraySize.ReplaceAllString(tag, "[]")]
	if !ok {
		return KindInvalid, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	return k, nil
}

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	}
	return "invalid"
}

// Zero returns the value a leaf of this kind is initialized with.
func (k Kind) Zero() any {
	switch k {
	case KindString:
		return ""
	case KindBool:
		return false
	case KindFloat:
		return float64(0)
	case KindInt:
		return int64(0)
	case KindUint:
		return uint64(0)
	}
	return nil
}

// Convert validates v against the kind and applies the coercion whitelist:
// integers may become floats or bools, floats may become integers (truncated).
// Anything else, including out-of-range values, is an ErrConversion.
func (k Kind) Convert(v any) (any, error) {
	v = normalize(v)
	switch k {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindBool:
		switch n := v.(type) {
		case bool:
			return n, nil
		case int64:
			return n != 0, nil
		case uint64:
			return n != 0, nil
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
	case KindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case uint64:
			if n > math.MaxInt64 {
				break
			}
			return int64(n), nil
		case float64:
			// Conversion of out-of-range floats is implementation-defined;
			// reject instead of storing garbage. The upper bound compares
			// against 2^63 exactly (MaxInt64 rounds up as a float64).
			if math.IsNaN(n) || n < math.MinInt64 || n >= math.MaxInt64 {
				break
			}
			return int64(n), nil
		}
	case KindUint:
		switch n := v.(type) {
		case uint64:
			return n, nil
		case int64:
			if n < 0 {
				break
			}
			return uint64(n), nil
		case float64:
			if math.IsNaN(n) || n < 0 || n >= math.MaxUint64 {
				break
			}
			return uint64(n), nil
		}
	}
	return nil, fmt.Errorf("%w: value %v (%T) does not satisfy declared type %s", ErrConversion, v, v, k)
}

// normalize collapses Go's numeric breadth onto the storage representations.
// json.Number values become int64 when integral, float64 otherwise.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case float32:
		return float64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return string(n)
	}
	return v
}
