package store

import (
	"bytes"
	"math"
	"reflect"

	"github.com/google/uuid"
)

// Normalize folds driver-specific representations onto a canonical form:
// signed and unsigned integers become int64, float32 becomes float64 and
// byte slices and UUIDs become strings. Unsigned values beyond the int64
// range stay uint64.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return uint64(x)
		}
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return x
		}
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case uuid.UUID:
		return x.String()
	}
	return v
}

// Equal compares two column values after normalization.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Equal(ab, bb)
		}
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
