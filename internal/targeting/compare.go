package targeting

import (
	"encoding/json"
	"strconv"

	"github.com/team-michael/notifly-go-sdk/internal/models"
)

// Compare applies a type-aware comparison: both operands are coerced to the
// declared type before comparing. Coercion failure makes the comparison
// false rather than an error.
func Compare(op models.CompareOperator, value, counterpart any, vt models.ValueType) bool {
	if vt == "" {
		vt = models.ValueTypeText
	}

	if op == models.CompareContains {
		return containsMatch(value, counterpart, vt)
	}

	switch vt {
	case models.ValueTypeText:
		a, ok1 := coerceText(value)
		b, ok2 := coerceText(counterpart)
		if !ok1 || !ok2 {
			return false
		}
		return compareOrdered(op, a, b)
	case models.ValueTypeInt:
		a, ok1 := coerceNumber(value)
		b, ok2 := coerceNumber(counterpart)
		if !ok1 || !ok2 {
			return false
		}
		return compareOrdered(op, a, b)
	case models.ValueTypeBool:
		a, ok1 := coerceBool(value)
		b, ok2 := coerceBool(counterpart)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case models.CompareEquals:
			return a == b
		case models.CompareNotEquals:
			return a != b
		}
		return false
	case models.ValueTypeArray:
		return containsMatch(value, counterpart, models.ValueTypeText)
	default:
		return false
	}
}

// IsEqual reports type-aware equality.
func IsEqual(value, counterpart any, vt models.ValueType) bool {
	return Compare(models.CompareEquals, value, counterpart, vt)
}

// containsMatch coerces value to an array and reports whether any element
// equality-matches the counterpart under the element type.
func containsMatch(value, counterpart any, elemType models.ValueType) bool {
	arr, ok := coerceArray(value)
	if !ok {
		return false
	}
	if elemType == models.ValueTypeArray {
		elemType = models.ValueTypeText
	}
	for _, elem := range arr {
		if Compare(models.CompareEquals, elem, counterpart, elemType) {
			return true
		}
	}
	return false
}

func compareOrdered[T string | float64](op models.CompareOperator, a, b T) bool {
	switch op {
	case models.CompareEquals:
		return a == b
	case models.CompareNotEquals:
		return a != b
	case models.CompareGreater:
		return a > b
	case models.CompareGreaterEq:
		return a >= b
	case models.CompareLess:
		return a < b
	case models.CompareLessEq:
		return a <= b
	default:
		return false
	}
}

func coerceText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	default:
		return "", false
	}
}

func coerceNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		if x == "true" {
			return true, true
		}
		if x == "false" {
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

func coerceArray(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}
