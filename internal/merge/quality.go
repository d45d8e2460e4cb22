package merge

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	qualityEmpty      = 0.0
	qualityInvalid    = 0.2
	qualityBase       = 0.6
	qualityShortBonus = 0.1
	qualityLongBonus  = 0.3
	shortTextLen      = 20
	longTextLen       = 80
)

// isEmptyValue reports whether a field value carries no information and
// should lose to any populated alternative under most_complete and
// highest_quality.
func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	case *time.Time:
		return val == nil || val.IsZero()
	case *float64:
		return val == nil
	case bool, int:
		return false
	default:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Ptr && rv.IsNil()
	}
}

// qualityScore rates one candidate value in [0,1]. Validators gate the
// upper tiers: a value that fails its field validator never beats one
// that passes, regardless of length.
func qualityScore(spec fieldSpec, v any) float64 {
	if isEmptyValue(v) {
		return qualityEmpty
	}
	if spec.validator != nil && !spec.validator(v) {
		return qualityInvalid
	}
	score := qualityBase
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		switch {
		case len(trimmed) >= longTextLen:
			score += qualityLongBonus
		case len(trimmed) >= shortTextLen:
			score += qualityShortBonus
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// valuesEqual compares two field values by content. Pointer fields
// compare pointees so two events with equal coordinates from different
// allocations count as agreeing.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		// nil and empty compare equal so no-op merges stay silent.
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case *time.Time:
		bv, ok := b.(*time.Time)
		if !ok {
			return false
		}
		if av == nil || bv == nil {
			return av == bv
		}
		return av.Equal(*bv)
	case *float64:
		bv, ok := b.(*float64)
		if !ok {
			return false
		}
		if av == nil || bv == nil {
			return av == bv
		}
		return *av == *bv
	default:
		return reflect.DeepEqual(a, b)
	}
}

// renderValue prints a field value for change logs and review payloads.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case *float64:
		if val == nil {
			return ""
		}
		return fmt.Sprintf("%g", *val)
	default:
		return fmt.Sprintf("%v", v)
	}
}
