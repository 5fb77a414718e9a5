package targeting

import (
	"regexp"
	"strings"

	"github.com/team-michael/notifly-go-sdk/internal/models"
)

// MatchEventName reports whether the triggering-condition disjunction
// matches the event name. Each group is a conjunction; an empty disjunction
// matches nothing.
func MatchEventName(groups [][]models.StringMatcher, name string) bool {
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		all := true
		for _, m := range group {
			if !matchString(m.Operator, m.Operand, name) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// MatchEventParams reports whether the event-parameter filter disjunction
// matches. A nil filter passes; a present filter needs one group where every
// conjunct matches its parameter.
func MatchEventParams(groups [][]models.EventParamFilter, params map[string]any) bool {
	if len(groups) == 0 {
		return true
	}
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		all := true
		for _, f := range group {
			v, ok := params[f.Key]
			if !ok {
				all = false
				break
			}
			s, ok := coerceText(v)
			if !ok || !matchString(f.Operator, f.Operand, s) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func matchString(op models.MatchOperator, operand, s string) bool {
	switch op {
	case models.MatchEquals:
		return s == operand
	case models.MatchNotEquals:
		return s != operand
	case models.MatchStartsWith:
		return strings.HasPrefix(s, operand)
	case models.MatchNotStartsWith:
		return !strings.HasPrefix(s, operand)
	case models.MatchEndsWith:
		return strings.HasSuffix(s, operand)
	case models.MatchNotEndsWith:
		return !strings.HasSuffix(s, operand)
	case models.MatchContains:
		return strings.Contains(s, operand)
	case models.MatchNotContains:
		return !strings.Contains(s, operand)
	case models.MatchRegex:
		matched, err := regexp.MatchString(operand, s)
		return err == nil && matched
	case models.MatchNotRegex:
		matched, err := regexp.MatchString(operand, s)
		return err == nil && !matched
	default:
		return false
	}
}
