package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Matches reports whether msg satisfies rule. Every condition is evaluated
// before the results are combined with AND (all) or OR (any). A rule with
// no conditions never matches. If any condition fails to evaluate the rule
// neither matches nor fails to match, and the errors are returned.
func Matches(msg model.Message, rule model.Rule, now time.Time) (bool, error) {
	if len(rule.Conditions) == 0 {
		return false, nil
	}

	results := make([]bool, len(rule.Conditions))
	var errs []error
	for i, cond := range rule.Conditions {
		ok, err := Evaluate(msg, cond, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results[i] = ok
	}
	if len(errs) > 0 {
		return false, fmt.Errorf("rule %q: %w", rule.Name, errors.Join(errs...))
	}

	switch rule.MatchPolicy {
	case model.MatchAll:
		for _, ok := range results {
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case model.MatchAny:
		for _, ok := range results {
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("rule %q: unknown match policy %q", rule.Name, rule.MatchPolicy)
	}
}
