package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

const day = 24 * time.Hour

// EvalError reports a condition that cannot be evaluated, such as an age
// with an unknown unit. It is a hard failure: the condition is neither
// true nor false.
type EvalError struct {
	Condition model.Condition
	Reason    string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %s %s %q: %s",
		e.Condition.Field, e.Condition.Predicate, e.Condition.Value, e.Reason)
}

// IsEvalError reports whether err (or any error in its chain) is an
// EvalError.
func IsEvalError(err error) bool {
	var evalErr *EvalError
	return errors.As(err, &evalErr)
}

// Evaluate tests one condition against msg. It is pure: now is passed in
// and nothing is mutated. An empty field value makes the condition false
// whatever the predicate.
func Evaluate(msg model.Message, cond model.Condition, now time.Time) (bool, error) {
	switch cond.Field {
	case model.FieldReceived:
		if msg.ReceivedAt.IsZero() {
			return false, nil
		}
		return evaluateAge(msg.ReceivedAt, cond, now)
	case model.FieldFrom, model.FieldTo, model.FieldSubject, model.FieldBody:
		value := textField(msg, cond.Field)
		if value == "" {
			return false, nil
		}
		return evaluateText(value, cond)
	default:
		return false, &EvalError{Condition: cond, Reason: "unknown field"}
	}
}

func textField(msg model.Message, f model.Field) string {
	switch f {
	case model.FieldFrom:
		return msg.From
	case model.FieldTo:
		return msg.To
	case model.FieldSubject:
		return msg.Subject
	default:
		return msg.Body
	}
}

func evaluateText(value string, cond model.Condition) (bool, error) {
	have := strings.ToLower(value)
	want := strings.ToLower(cond.Value)

	switch cond.Predicate {
	case model.PredicateContains:
		return strings.Contains(have, want), nil
	case model.PredicateNotContains:
		return !strings.Contains(have, want), nil
	case model.PredicateEquals:
		return have == want, nil
	case model.PredicateNotEquals:
		return have != want, nil
	default:
		return false, &EvalError{Condition: cond, Reason: "predicate does not apply to text fields"}
	}
}

func evaluateAge(receivedAt time.Time, cond model.Condition, now time.Time) (bool, error) {
	delta, err := ParseAge(cond.Value)
	if err != nil {
		return false, &EvalError{Condition: cond, Reason: err.Error()}
	}

	age := now.Sub(receivedAt)
	switch cond.Predicate {
	case model.PredicateOlderThan:
		return age > delta, nil
	case model.PredicateNewerThan:
		return age < delta, nil
	default:
		return false, &EvalError{Condition: cond, Reason: "predicate does not apply to the received field"}
	}
}

// ParseAge parses "<N>_<unit>" where unit is day or month. A month is
// always 30 days.
func ParseAge(value string) (time.Duration, error) {
	num, unit, ok := strings.Cut(strings.TrimSpace(value), "_")
	if !ok {
		return 0, fmt.Errorf("age %q is not of the form <N>_<unit>", value)
	}

	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("age %q has an invalid count", value)
	}

	switch strings.ToLower(unit) {
	case "day":
		return time.Duration(n) * day, nil
	case "month":
		return time.Duration(n) * 30 * day, nil
	default:
		return 0, fmt.Errorf("age %q has unknown unit %q", value, unit)
	}
}
