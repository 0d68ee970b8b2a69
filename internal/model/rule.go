package model

// Field names a message attribute a Condition inspects.
type Field string

const (
	FieldFrom     Field = "from"
	FieldTo       Field = "to"
	FieldSubject  Field = "subject"
	FieldBody     Field = "body"
	FieldReceived Field = "received"
)

// Predicate is the comparison a Condition performs.
type Predicate string

const (
	PredicateContains    Predicate = "contains"
	PredicateNotContains Predicate = "not_contains"
	PredicateEquals      Predicate = "equals"
	PredicateNotEquals   Predicate = "not_equals"
	PredicateOlderThan   Predicate = "older_than"
	PredicateNewerThan   Predicate = "newer_than"
)

// MatchPolicy controls how a rule combines its condition results.
type MatchPolicy string

const (
	MatchAll MatchPolicy = "all"
	MatchAny MatchPolicy = "any"
)

// ActionType identifies what a rule does to a matched message.
type ActionType string

const (
	ActionMove   ActionType = "move"
	ActionMarkAs ActionType = "mark_as"
)

// Values accepted by a mark_as action.
const (
	MarkRead   = "read"
	MarkUnread = "unread"
)

// Condition is a single test against one message field. For
// FieldReceived, Value has the form "<N>_<unit>" with unit "day" or
// "month".
type Condition struct {
	Field     Field     `json:"field"`
	Predicate Predicate `json:"predicate"`
	Value     string    `json:"value"`
}

// Action is a mutation applied to a matched message. Value is the
// target label for ActionMove, or MarkRead/MarkUnread for ActionMarkAs.
type Action struct {
	Type  ActionType `json:"type"`
	Value string     `json:"value"`
}

// Rule is a named set of conditions and the actions to apply when they
// match. Rules are loaded from configuration and never persisted.
type Rule struct {
	Name        string      `json:"name"`
	MatchPolicy MatchPolicy `json:"match_policy"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
}
