// Package rules loads classification rules and evaluates them against
// messages.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/model"
)

// RuleConfigError reports a rules file that cannot be used.
type RuleConfigError struct {
	Path string
	Rule int // index of the offending rule, -1 for file-level problems
	Err  error
}

func (e *RuleConfigError) Error() string {
	if e.Rule < 0 {
		return fmt.Sprintf("rules file %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("rules file %s: rule %d: %v", e.Path, e.Rule, e.Err)
}

func (e *RuleConfigError) Unwrap() error {
	return e.Err
}

// IsRuleConfigError reports whether err (or any error in its chain) is a
// RuleConfigError.
func IsRuleConfigError(err error) bool {
	var cfgErr *RuleConfigError
	return errors.As(err, &cfgErr)
}

type ruleFile struct {
	Rules []ruleEntry `mapstructure:"rules"`
}

type ruleEntry struct {
	Name        string           `mapstructure:"name"`
	MatchPolicy string           `mapstructure:"match_policy"`
	MatchType   string           `mapstructure:"match_type"`
	Conditions  []conditionEntry `mapstructure:"conditions"`
	Actions     []actionEntry    `mapstructure:"actions"`
}

type conditionEntry struct {
	Field     string `mapstructure:"field"`
	Predicate string `mapstructure:"predicate"`
	Value     string `mapstructure:"value"`
}

type actionEntry struct {
	Type  string `mapstructure:"type"`
	Value string `mapstructure:"value"`
}

// Older rule files used these spellings.
var (
	fieldAliases = map[string]model.Field{
		"from":     model.FieldFrom,
		"to":       model.FieldTo,
		"subject":  model.FieldSubject,
		"body":     model.FieldBody,
		"message":  model.FieldBody,
		"received": model.FieldReceived,
	}
	predicateAliases = map[string]model.Predicate{
		"contains":         model.PredicateContains,
		"not_contains":     model.PredicateNotContains,
		"does_not_contain": model.PredicateNotContains,
		"equals":           model.PredicateEquals,
		"not_equals":       model.PredicateNotEquals,
		"does_not_equal":   model.PredicateNotEquals,
		"older_than":       model.PredicateOlderThan,
		"greater_than":     model.PredicateOlderThan,
		"newer_than":       model.PredicateNewerThan,
		"less_than":        model.PredicateNewerThan,
	}
)

// Load reads the rules at path. A missing, unreadable or invalid file
// yields an empty rule set and a logged warning; it never fails.
func Load(path string, log *zap.Logger) []model.Rule {
	if log == nil {
		log = zap.NewNop()
	}

	rules, err := Read(path)
	if err != nil {
		log.Warn("rules not loaded, continuing with no rules",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil
	}

	for _, r := range rules {
		if len(r.Conditions) == 0 {
			log.Warn("rule has no conditions and will never match", zap.String("rule", r.Name))
		}
		if len(r.Actions) == 0 {
			log.Warn("rule has no actions", zap.String("rule", r.Name))
		}
	}
	log.Info("rules loaded", zap.String("path", path), zap.Int("count", len(rules)))
	return rules
}

// Read parses and validates the rules file at path. JSON and YAML are
// accepted; the format follows the file extension, defaulting to JSON.
// Any invalid rule rejects the whole file.
func Read(path string) ([]model.Rule, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &RuleConfigError{Path: path, Rule: -1, Err: err}
	}

	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, &RuleConfigError{Path: path, Rule: -1, Err: err}
	}

	var file ruleFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, &RuleConfigError{Path: path, Rule: -1, Err: err}
	}
	if !v.IsSet("rules") {
		return nil, &RuleConfigError{Path: path, Rule: -1, Err: errors.New(`missing "rules" list`)}
	}

	rules := make([]model.Rule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		r, err := entry.toRule(i)
		if err != nil {
			return nil, &RuleConfigError{Path: path, Rule: i, Err: err}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (e ruleEntry) toRule(index int) (model.Rule, error) {
	r := model.Rule{Name: strings.TrimSpace(e.Name)}
	if r.Name == "" {
		r.Name = fmt.Sprintf("rule-%d", index+1)
	}

	policy := e.MatchPolicy
	if policy == "" {
		policy = e.MatchType
	}
	switch model.MatchPolicy(strings.ToLower(strings.TrimSpace(policy))) {
	case model.MatchAll, "":
		r.MatchPolicy = model.MatchAll
	case model.MatchAny:
		r.MatchPolicy = model.MatchAny
	default:
		return model.Rule{}, fmt.Errorf("unknown match policy %q", policy)
	}

	for j, c := range e.Conditions {
		cond, err := c.toCondition()
		if err != nil {
			return model.Rule{}, fmt.Errorf("condition %d: %w", j, err)
		}
		r.Conditions = append(r.Conditions, cond)
	}

	for j, a := range e.Actions {
		action, err := a.toAction()
		if err != nil {
			return model.Rule{}, fmt.Errorf("action %d: %w", j, err)
		}
		r.Actions = append(r.Actions, action)
	}

	return r, nil
}

func (c conditionEntry) toCondition() (model.Condition, error) {
	field, ok := fieldAliases[strings.ToLower(strings.TrimSpace(c.Field))]
	if !ok {
		return model.Condition{}, fmt.Errorf("unknown field %q", c.Field)
	}
	pred, ok := predicateAliases[strings.ToLower(strings.TrimSpace(c.Predicate))]
	if !ok {
		return model.Condition{}, fmt.Errorf("unknown predicate %q", c.Predicate)
	}

	isAge := pred == model.PredicateOlderThan || pred == model.PredicateNewerThan
	if (field == model.FieldReceived) != isAge {
		return model.Condition{}, fmt.Errorf("predicate %q cannot be used with field %q", pred, field)
	}
	if isAge {
		if _, err := ParseAge(c.Value); err != nil {
			return model.Condition{}, err
		}
	}

	return model.Condition{Field: field, Predicate: pred, Value: c.Value}, nil
}

func (a actionEntry) toAction() (model.Action, error) {
	value := strings.TrimSpace(a.Value)

	switch model.ActionType(strings.ToLower(strings.TrimSpace(a.Type))) {
	case model.ActionMove:
		if value == "" {
			return model.Action{}, errors.New("move needs a target label")
		}
		return model.Action{Type: model.ActionMove, Value: value}, nil
	case model.ActionMarkAs:
		value = strings.ToLower(value)
		if value != model.MarkRead && value != model.MarkUnread {
			return model.Action{}, fmt.Errorf("mark_as value must be %q or %q, got %q",
				model.MarkRead, model.MarkUnread, a.Value)
		}
		return model.Action{Type: model.ActionMarkAs, Value: value}, nil
	default:
		return model.Action{}, fmt.Errorf("unknown action type %q", a.Type)
	}
}
