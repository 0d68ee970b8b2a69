package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nhle/mailsync/internal/model"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func invoice() model.Message {
	return model.Message{
		ID:         1,
		ProviderID: "p1",
		From:       "billing@acme.com",
		To:         "me@example.com",
		Subject:    "Invoice #1",
		Body:       "Please pay by Friday.",
		ReceivedAt: now.Add(-10 * day),
		Label:      model.DefaultLabel,
	}
}

func cond(f model.Field, p model.Predicate, v string) model.Condition {
	return model.Condition{Field: f, Predicate: p, Value: v}
}

func TestEvaluate_Text(t *testing.T) {
	msg := invoice()

	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{"contains ignores case", cond(model.FieldSubject, model.PredicateContains, "INVOICE"), true},
		{"contains miss", cond(model.FieldSubject, model.PredicateContains, "receipt"), false},
		{"not contains", cond(model.FieldFrom, model.PredicateNotContains, "example"), true},
		{"equals ignores case", cond(model.FieldFrom, model.PredicateEquals, "Billing@Acme.com"), true},
		{"equals is full match", cond(model.FieldFrom, model.PredicateEquals, "acme.com"), false},
		{"not equals", cond(model.FieldTo, model.PredicateNotEquals, "other@example.com"), true},
		{"body", cond(model.FieldBody, model.PredicateContains, "friday"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(msg, tc.cond, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_EmptyFieldIsFalse(t *testing.T) {
	msg := invoice()
	msg.To = ""
	msg.ReceivedAt = time.Time{}

	for _, c := range []model.Condition{
		cond(model.FieldTo, model.PredicateNotContains, "x"),
		cond(model.FieldTo, model.PredicateNotEquals, "x"),
		cond(model.FieldReceived, model.PredicateOlderThan, "1_day"),
		cond(model.FieldReceived, model.PredicateNewerThan, "3_fortnight"),
	} {
		got, err := Evaluate(msg, c, now)
		require.NoError(t, err)
		assert.False(t, got, "%+v", c)
	}
}

func TestEvaluate_OlderThanBoundaryIsStrict(t *testing.T) {
	msg := invoice()
	c := cond(model.FieldReceived, model.PredicateOlderThan, "7_day")

	msg.ReceivedAt = now.Add(-7 * day)
	got, err := Evaluate(msg, c, now)
	require.NoError(t, err)
	assert.False(t, got, "exactly 7 days")

	msg.ReceivedAt = now.Add(-7*day - time.Second)
	got, err = Evaluate(msg, c, now)
	require.NoError(t, err)
	assert.True(t, got, "just over 7 days")

	msg.ReceivedAt = now.Add(-7*day + time.Second)
	got, err = Evaluate(msg, c, now)
	require.NoError(t, err)
	assert.False(t, got, "just under 7 days")
}

func TestEvaluate_NewerThan(t *testing.T) {
	msg := invoice()

	got, err := Evaluate(msg, cond(model.FieldReceived, model.PredicateNewerThan, "1_month"), now)
	require.NoError(t, err)
	assert.True(t, got)

	msg.ReceivedAt = now.Add(-30 * day)
	got, err = Evaluate(msg, cond(model.FieldReceived, model.PredicateNewerThan, "1_month"), now)
	require.NoError(t, err)
	assert.False(t, got, "a month is exactly 30 days and the boundary is strict")
}

func TestEvaluate_Errors(t *testing.T) {
	msg := invoice()

	for _, c := range []model.Condition{
		cond(model.FieldReceived, model.PredicateOlderThan, "2_week"),
		cond(model.FieldReceived, model.PredicateOlderThan, "seven_day"),
		cond(model.FieldReceived, model.PredicateOlderThan, "7days"),
		cond(model.FieldReceived, model.PredicateContains, "7_day"),
		cond(model.FieldSubject, model.PredicateOlderThan, "7_day"),
		cond("cc", model.PredicateContains, "x"),
	} {
		_, err := Evaluate(msg, c, now)
		require.Error(t, err, "%+v", c)
		assert.True(t, IsEvalError(err))
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	msg := invoice()
	c := cond(model.FieldReceived, model.PredicateOlderThan, "9_day")

	first, err := Evaluate(msg, c, now)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := Evaluate(msg, c, now)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
	assert.Equal(t, invoice(), msg)
}

func TestParseAge(t *testing.T) {
	d, err := ParseAge("2_month")
	require.NoError(t, err)
	assert.Equal(t, 60*day, d)

	d, err = ParseAge("0_day")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseAge("-1_day")
	assert.Error(t, err)
}

func TestMatches_Policy(t *testing.T) {
	msg := invoice()
	conditions := []model.Condition{
		cond(model.FieldFrom, model.PredicateContains, "acme"),
		cond(model.FieldSubject, model.PredicateContains, "receipt"),
	}

	all, err := Matches(msg, model.Rule{Name: "all", MatchPolicy: model.MatchAll, Conditions: conditions}, now)
	require.NoError(t, err)
	assert.False(t, all)

	anyMatch, err := Matches(msg, model.Rule{Name: "any", MatchPolicy: model.MatchAny, Conditions: conditions}, now)
	require.NoError(t, err)
	assert.True(t, anyMatch)
}

func TestMatches_NoConditionsNeverMatches(t *testing.T) {
	for _, policy := range []model.MatchPolicy{model.MatchAll, model.MatchAny} {
		got, err := Matches(invoice(), model.Rule{Name: "empty", MatchPolicy: policy}, now)
		require.NoError(t, err)
		assert.False(t, got, policy)
	}
}

func TestMatches_EvalErrorFailsRule(t *testing.T) {
	rule := model.Rule{
		Name:        "broken",
		MatchPolicy: model.MatchAny,
		Conditions: []model.Condition{
			cond(model.FieldFrom, model.PredicateContains, "acme"),
			cond(model.FieldReceived, model.PredicateOlderThan, "3_year"),
		},
	}

	got, err := Matches(invoice(), rule, now)
	require.Error(t, err)
	assert.False(t, got)
	assert.True(t, IsEvalError(err))
	assert.Contains(t, err.Error(), "broken")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRead_LegacyJSON(t *testing.T) {
	path := writeFile(t, "rules.json", `{
  "rules": [
    {
      "name": "Old newsletters",
      "match_type": "all",
      "conditions": [
        {"field": "from", "predicate": "contains", "value": "newsletter"},
        {"field": "received", "predicate": "greater_than", "value": "2_day"},
        {"field": "message", "predicate": "does_not_contain", "value": "urgent"}
      ],
      "actions": [
        {"type": "move", "value": "Newsletters"},
        {"type": "mark_as", "value": "Read"}
      ]
    },
    {
      "match_type": "any",
      "conditions": [{"field": "subject", "predicate": "does_not_equal", "value": "hi"}],
      "actions": []
    }
  ]
}`)

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, model.Rule{
		Name:        "Old newsletters",
		MatchPolicy: model.MatchAll,
		Conditions: []model.Condition{
			cond(model.FieldFrom, model.PredicateContains, "newsletter"),
			cond(model.FieldReceived, model.PredicateOlderThan, "2_day"),
			cond(model.FieldBody, model.PredicateNotContains, "urgent"),
		},
		Actions: []model.Action{
			{Type: model.ActionMove, Value: "Newsletters"},
			{Type: model.ActionMarkAs, Value: model.MarkRead},
		},
	}, got[0])

	assert.Equal(t, "rule-2", got[1].Name)
	assert.Equal(t, model.MatchAny, got[1].MatchPolicy)
	assert.Equal(t, model.PredicateNotEquals, got[1].Conditions[0].Predicate)
}

func TestRead_YAML(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - name: billing
    match_policy: all
    conditions:
      - field: from
        predicate: contains
        value: acme
    actions:
      - type: move
        value: billing
`)

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "billing", got[0].Name)
	assert.Equal(t, model.ActionMove, got[0].Actions[0].Type)
}

func TestRead_InvalidEntries(t *testing.T) {
	tests := map[string]string{
		"unknown field":     `{"rules":[{"conditions":[{"field":"cc","predicate":"contains","value":"x"}]}]}`,
		"unknown predicate": `{"rules":[{"conditions":[{"field":"from","predicate":"like","value":"x"}]}]}`,
		"bad unit":          `{"rules":[{"conditions":[{"field":"received","predicate":"older_than","value":"1_year"}]}]}`,
		"mismatched":        `{"rules":[{"conditions":[{"field":"subject","predicate":"older_than","value":"1_day"}]}]}`,
		"bad policy":        `{"rules":[{"match_policy":"most"}]}`,
		"bad mark":          `{"rules":[{"actions":[{"type":"mark_as","value":"maybe"}]}]}`,
		"empty move":        `{"rules":[{"actions":[{"type":"move","value":""}]}]}`,
		"bad action":        `{"rules":[{"actions":[{"type":"delete","value":"x"}]}]}`,
		"no rules key":      `{"filters":[]}`,
		"malformed":         `{"rules": [`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Read(writeFile(t, "rules.json", content))
			require.Error(t, err)
			assert.True(t, IsRuleConfigError(err))
		})
	}
}

func TestLoad_DegradesToEmptyWithWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	got := Load(filepath.Join(t.TempDir(), "missing.json"), log)
	assert.Empty(t, got)
	assert.Equal(t, 1, logs.FilterMessage("rules not loaded, continuing with no rules").Len())

	got = Load(writeFile(t, "rules.json", "not json"), log)
	assert.Empty(t, got)
	assert.Equal(t, 2, logs.FilterMessage("rules not loaded, continuing with no rules").Len())
}

func TestLoad_WarnsAboutRuleWithoutConditions(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	got := Load(writeFile(t, "rules.json", `{"rules":[{"name":"noop","actions":[{"type":"mark_as","value":"read"}]}]}`), zap.New(core))
	require.Len(t, got, 1)
	assert.Equal(t, 1, logs.FilterMessage("rule has no conditions and will never match").Len())
}
