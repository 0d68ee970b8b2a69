package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Ingested(3, 2)
	m.Matched("billing")
	m.Matched("billing")
	m.Action("move", OutcomeApplied)
	m.Action("mark_as", OutcomeFailed)
	m.RunFinished(150*time.Millisecond, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesIngested))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSkipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuleMatches.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("mark_as", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Ingested(1, 1)
		m.Matched("x")
		m.Action("move", OutcomeApplied)
		m.RunFinished(time.Second, 0)
	})
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "m.prom")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.Ingested(5, 0)

	path := filepath.Join(t.TempDir(), "mailsync.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mailsync_messages_ingested_total 5")
}
