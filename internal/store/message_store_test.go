package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

var received = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func TestUpsert_InsertsNewMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	batch := []model.Message{
		testutil.NewMessage("p1", "a@example.com", "first", received),
		testutil.NewMessage("p2", "b@example.com", "second", received.Add(time.Hour)),
	}

	n, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.MostRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p2", got[0].ProviderID)
	assert.Equal(t, "p1", got[1].ProviderID)
	assert.Equal(t, received, got[1].ReceivedAt)
	assert.Equal(t, "inbox", got[1].Label)
	assert.False(t, got[1].IsRead)
}

func TestUpsert_SameBatchTwiceDoesNotDuplicate(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	batch := []model.Message{
		testutil.NewMessage("p1", "a@example.com", "first", received),
		testutil.NewMessage("p2", "b@example.com", "second", received),
	}

	n, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.MostRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestUpsert_DuplicateWithinBatch(t *testing.T) {
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage("p1", "a@example.com", "first", received)
	n, err := s.Upsert(context.Background(), []model.Message{msg, msg})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsert_FailureRollsBackWholeBatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	batch := []model.Message{
		testutil.NewMessage("p1", "a@example.com", "first", received),
		testutil.NewMessage("", "b@example.com", "no id", received),
	}

	n, err := s.Upsert(ctx, batch)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.True(t, store.IsStorageError(err))

	got, err := s.MostRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsert_NormalizesLabel(t *testing.T) {
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage("p1", "a@example.com", "first", received)
	msg.Label = " Billing "
	msg.IsRead = true
	stored := testutil.SeedMessages(t, s, msg)

	assert.Equal(t, "billing", stored[0].Label)
	assert.True(t, stored[0].IsRead)
}

func TestUpdateFields(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	stored := testutil.SeedMessages(t, s,
		testutil.NewMessage("p1", "a@example.com", "first", received),
		testutil.NewMessage("p2", "b@example.com", "second", received),
		testutil.NewMessage("p3", "c@example.com", "third", received),
	)

	ids := []int64{stored[0].ID, stored[2].ID}
	require.NoError(t, s.UpdateFields(ctx, ids, store.SetRead(true)))
	require.NoError(t, s.UpdateFields(ctx, ids[:1], store.SetLabel("BILLING")))

	first, err := s.GetByID(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.True(t, first.IsRead)
	assert.Equal(t, "billing", first.Label)

	second, err := s.GetByID(ctx, stored[1].ID)
	require.NoError(t, err)
	assert.False(t, second.IsRead)
	assert.Equal(t, "inbox", second.Label)

	third, err := s.GetByID(ctx, stored[2].ID)
	require.NoError(t, err)
	assert.True(t, third.IsRead)
	assert.Equal(t, "inbox", third.Label)
}

func TestUpdateFields_BothFields(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	stored := testutil.SeedMessages(t, s, testutil.NewMessage("p1", "a@example.com", "first", received))

	read, label := true, "archive"
	require.NoError(t, s.UpdateFields(ctx, []int64{stored[0].ID}, store.MessageUpdate{IsRead: &read, Label: &label}))

	got, err := s.GetByID(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Equal(t, "archive", got.Label)
}

func TestUpdateFields_EmptyUpdateRejected(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.UpdateFields(context.Background(), []int64{1}, store.MessageUpdate{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrEmptyUpdate))
}

func TestUpdateFields_NoIDsIsNoop(t *testing.T) {
	s := testutil.NewTestStore(t)

	assert.NoError(t, s.UpdateFields(context.Background(), nil, store.SetRead(true)))
}

func TestUpdateFields_MissingIDIsNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	stored := testutil.SeedMessages(t, s, testutil.NewMessage("p1", "a@example.com", "first", received))

	err := s.UpdateFields(ctx, []int64{stored[0].ID, 9999}, store.SetRead(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, store.IsStorageError(err))

	got, err := s.GetByID(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.False(t, got.IsRead, "partial update must be rolled back")
}

func TestUpdateFields_DuplicateIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	stored := testutil.SeedMessages(t, s, testutil.NewMessage("p1", "a@example.com", "first", received))

	id := stored[0].ID
	require.NoError(t, s.UpdateFields(ctx, []int64{id, id}, store.SetLabel("archive")))

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "archive", got.Label)
}

func TestFindIDsByText(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	ids, err := s.FindIDsByText(ctx, "invoice")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	stored := testutil.SeedMessages(t, s,
		testutil.NewMessage("p1", "billing@acme.com", "Invoice #1", received),
		testutil.NewMessage("p2", "friend@example.com", "Lunch?", received),
	)

	ids, err = s.FindIDsByText(ctx, "invoice")
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[0].ID}, ids)

	ids, err = s.FindIDsByText(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[1].ID}, ids)

	ids, err = s.FindIDsByText(ctx, "body of")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = s.FindIDsByText(ctx, "nothing like this")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMostRecent_Limit(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	testutil.SeedMessages(t, s,
		testutil.NewMessage("p1", "a@example.com", "first", received),
		testutil.NewMessage("p2", "a@example.com", "second", received),
		testutil.NewMessage("p3", "a@example.com", "third", received),
	)

	got, err := s.MostRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Subject)
	assert.Equal(t, "second", got[1].Subject)

	got, err = s.MostRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetByID_NotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetByID(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordRun(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	older := store.RunRecord{
		ID:         "run-1",
		StartedAt:  received,
		FinishedAt: received.Add(time.Second),
		Messages:   5,
		Matches:    2,
	}
	newer := store.RunRecord{
		ID:             "run-2",
		StartedAt:      received.Add(time.Hour),
		FinishedAt:     received.Add(time.Hour + time.Second),
		Messages:       3,
		Matches:        1,
		ActionsApplied: 1,
		Failures:       1,
		DryRun:         true,
	}
	require.NoError(t, s.RecordRun(ctx, older))
	require.NoError(t, s.RecordRun(ctx, newer))

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.True(t, runs[0].DryRun)
	assert.Equal(t, 1, runs[0].Failures)
	assert.True(t, newer.StartedAt.Equal(runs[0].StartedAt))
	assert.Equal(t, "run-1", runs[1].ID)
	assert.False(t, runs[1].DryRun)

	err = s.RecordRun(ctx, older)
	assert.True(t, store.IsStorageError(err))
}

func TestBootstrap_Idempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, s.Bootstrap(ctx))

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

// A database written by earlier releases has the emails table without a
// schema_version table and may hold duplicate provider ids.
func TestBootstrap_UpgradesLegacyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
CREATE TABLE emails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	from_address TEXT NOT NULL,
	to_address TEXT NOT NULL,
	subject TEXT NOT NULL,
	message TEXT NOT NULL,
	received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	is_read BOOLEAN DEFAULT 0,
	label TEXT DEFAULT 'inbox'
);
CREATE INDEX idx_message_id ON emails(message_id);
INSERT INTO emails (message_id, from_address, to_address, subject, message, received_at)
VALUES ('dup', 'a@example.com', '', 'one', 'x', '2024-03-01 09:30:00'),
       ('dup', 'a@example.com', '', 'one again', 'x', '2024-03-01 09:30:00'),
       ('solo', 'b@example.com', '', 'two', 'y', '2024-03-02 10:00:00');
`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	got, err := s.MostRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "solo", got[0].ProviderID)
	assert.Equal(t, "one", got[1].Subject)
	assert.Equal(t, received, got[1].ReceivedAt)

	n, err := s.Upsert(ctx, []model.Message{testutil.NewMessage("dup", "a@example.com", "one", received)})
	require.NoError(t, err)
	assert.Zero(t, n)
}
