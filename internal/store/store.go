package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// MessageUpdate is the closed set of message fields that may change after
// ingestion. Nil fields are left untouched.
type MessageUpdate struct {
	IsRead *bool
	Label  *string
}

func (u MessageUpdate) empty() bool {
	return u.IsRead == nil && u.Label == nil
}

// SetRead returns an update that only changes the read state.
func SetRead(read bool) MessageUpdate {
	return MessageUpdate{IsRead: &read}
}

// SetLabel returns an update that only changes the label.
func SetLabel(label string) MessageUpdate {
	return MessageUpdate{Label: &label}
}

// RunRecord summarizes one rule run for the audit table.
type RunRecord struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Messages       int
	Matches        int
	ActionsApplied int
	Failures       int
	DryRun         bool
}

// MessageStore is the local mirror of ingested messages.
type MessageStore interface {
	// Upsert stores messages atomically and returns how many rows were
	// inserted. Messages whose provider id is already stored are skipped.
	Upsert(ctx context.Context, msgs []model.Message) (int, error)

	// UpdateFields applies upd to every message whose id is in ids.
	UpdateFields(ctx context.Context, ids []int64, upd MessageUpdate) error

	// FindIDsByText returns ids of messages whose subject, sender or body
	// contains query.
	FindIDsByText(ctx context.Context, query string) ([]int64, error)

	// MostRecent returns up to limit messages, newest insertion first.
	MostRecent(ctx context.Context, limit int) ([]model.Message, error)

	// GetByID retrieves a single message.
	GetByID(ctx context.Context, id int64) (*model.Message, error)
}

// RunRecorder persists rule run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// Store is the full persistence surface backed by one database.
type Store interface {
	MessageStore
	RunRecorder
	Close() error
}
