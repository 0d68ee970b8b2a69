package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewMessage returns an unread inbox message with the given provider id and
// subject, received at the given time.
func NewMessage(providerID, from, subject string, receivedAt time.Time) model.Message {
	return model.Message{
		ProviderID: providerID,
		From:       from,
		To:         "me@example.com",
		Subject:    subject,
		Body:       "body of " + subject,
		ReceivedAt: receivedAt.UTC().Truncate(time.Second),
		Label:      model.DefaultLabel,
	}
}

// SeedMessages upserts msgs into s and returns them as stored, oldest
// insertion first.
func SeedMessages(t *testing.T, s *store.SQLiteStore, msgs ...model.Message) []model.Message {
	t.Helper()

	ctx := context.Background()
	n, err := s.Upsert(ctx, msgs)
	if err != nil {
		t.Fatalf("seeding messages: %v", err)
	}
	if n != len(msgs) {
		t.Fatalf("seeding messages: inserted %d of %d", n, len(msgs))
	}

	stored, err := s.MostRecent(ctx, len(msgs))
	if err != nil {
		t.Fatalf("reading seeded messages: %v", err)
	}
	for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
		stored[i], stored[j] = stored[j], stored[i]
	}
	return stored
}
