package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

const messageColumns = `
	id, message_id, from_address, to_address, subject, message,
	received_at, is_read, label`

// messageRow mirrors a row of the emails table.
type messageRow struct {
	ID         int64          `db:"id"`
	MessageID  string         `db:"message_id"`
	From       string         `db:"from_address"`
	To         string         `db:"to_address"`
	Subject    string         `db:"subject"`
	Body       string         `db:"message"`
	ReceivedAt sqlTime        `db:"received_at"`
	IsRead     bool           `db:"is_read"`
	Label      sql.NullString `db:"label"`
}

func (r messageRow) toModel() model.Message {
	label := model.DefaultLabel
	if r.Label.Valid && r.Label.String != "" {
		label = r.Label.String
	}
	return model.Message{
		ID:         r.ID,
		ProviderID: r.MessageID,
		From:       r.From,
		To:         r.To,
		Subject:    r.Subject,
		Body:       r.Body,
		ReceivedAt: r.ReceivedAt.Time,
		IsRead:     r.IsRead,
		Label:      label,
	}
}

// Upsert inserts a batch of messages in one transaction. A message whose
// provider id is already stored (or repeated within the batch) is skipped,
// so re-ingesting the same batch inserts nothing. Any other failure rolls
// back the whole batch.
func (s *SQLiteStore) Upsert(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storageErr("upsert", fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO emails (
			message_id, from_address, to_address, subject, message,
			received_at, is_read, label
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, storageErr("upsert", fmt.Errorf("preparing upsert statement: %w", err))
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		if m.ProviderID == "" {
			return 0, storageErr("upsert", errors.New("message without provider id"))
		}

		label := strings.ToLower(strings.TrimSpace(m.Label))
		if label == "" {
			label = model.DefaultLabel
		}

		res, err := stmt.ExecContext(ctx,
			m.ProviderID, m.From, m.To, m.Subject, m.Body,
			formatReceivedAt(m.ReceivedAt), boolToInt(m.IsRead), label,
		)
		if err != nil {
			return 0, storageErr("upsert", fmt.Errorf("inserting message %s: %w", m.ProviderID, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storageErr("upsert", fmt.Errorf("counting rows for %s: %w", m.ProviderID, err))
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("upsert", fmt.Errorf("committing: %w", err))
	}
	return inserted, nil
}

// UpdateFields applies upd to every message in ids. The SET clause is
// built only from the typed fields of MessageUpdate. If any id is missing
// nothing is written and the error wraps ErrNotFound.
func (s *SQLiteStore) UpdateFields(ctx context.Context, ids []int64, upd MessageUpdate) error {
	if upd.empty() {
		return storageErr("update", ErrEmptyUpdate)
	}
	if len(ids) == 0 {
		return nil
	}

	var (
		sets []string
		args []interface{}
	)
	if upd.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, boolToInt(*upd.IsRead))
	}
	if upd.Label != nil {
		sets = append(sets, "label = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(*upd.Label)))
	}
	args = append(args, ids)

	query, args, err := sqlx.In(
		"UPDATE emails SET "+strings.Join(sets, ", ")+" WHERE id IN (?)",
		args...,
	)
	if err != nil {
		return storageErr("update", fmt.Errorf("expanding id set: %w", err))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("update", fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return storageErr("update", fmt.Errorf("updating messages %v: %w", ids, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update", fmt.Errorf("counting updated rows: %w", err))
	}
	if want := distinctCount(ids); n < int64(want) {
		return storageErr("update", fmt.Errorf("updated %d of %d messages %v: %w", n, want, ids, ErrNotFound))
	}

	if err := tx.Commit(); err != nil {
		return storageErr("update", fmt.Errorf("committing: %w", err))
	}
	return nil
}

func distinctCount(ids []int64) int {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// FindIDsByText returns the ids of messages whose subject, sender or body
// matches query with SQL LIKE semantics (ASCII case-insensitive, the
// query's own % and _ act as wildcards).
func (s *SQLiteStore) FindIDsByText(ctx context.Context, query string) ([]int64, error) {
	pattern := "%" + query + "%"

	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM emails
		WHERE subject LIKE ? OR from_address LIKE ? OR message LIKE ?
		ORDER BY id`,
		pattern, pattern, pattern,
	)
	if err != nil {
		return nil, storageErr("search", fmt.Errorf("searching %q: %w", query, err))
	}
	return ids, nil
}

// MostRecent returns up to limit messages ordered by insertion, newest
// first.
func (s *SQLiteStore) MostRecent(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT"+messageColumns+" FROM emails ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, storageErr("most recent", err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

// GetByID retrieves a single message by its store id.
func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT"+messageColumns+" FROM emails WHERE id = ?", id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get", fmt.Errorf("message %d: %w", id, err))
	}

	msg := row.toModel()
	return &msg, nil
}

func formatReceivedAt(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(model.ReceivedAtLayout)
}

// timeLayouts are tried in order when a timestamp column comes back as
// text. The last entries cover rows written by older releases, which
// stored the raw Date header.
var timeLayouts = []string{
	model.ReceivedAtLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

// sqlTime scans timestamp columns regardless of whether the driver hands
// back a time.Time or text.
type sqlTime struct {
	time.Time
}

func (t *sqlTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	case int64:
		t.Time = time.Unix(v, 0).UTC()
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *sqlTime) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	if parsed, err := mail.ParseDate(s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
