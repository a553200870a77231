package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

// SQLStore implements MessageStore, GuestDirectory and DeliveryStore on
// any sqlx driver. Queries use '?' placeholders rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

var (
	_ MessageStore   = (*SQLStore)(nil)
	_ GuestDirectory = (*SQLStore)(nil)
	_ DeliveryStore  = (*SQLStore)(nil)
)

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const messageColumns = `id, event_id, host_id, content, message_type, recipient_filter,
	scheduled_at, state, modification_count, send_via_sms, send_via_push,
	recipients, failure_reason, sent_at, cancelled_at, created_at, updated_at`

type messageRow struct {
	ID                string         `db:"id"`
	EventID           string         `db:"event_id"`
	HostID            string         `db:"host_id"`
	Content           string         `db:"content"`
	MessageType       string         `db:"message_type"`
	RecipientFilter   string         `db:"recipient_filter"`
	ScheduledAt       int64          `db:"scheduled_at"`
	State             string         `db:"state"`
	ModificationCount int            `db:"modification_count"`
	SendViaSMS        bool           `db:"send_via_sms"`
	SendViaPush       bool           `db:"send_via_push"`
	Recipients        sql.NullString `db:"recipients"`
	FailureReason     sql.NullString `db:"failure_reason"`
	SentAt            sql.NullInt64  `db:"sent_at"`
	CancelledAt       sql.NullInt64  `db:"cancelled_at"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r messageRow) toModel() (model.ScheduledMessage, error) {
	filter, err := model.UnmarshalFilter([]byte(r.RecipientFilter))
	if err != nil {
		return model.ScheduledMessage{}, fmt.Errorf("message %s: %w", r.ID, err)
	}

	m := model.ScheduledMessage{
		ID:                r.ID,
		EventID:           r.EventID,
		HostID:            r.HostID,
		Content:           r.Content,
		Type:              model.MessageType(r.MessageType),
		Filter:            filter,
		ScheduledAt:       fromMillis(r.ScheduledAt),
		State:             model.State(r.State),
		ModificationCount: r.ModificationCount,
		Channels:          model.Channels{SMS: r.SendViaSMS, Push: r.SendViaPush},
		SentAt:            nullMillis(r.SentAt),
		CancelledAt:       nullMillis(r.CancelledAt),
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
	if r.FailureReason.Valid {
		s := r.FailureReason.String
		m.FailureReason = &s
	}
	if r.Recipients.Valid {
		if err := json.Unmarshal([]byte(r.Recipients.String), &m.Recipients); err != nil {
			return model.ScheduledMessage{}, fmt.Errorf("message %s recipients: %w", r.ID, err)
		}
	}
	return m, nil
}

func (s *SQLStore) Insert(ctx context.Context, m *model.ScheduledMessage) error {
	filter, err := model.MarshalFilter(m.Filter)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO scheduled_messages (
			id, event_id, host_id, content, message_type, recipient_filter,
			scheduled_at, state, modification_count, send_via_sms, send_via_push,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		m.ID, m.EventID, m.HostID, m.Content, string(m.Type), string(filter),
		toMillis(m.ScheduledAt), string(m.State), m.ModificationCount, m.SMS, m.Push,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+messageColumns+` FROM scheduled_messages WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrMessageNotFound, id)
		}
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	m, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) UpdateScheduled(ctx context.Context, m *model.ScheduledMessage, expectedCount int, now time.Time) (bool, error) {
	filter, err := model.MarshalFilter(m.Filter)
	if err != nil {
		return false, err
	}
	return s.execMatched(ctx, `
		UPDATE scheduled_messages
		SET content = ?,
		    message_type = ?,
		    recipient_filter = ?,
		    scheduled_at = ?,
		    send_via_sms = ?,
		    send_via_push = ?,
		    modification_count = modification_count + 1,
		    updated_at = ?
		WHERE id = ? AND state = 'scheduled' AND modification_count = ?
	`,
		m.Content, string(m.Type), string(filter), toMillis(m.ScheduledAt), m.SMS, m.Push,
		toMillis(now), m.ID, expectedCount,
	)
}

func (s *SQLStore) Schedule(ctx context.Context, id string, at, now time.Time) (bool, error) {
	return s.execMatched(ctx, `
		UPDATE scheduled_messages
		SET state = 'scheduled', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND state = 'draft'
	`, toMillis(at), toMillis(now), id)
}

func (s *SQLStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.execMatched(ctx, `
		UPDATE scheduled_messages
		SET state = 'cancelled', cancelled_at = ?, updated_at = ?
		WHERE id = ? AND state = 'scheduled'
	`, toMillis(now), toMillis(now), id)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.execMatched(ctx, `
		UPDATE scheduled_messages
		SET state = 'failed', failure_reason = ?, updated_at = ?
		WHERE id = ? AND state = 'scheduled'
	`, reason, toMillis(now), id)
}

// MarkSent moves the message to sent and opens one delivery row per
// recipient in the same transaction.
func (s *SQLStore) MarkSent(ctx context.Context, id string, recipients []string, now time.Time) (bool, error) {
	if recipients == nil {
		recipients = []string{}
	}
	snapshot, err := json.Marshal(recipients)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark sent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE scheduled_messages
		SET state = 'sent', recipients = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND state = 'scheduled'
	`), string(snapshot), toMillis(now), toMillis(now), id)
	if err != nil {
		return false, fmt.Errorf("marking sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if len(recipients) > 0 {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO message_deliveries (message_id, guest_id)
			VALUES (?, ?)
			ON CONFLICT (message_id, guest_id) DO NOTHING
		`))
		if err != nil {
			return false, fmt.Errorf("preparing delivery rows: %w", err)
		}
		defer stmt.Close()

		for _, guestID := range recipients {
			if _, err := stmt.ExecContext(ctx, id, guestID); err != nil {
				return false, fmt.Errorf("opening delivery row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark sent: %w", err)
	}
	return true, nil
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return s.selectMessages(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE state = 'scheduled' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?
	`, toMillis(now), limit)
}

func (s *SQLStore) ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	limit, offset = page(limit, offset)
	return s.selectMessages(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE state = 'sent'
		ORDER BY sent_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
}

func (s *SQLStore) ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]model.ScheduledMessage, error) {
	limit, offset = page(limit, offset)
	return s.selectMessages(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE event_id = ?
		ORDER BY scheduled_at ASC
		LIMIT ? OFFSET ?
	`, eventID, limit, offset)
}

func (s *SQLStore) selectMessages(ctx context.Context, query string, args ...any) ([]model.ScheduledMessage, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]model.ScheduledMessage, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLStore) execMatched(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
