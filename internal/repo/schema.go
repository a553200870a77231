package repo

import (
	"context"
	"fmt"
)

// The schema sticks to types shared by Postgres and SQLite. Timestamps are
// unix milliseconds in UTC.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS guests (
		id                 TEXT PRIMARY KEY,
		event_id           TEXT NOT NULL,
		name               TEXT NOT NULL DEFAULT '',
		phone              TEXT,
		sms_opt_out        BOOLEAN NOT NULL DEFAULT FALSE,
		first_contacted_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_guests_event ON guests (event_id)`,
	`CREATE TABLE IF NOT EXISTS guest_tags (
		guest_id TEXT NOT NULL,
		tag      TEXT NOT NULL,
		PRIMARY KEY (guest_id, tag)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_guest_tags_tag ON guest_tags (tag)`,
	`CREATE TABLE IF NOT EXISTS scheduled_messages (
		id                 TEXT PRIMARY KEY,
		event_id           TEXT NOT NULL,
		host_id            TEXT NOT NULL,
		content            TEXT NOT NULL,
		message_type       TEXT NOT NULL,
		recipient_filter   TEXT NOT NULL,
		scheduled_at       BIGINT NOT NULL,
		state              TEXT NOT NULL,
		modification_count INTEGER NOT NULL DEFAULT 0,
		send_via_sms       BOOLEAN NOT NULL,
		send_via_push      BOOLEAN NOT NULL,
		recipients         TEXT,
		failure_reason     TEXT,
		sent_at            BIGINT,
		cancelled_at       BIGINT,
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_due ON scheduled_messages (state, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_event ON scheduled_messages (event_id)`,
	`CREATE TABLE IF NOT EXISTS message_deliveries (
		message_id     TEXT NOT NULL,
		guest_id       TEXT NOT NULL,
		delivered_at   BIGINT,
		read_at        BIGINT,
		failure_reason TEXT,
		PRIMARY KEY (message_id, guest_id)
	)`,
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
