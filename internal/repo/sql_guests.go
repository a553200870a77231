package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

type guestRow struct {
	ID               string         `db:"id"`
	EventID          string         `db:"event_id"`
	Name             string         `db:"name"`
	Phone            sql.NullString `db:"phone"`
	SMSOptOut        bool           `db:"sms_opt_out"`
	FirstContactedAt sql.NullInt64  `db:"first_contacted_at"`
}

func (s *SQLStore) ContactableGuests(ctx context.Context, eventID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM guests
		WHERE event_id = ?
		  AND phone IS NOT NULL AND phone <> ''
		  AND sms_opt_out = ?
		ORDER BY id
	`), eventID, false)
	if err != nil {
		return nil, fmt.Errorf("listing contactable guests: %w", err)
	}
	return ids, nil
}

// GuestsWithTags returns guests carrying any of tags, or all of them when
// requireAll is set.
func (s *SQLStore) GuestsWithTags(ctx context.Context, eventID string, tags []string, requireAll bool) ([]string, error) {
	tags = uniqueSorted(tags)
	if len(tags) == 0 {
		return nil, nil
	}

	var (
		query string
		args  []any
		err   error
	)
	if requireAll {
		query, args, err = sqlx.In(`
			SELECT g.id FROM guests g
			JOIN guest_tags t ON t.guest_id = g.id
			WHERE g.event_id = ? AND t.tag IN (?)
			GROUP BY g.id
			HAVING COUNT(DISTINCT t.tag) = ?
			ORDER BY g.id
		`, eventID, tags, len(tags))
	} else {
		query, args, err = sqlx.In(`
			SELECT DISTINCT g.id FROM guests g
			JOIN guest_tags t ON t.guest_id = g.id
			WHERE g.event_id = ? AND t.tag IN (?)
			ORDER BY g.id
		`, eventID, tags)
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing guests by tag: %w", err)
	}
	return ids, nil
}

// GuestsByIDs loads contact details for ids within the event. Tags are not
// loaded.
func (s *SQLStore) GuestsByIDs(ctx context.Context, eventID string, ids []string) ([]model.Guest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, event_id, name, phone, sms_opt_out, first_contacted_at
		FROM guests
		WHERE event_id = ? AND id IN (?)
	`, eventID, ids)
	if err != nil {
		return nil, err
	}

	var rows []guestRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading guests: %w", err)
	}

	out := make([]model.Guest, 0, len(rows))
	for _, r := range rows {
		g := model.Guest{
			ID:               r.ID,
			EventID:          r.EventID,
			Name:             r.Name,
			SMSOptOut:        r.SMSOptOut,
			FirstContactedAt: nullMillis(r.FirstContactedAt),
		}
		if r.Phone.Valid {
			p := r.Phone.String
			g.Phone = &p
		}
		out = append(out, g)
	}
	return out, nil
}

// ClaimFirstContact stamps the guest's first contact. It reports false when
// the guest was already contacted.
func (s *SQLStore) ClaimFirstContact(ctx context.Context, guestID string, at time.Time) (bool, error) {
	ok, err := s.execMatched(ctx, `
		UPDATE guests SET first_contacted_at = ?
		WHERE id = ? AND first_contacted_at IS NULL
	`, toMillis(at), guestID)
	if err != nil {
		return false, fmt.Errorf("claiming first contact: %w", err)
	}
	return ok, nil
}

// ReleaseFirstContact undoes a claim made at at. A later claim is left alone.
func (s *SQLStore) ReleaseFirstContact(ctx context.Context, guestID string, at time.Time) error {
	_, err := s.execMatched(ctx, `
		UPDATE guests SET first_contacted_at = NULL
		WHERE id = ? AND first_contacted_at = ?
	`, guestID, toMillis(at))
	if err != nil {
		return fmt.Errorf("releasing first contact: %w", err)
	}
	return nil
}

// UpsertGuest writes the guest and replaces its tags.
func (s *SQLStore) UpsertGuest(ctx context.Context, g model.Guest) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var contacted any
	if g.FirstContactedAt != nil {
		contacted = toMillis(*g.FirstContactedAt)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO guests (id, event_id, name, phone, sms_opt_out, first_contacted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			event_id = excluded.event_id,
			name = excluded.name,
			phone = excluded.phone,
			sms_opt_out = excluded.sms_opt_out,
			first_contacted_at = excluded.first_contacted_at
	`), g.ID, g.EventID, g.Name, g.Phone, g.SMSOptOut, contacted); err != nil {
		return fmt.Errorf("upserting guest: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM guest_tags WHERE guest_id = ?`), g.ID); err != nil {
		return fmt.Errorf("clearing guest tags: %w", err)
	}
	for _, tag := range uniqueSorted(g.Tags) {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO guest_tags (guest_id, tag) VALUES (?, ?)`), g.ID, tag); err != nil {
			return fmt.Errorf("tagging guest: %w", err)
		}
	}
	return tx.Commit()
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
