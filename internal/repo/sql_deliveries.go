package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

type deliveryRow struct {
	MessageID     string         `db:"message_id"`
	GuestID       string         `db:"guest_id"`
	DeliveredAt   sql.NullInt64  `db:"delivered_at"`
	ReadAt        sql.NullInt64  `db:"read_at"`
	FailureReason sql.NullString `db:"failure_reason"`
}

func (s *SQLStore) SetDelivered(ctx context.Context, messageID, guestID string, at time.Time) (bool, error) {
	return s.execMatched(ctx, `
		UPDATE message_deliveries
		SET delivered_at = ?
		WHERE message_id = ? AND guest_id = ?
		  AND delivered_at IS NULL AND failure_reason IS NULL
	`, toMillis(at), messageID, guestID)
}

func (s *SQLStore) SetRead(ctx context.Context, messageID, guestID string, at time.Time) (bool, error) {
	return s.execMatched(ctx, `
		UPDATE message_deliveries
		SET read_at = ?
		WHERE message_id = ? AND guest_id = ?
		  AND read_at IS NULL AND delivered_at IS NOT NULL
	`, toMillis(at), messageID, guestID)
}

func (s *SQLStore) SetFailed(ctx context.Context, messageID, guestID, reason string) (bool, error) {
	return s.execMatched(ctx, `
		UPDATE message_deliveries
		SET failure_reason = ?
		WHERE message_id = ? AND guest_id = ?
		  AND delivered_at IS NULL AND failure_reason IS NULL
	`, reason, messageID, guestID)
}

// GetDelivery returns nil when the pair has no row.
func (s *SQLStore) GetDelivery(ctx context.Context, messageID, guestID string) (*model.DeliveryRecord, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT message_id, guest_id, delivered_at, read_at, failure_reason
		FROM message_deliveries
		WHERE message_id = ? AND guest_id = ?
	`), messageID, guestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching delivery: %w", err)
	}

	rec := &model.DeliveryRecord{
		MessageID:   row.MessageID,
		GuestID:     row.GuestID,
		DeliveredAt: nullMillis(row.DeliveredAt),
		ReadAt:      nullMillis(row.ReadAt),
	}
	if row.FailureReason.Valid {
		r := row.FailureReason.String
		rec.FailureReason = &r
	}
	return rec, nil
}

func (s *SQLStore) Counts(ctx context.Context, messageID string) (model.DeliveryCounts, error) {
	var c model.DeliveryCounts
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		SELECT COUNT(*) AS sent_count,
		       COUNT(delivered_at) AS delivered_count,
		       COUNT(read_at) AS read_count,
		       COUNT(failure_reason) AS failed_count
		FROM message_deliveries
		WHERE message_id = ?
	`), messageID)
	if err != nil {
		return model.DeliveryCounts{}, fmt.Errorf("counting deliveries: %w", err)
	}
	return c, nil
}
