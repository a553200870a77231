package model

import "time"

// DeliveryRecord is the outcome for one (message, recipient) pair.
type DeliveryRecord struct {
	MessageID     string     `json:"messageId"`
	GuestID       string     `json:"guestId"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	ReadAt        *time.Time `json:"readAt,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
}

// Terminal reports whether a delivery or failure has been recorded.
func (r DeliveryRecord) Terminal() bool {
	return r.DeliveredAt != nil || r.FailureReason != nil
}

type DeliveryCounts struct {
	Sent      int `json:"sent" db:"sent_count"`
	Delivered int `json:"delivered" db:"delivered_count"`
	Read      int `json:"read" db:"read_count"`
	Failed    int `json:"failed" db:"failed_count"`
}
