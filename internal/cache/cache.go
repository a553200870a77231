package cache

import (
	"context"
	"time"
)

// ReceiptCache remembers channel callbacks and dispatched sends for a while.
type ReceiptCache interface {
	// FirstSeen reports whether receiptID had not been seen yet and marks it seen.
	FirstSeen(ctx context.Context, receiptID string) (bool, error)
	// Forget drops a receipt so a retried callback is processed again.
	Forget(ctx context.Context, receiptID string) error
	// StoreDispatched records the provider id returned for one recipient.
	StoreDispatched(ctx context.Context, messageID, guestID, providerID string, sentAt time.Time) error
}

// Nop is used when redis is not configured. Every receipt is processed; the
// tracker's first-write-wins rule still drops duplicates.
type Nop struct{}

func (Nop) FirstSeen(context.Context, string) (bool, error) { return true, nil }

func (Nop) Forget(context.Context, string) error { return nil }

func (Nop) StoreDispatched(context.Context, string, string, string, time.Time) error { return nil }
