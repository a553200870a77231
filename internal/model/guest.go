package model

import "time"

type Guest struct {
	ID               string
	EventID          string
	Name             string
	Phone            *string
	Tags             []string
	SMSOptOut        bool
	FirstContactedAt *time.Time
}

// Contactable reports whether the guest can receive SMS.
func (g Guest) Contactable() bool {
	return g.Phone != nil && *g.Phone != "" && !g.SMSOptOut
}

// RecipientSet is a deduplicated resolution result. Count always equals
// len(GuestIDs).
type RecipientSet struct {
	GuestIDs []string `json:"guestIds"`
	Count    int      `json:"recipientCount"`
}

// NewRecipientSet deduplicates ids keeping first-seen order.
func NewRecipientSet(ids []string) RecipientSet {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return RecipientSet{GuestIDs: out, Count: len(out)}
}
