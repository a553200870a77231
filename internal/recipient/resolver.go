// Package recipient turns a recipient filter into a concrete guest set.
package recipient

import (
	"context"
	"fmt"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/repo"
	"github.com/LeventeLantos/event-messaging/internal/retry"
)

type Directory interface {
	ContactableGuests(ctx context.Context, eventID string) ([]string, error)
	GuestsWithTags(ctx context.Context, eventID string, tags []string, requireAll bool) ([]string, error)
}

var _ Directory = (repo.GuestDirectory)(nil)

type Resolver struct {
	dir     Directory
	timeout time.Duration
	retry   retry.Policy
}

type Option func(*Resolver)

// WithTimeout bounds every directory call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithRetry(p retry.Policy) Option {
	return func(r *Resolver) { r.retry = p }
}

func NewResolver(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{
		dir:     dir,
		timeout: 5 * time.Second,
		retry:   retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve expands filter against the live directory. Results are never
// cached: a send-time resolution may differ from a preview.
func (r *Resolver) Resolve(ctx context.Context, eventID string, filter model.RecipientFilter) (model.RecipientSet, error) {
	switch f := filter.(type) {
	case model.ExplicitSelection:
		if !f.Present() {
			// An absent list resolves directory-wide; only an empty one is an error.
			return r.query(ctx, "contactable", func(ctx context.Context) ([]string, error) {
				return r.dir.ContactableGuests(ctx, eventID)
			})
		}
		ids := f.GuestIDs()
		if len(ids) == 0 {
			return model.RecipientSet{}, fmt.Errorf("%w: select at least one guest", model.ErrEmptySelection)
		}
		return model.NewRecipientSet(ids), nil

	case model.Individual:
		return model.NewRecipientSet(f.GuestIDs), nil

	case model.AllGuests:
		return r.query(ctx, "contactable", func(ctx context.Context) ([]string, error) {
			return r.dir.ContactableGuests(ctx, eventID)
		})

	case model.TagMatch:
		if len(f.Tags) == 0 {
			return model.NewRecipientSet(nil), nil
		}
		return r.query(ctx, "tags", func(ctx context.Context) ([]string, error) {
			return r.dir.GuestsWithTags(ctx, eventID, f.Tags, f.RequireAll)
		})

	case nil:
		return model.RecipientSet{}, fmt.Errorf("%w: recipient filter is required", model.ErrInvalidFilter)
	}
	return model.RecipientSet{}, fmt.Errorf("%w: unsupported filter %T", model.ErrInvalidFilter, filter)
}

func (r *Resolver) query(ctx context.Context, op string, fn func(context.Context) ([]string, error)) (model.RecipientSet, error) {
	var ids []string
	err := retry.Do(ctx, r.retry, "directory."+op, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var err error
		ids, err = fn(cctx)
		return err
	})
	if err != nil {
		return model.RecipientSet{}, fmt.Errorf("%w: %w", model.ErrResolutionFailed, err)
	}
	return model.NewRecipientSet(ids), nil
}
