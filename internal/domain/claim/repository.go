package claim

import (
	"context"
	"time"
)

// Repository is the claim store. Implementations return independent copies so a
// failed operation never leaks partial mutations into the store.
//
// Save and SaveWithSecondary are optimistic: the write succeeds only if the
// stored version equals the claim's Version as read. Status never changes
// without a version bump, so the check also guarantees the stored status is the
// one the transition was validated against. On success Version is incremented.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Claim, error)
	FindByClaimNumber(ctx context.Context, number string) (*Claim, error)
	FindByClearinghouseID(ctx context.Context, clearinghouseID string) (*Claim, error)
	FindByStatus(ctx context.Context, statuses ...Status) ([]*Claim, error)
	FindSubmittedBetween(ctx context.Context, from, to time.Time) ([]*Claim, error)

	Create(ctx context.Context, c *Claim) error
	Save(ctx context.Context, c *Claim) error
	// SaveWithSecondary saves the primary under the optimistic check and creates
	// the secondary atomically with it.
	SaveWithSecondary(ctx context.Context, primary, secondary *Claim) error
}
