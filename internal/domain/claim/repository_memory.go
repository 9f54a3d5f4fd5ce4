package claim

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a map-backed Repository used by tests and the CLI's
// dry-run mode. Committed events are retained and exposed through Events.
type MemoryRepository struct {
	mu     sync.RWMutex
	claims map[string]*Claim
	events []*Event
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{claims: make(map[string]*Claim)}
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, notFound(id, "claim not found")
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) FindByClaimNumber(_ context.Context, number string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.claims {
		if c.ClaimNumber == number {
			return c.Clone(), nil
		}
	}
	return nil, notFound(number, "no claim with this claim number")
}

func (r *MemoryRepository) FindByClearinghouseID(_ context.Context, clearinghouseID string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.claims {
		if clearinghouseID != "" && c.Tracking.ClearinghouseClaimID == clearinghouseID {
			return c.Clone(), nil
		}
	}
	return nil, notFound(clearinghouseID, "no claim with this clearinghouse id")
}

func (r *MemoryRepository) FindByStatus(_ context.Context, statuses ...Status) ([]*Claim, error) {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Claim
	for _, c := range r.claims {
		if want[c.Status] {
			out = append(out, c.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *MemoryRepository) FindSubmittedBetween(_ context.Context, from, to time.Time) ([]*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Claim
	for _, c := range r.claims {
		sd := c.Tracking.SubmittedDate
		if sd == nil || sd.Before(from) || !sd.Before(to) {
			continue
		}
		out = append(out, c.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, c *Claim) error {
	if err := c.CheckLedger(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUnique(c); err != nil {
		return err
	}
	r.insert(c)
	return nil
}

func (r *MemoryRepository) Save(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkVersion(c); err != nil {
		return err
	}
	r.update(c)
	return nil
}

func (r *MemoryRepository) SaveWithSecondary(_ context.Context, primary, secondary *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkVersion(primary); err != nil {
		return err
	}
	if err := r.checkUnique(secondary); err != nil {
		return err
	}
	r.update(primary)
	r.insert(secondary)
	return nil
}

// Events returns every event committed so far, in commit order.
func (r *MemoryRepository) Events() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Event(nil), r.events...)
}

func (r *MemoryRepository) checkUnique(c *Claim) error {
	if _, ok := r.claims[c.ID]; ok {
		return NewAlreadyExists(c.ID, "claim id already exists")
	}
	for _, existing := range r.claims {
		if c.ClaimNumber != "" && existing.ClaimNumber == c.ClaimNumber {
			return NewAlreadyExists(c.ID, "claim number "+c.ClaimNumber+" already exists")
		}
	}
	return nil
}

func (r *MemoryRepository) checkVersion(c *Claim) error {
	stored, ok := r.claims[c.ID]
	if !ok {
		return notFound(c.ID, "claim not found")
	}
	if stored.Version != c.Version {
		return concurrentModification(c.ID)
	}
	return nil
}

func (r *MemoryRepository) insert(c *Claim) {
	if c.Version == 0 {
		c.Version = 1
	}
	r.commit(c)
}

func (r *MemoryRepository) update(c *Claim) {
	c.Version++
	r.commit(c)
}

func (r *MemoryRepository) commit(c *Claim) {
	r.events = append(r.events, c.Changes()...)
	c.ClearChanges()
	r.claims[c.ID] = c.Clone()
}

func sortByCreated(claims []*Claim) {
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].CreatedAt.Equal(claims[j].CreatedAt) {
			return claims[i].ID < claims[j].ID
		}
		return claims[i].CreatedAt.Before(claims[j].CreatedAt)
	})
}
