package claim

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
)

// Runs against a real database when DATABASE_URL is set.
func TestPGSaveKeepsVersionWhenOutboxFails(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := postgres.Migrate(ctx, pool, nil); err != nil {
		t.Fatal(err)
	}

	repo := NewPGRepository(pool, nil)
	id := uuid.NewString()
	if err := repo.Create(ctx, newTestClaim(id, "CLM-"+id)); err != nil {
		t.Fatal(err)
	}
	c, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	read := c.Version

	// an event that cannot be encoded fails the outbox write after the UPDATE
	c.changes = append(c.changes, &Event{ID: uuid.NewString(), AggregateID: id, EventType: EventClaimStatusChanged, EventData: json.RawMessage("{")})
	if err := repo.Save(ctx, c); err == nil {
		t.Fatal("save with a broken event succeeded")
	}
	if c.Version != read {
		t.Fatalf("version = %d after failed save, want %d", c.Version, read)
	}

	c.ClearChanges()
	if err := repo.Save(ctx, c); err != nil {
		t.Fatalf("retry after failed save: %v", err)
	}
	if c.Version != read+1 {
		t.Errorf("version = %d, want %d", c.Version, read+1)
	}
}
