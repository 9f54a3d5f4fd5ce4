package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PGRepository stores claims as a JSONB document alongside the indexed columns
// the lookups and reports need. Recorded events are written to the outbox in
// the same transaction as the claim row.
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGRepository creates a new repository
func NewPGRepository(pool *pgxpool.Pool, logger *zap.Logger) *PGRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGRepository{pool: pool, logger: logger}
}

const selectClaim = `
	SELECT version, document FROM claims
`

func (r *PGRepository) FindByID(ctx context.Context, id string) (*Claim, error) {
	return r.findOne(ctx, id, selectClaim+` WHERE id = $1`, id)
}

func (r *PGRepository) FindByClaimNumber(ctx context.Context, number string) (*Claim, error) {
	return r.findOne(ctx, number, selectClaim+` WHERE claim_number = $1`, number)
}

func (r *PGRepository) FindByClearinghouseID(ctx context.Context, clearinghouseID string) (*Claim, error) {
	return r.findOne(ctx, clearinghouseID, selectClaim+` WHERE clearinghouse_claim_id = $1`, clearinghouseID)
}

func (r *PGRepository) FindByStatus(ctx context.Context, statuses ...Status) ([]*Claim, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.findMany(ctx, selectClaim+` WHERE status = ANY($1) ORDER BY created_at, id`, names)
}

func (r *PGRepository) FindSubmittedBetween(ctx context.Context, from, to time.Time) ([]*Claim, error) {
	return r.findMany(ctx, selectClaim+`
		WHERE submitted_date >= $1 AND submitted_date < $2
		ORDER BY created_at, id`, from, to)
}

func (r *PGRepository) Create(ctx context.Context, c *Claim) error {
	if err := c.CheckLedger(); err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insert(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.ClearChanges()
	return nil
}

func (r *PGRepository) Save(ctx context.Context, c *Claim) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.update(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		c.Version--
		return fmt.Errorf("commit: %w", err)
	}
	c.ClearChanges()
	return nil
}

func (r *PGRepository) SaveWithSecondary(ctx context.Context, primary, secondary *Claim) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.update(ctx, tx, primary); err != nil {
		return err
	}
	if err := r.insert(ctx, tx, secondary); err != nil {
		primary.Version--
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		primary.Version--
		return fmt.Errorf("commit: %w", err)
	}
	primary.ClearChanges()
	secondary.ClearChanges()
	return nil
}

func (r *PGRepository) insert(ctx context.Context, tx pgx.Tx, c *Claim) (err error) {
	if c.Version == 0 {
		c.Version = 1
		defer func() {
			if err != nil {
				c.Version = 0
			}
		}()
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO claims
		(id, claim_number, clearinghouse_claim_id, status, version, submitted_date, document, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
	`, c.ID, c.ClaimNumber, c.Tracking.ClearinghouseClaimID, c.Status, c.Version,
		c.Tracking.SubmittedDate, doc, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return NewAlreadyExists(c.ID, "claim id or number already exists")
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	return r.writeOutbox(ctx, tx, c)
}

// update bumps the version and writes only if the stored version is the one
// the caller read. On any error c keeps the version it was read with.
func (r *PGRepository) update(ctx context.Context, tx pgx.Tx, c *Claim) (err error) {
	expected := c.Version
	c.Version = expected + 1
	defer func() {
		if err != nil {
			c.Version = expected
		}
	}()

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE claims
		SET status = $3, version = $4, clearinghouse_claim_id = NULLIF($5, ''),
		    submitted_date = $6, document = $7, updated_at = $8
		WHERE id = $1 AND version = $2
	`, c.ID, expected, c.Status, c.Version, c.Tracking.ClearinghouseClaimID,
		c.Tracking.SubmittedDate, doc, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check claim: %w", err)
		}
		if !exists {
			return notFound(c.ID, "claim not found")
		}
		r.logger.Warn("optimistic write rejected",
			zap.String("claim_id", c.ID),
			zap.Int("expected_version", expected))
		return concurrentModification(c.ID)
	}
	return r.writeOutbox(ctx, tx, c)
}

func (r *PGRepository) writeOutbox(ctx context.Context, tx pgx.Tx, c *Claim) error {
	for _, e := range c.Changes() {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    e.EventType.Topic(),
			KafkaKey:      e.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGRepository) findOne(ctx context.Context, key, query string, args ...interface{}) (*Claim, error) {
	var (
		version int
		doc     []byte
	)
	err := r.pool.QueryRow(ctx, query, args...).Scan(&version, &doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(key, "claim not found")
		}
		return nil, fmt.Errorf("query claim: %w", err)
	}
	return decodeClaim(version, doc)
}

func (r *PGRepository) findMany(ctx context.Context, query string, args ...interface{}) ([]*Claim, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var claims []*Claim
	for rows.Next() {
		var (
			version int
			doc     []byte
		)
		if err := rows.Scan(&version, &doc); err != nil {
			return nil, err
		}
		c, err := decodeClaim(version, doc)
		if err != nil {
			r.logger.Warn("skipping undecodable claim document", zap.Error(err))
			continue
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func decodeClaim(version int, doc []byte) (*Claim, error) {
	var c Claim
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	c.Version = version
	return &c, nil
}
