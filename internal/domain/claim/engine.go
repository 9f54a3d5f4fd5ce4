package claim

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/observability/metrics"
)

// Engine applies status transitions. It is the only writer of Status,
// StatusHistory and the Tracking milestone dates.
type Engine struct {
	repo    Repository
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewEngine creates a status engine. clock, m and logger may be nil.
func NewEngine(repo Repository, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:    repo,
		clock:   clock,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("claim-engine"),
	}
}

// Repository returns the store the engine writes to.
func (e *Engine) Repository() Repository { return e.repo }

// Clock returns the engine's clock.
func (e *Engine) Clock() clockwork.Clock { return e.clock }

// UpdateResult is returned by a successful transition.
type UpdateResult struct {
	Claim *Claim             `json:"claim"`
	Entry StatusHistoryEntry `json:"status_entry"`
}

// UpdateStatus moves a claim to status to. An empty actorID records a
// system-originated change. The write is rejected with a
// ConcurrentModification error if the claim changed after it was read.
func (e *Engine) UpdateStatus(ctx context.Context, claimID string, to Status, upd StatusUpdate, actorID string) (*UpdateResult, error) {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "claim.update_status",
		trace.WithAttributes(
			attribute.String("claim_id", claimID),
			attribute.String("to", string(to)),
		))
	defer span.End()

	res, err := e.updateStatus(ctx, claimID, to, upd, actorID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Failure("update_status", KindOf(err).String())
		return nil, err
	}
	e.metrics.ObserveSince("update_status", start)
	return res, nil
}

func (e *Engine) updateStatus(ctx context.Context, claimID string, to Status, upd StatusUpdate, actorID string) (*UpdateResult, error) {
	if !to.IsValid() {
		return nil, validation(claimID, "status", "unknown status "+string(to))
	}

	c, err := e.repo.FindByID(ctx, claimID)
	if err != nil {
		return nil, err
	}

	from := c.Status
	entry, err := c.applyTransition(to, upd, actorID, e.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := e.repo.Save(ctx, c); err != nil {
		if KindOf(err) == KindConcurrentModification {
			e.logger.Warn("status update lost race",
				zap.String("claim_id", claimID),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		}
		return nil, err
	}

	e.metrics.Transition(string(from), string(to), string(entry.Source))
	e.logger.Info("claim status updated",
		zap.String("claim_id", c.ID),
		zap.String("claim_number", c.ClaimNumber),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("source", string(entry.Source)),
		zap.Int("version", c.Version))

	return &UpdateResult{Claim: c, Entry: entry}, nil
}

// applyTransition mutates c in memory. On error c is untouched.
func (c *Claim) applyTransition(to Status, upd StatusUpdate, actorID string, now time.Time) (StatusHistoryEntry, error) {
	if !CanTransition(c.Status, to) {
		return StatusHistoryEntry{}, invalidTransition(c.ID, c.Status, to)
	}
	if err := upd.validate(c.ID, to); err != nil {
		return StatusHistoryEntry{}, err
	}

	entry := newHistoryEntry(c.Status, to, upd, actorID, now)
	data := StatusChangedData{
		ClaimID:     c.ID,
		ClaimNumber: c.ClaimNumber,
		From:        c.Status,
		To:          to,
		Source:      entry.Source,
		StatusCode:  entry.StatusCode,
		ChangedAt:   now,
	}
	if err := c.RecordEvent(EventClaimStatusChanged, data, actorID, now); err != nil {
		return StatusHistoryEntry{}, err
	}

	c.Status = to
	c.StatusHistory = append(c.StatusHistory, entry)
	c.UpdatedAt = now

	switch to {
	case StatusSubmitted:
		if c.Tracking.SubmittedDate == nil {
			c.Tracking.SubmittedDate = cloneTime(&now)
		}
	case StatusAcknowledged:
		if c.Tracking.AcknowledgedDate == nil {
			c.Tracking.AcknowledgedDate = cloneTime(&now)
		}
	case StatusPaid, StatusPartiallyPaid:
		if c.Tracking.PaidDate == nil {
			c.Tracking.PaidDate = cloneTime(&now)
		}
	}
	return entry.clone(), nil
}

func newHistoryEntry(from, to Status, upd StatusUpdate, actorID string, now time.Time) StatusHistoryEntry {
	source := upd.Source
	if source == "" {
		source = SourceManual
	}
	entry := StatusHistoryEntry{
		ID:             uuid.New().String(),
		Status:         to,
		PreviousStatus: from,
		ChangedAt:      now,
		Reason:         upd.Reason,
		Notes:          upd.Notes,
		Source:         source,
	}
	if actorID != "" {
		a := actorID
		entry.ChangedBy = &a
	}
	if upd.StatusCode != nil {
		code := *upd.StatusCode
		entry.StatusCode = &code
	}

	switch to {
	case StatusPaid, StatusPartiallyPaid:
		p := &PaymentDetail{
			Date:        cloneTime(upd.PaymentDate),
			CheckNumber: upd.CheckNumber,
			ERANumber:   upd.ERANumber,
		}
		if upd.PaymentAmount != nil {
			p.Amount = *upd.PaymentAmount
		}
		entry.Payment = p
	case StatusDenied, StatusRejected:
		d := &DenialDetail{Reason: upd.DenialReason, Code: upd.DenialCode}
		if upd.Appealable != nil {
			d.Appealable = *upd.Appealable
		} else {
			// default: denials appealable, rejections not
			d.Appealable = to == StatusDenied
		}
		entry.Denial = d
	case StatusPended:
		entry.Pend = &PendDetail{
			Reason:           upd.PendReason,
			RequestedInfo:    upd.RequestedInfo,
			ResponseDeadline: cloneTime(upd.ResponseDeadline),
		}
	}
	return entry
}

// GetStatusHistory returns the ledger of a claim in order.
func (e *Engine) GetStatusHistory(ctx context.Context, claimID string) ([]StatusHistoryEntry, error) {
	c, err := e.repo.FindByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return c.StatusHistory, nil
}

// GetStatusTimeline returns the per-status dwell view of a claim.
func (e *Engine) GetStatusTimeline(ctx context.Context, claimID string) (*Timeline, error) {
	c, err := e.repo.FindByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(c, e.clock.Now()), nil
}
