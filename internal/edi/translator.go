package edi

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/observability/metrics"
)

// Response277 is the logical content of an inbound claim status response.
type Response277 struct {
	TraceNumber string    `json:"traceNumber,omitempty"`
	Claims      []Item277 `json:"claims"`
}

// Item277 is one claim status in a response. ClaimID is the clearinghouse
// assigned identifier.
type Item277 struct {
	ClaimNumber       string           `json:"claimNumber,omitempty"`
	ClaimID           string           `json:"claimId,omitempty"`
	StatusCode        int              `json:"statusCode"`
	StatusDescription string           `json:"statusDescription,omitempty"`
	TraceNumber       string           `json:"traceNumber,omitempty"`
	PaymentAmount     *decimal.Decimal `json:"paymentAmount,omitempty"`
	PaymentDate       *time.Time       `json:"paymentDate,omitempty"`
	CheckNumber       string           `json:"checkNumber,omitempty"`
	ERANumber         string           `json:"eraNumber,omitempty"`
	DenialReason      string           `json:"denialReason,omitempty"`
	DenialCode        string           `json:"denialCode,omitempty"`
}

// Key is the identifier the item was sent with.
func (i Item277) Key() string {
	if i.ClaimNumber != "" {
		return i.ClaimNumber
	}
	return i.ClaimID
}

// Outcome of one 277 item.
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult reports what happened to one item. Key preserves the identifier
// from the response so failures can be reconciled by hand.
type ItemResult struct {
	Key            string       `json:"key"`
	ClaimID        string       `json:"claimId,omitempty"`
	TraceNumber    string       `json:"traceNumber,omitempty"`
	StatusCode     int          `json:"statusCode"`
	Outcome        Outcome      `json:"outcome"`
	PreviousStatus claim.Status `json:"previousStatus,omitempty"`
	NewStatus      claim.Status `json:"newStatus,omitempty"`
	ErrorKind      string       `json:"errorKind,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// ProcessResult aggregates a batch.
type ProcessResult struct {
	TraceNumber string       `json:"traceNumber,omitempty"`
	Total       int          `json:"total"`
	Updated     int          `json:"updated"`
	Unchanged   int          `json:"unchanged"`
	Failed      int          `json:"failed"`
	Results     []ItemResult `json:"results"`
}

// maxConflictRetries bounds re-reads after a lost optimistic write.
const maxConflictRetries = 3

// Translator applies 277 responses through the status engine.
type Translator struct {
	engine  *claim.Engine
	repo    claim.Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewTranslator creates a translator.
func NewTranslator(engine *claim.Engine, m *metrics.Metrics, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{
		engine:  engine,
		repo:    engine.Repository(),
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("edi-translator"),
	}
}

// Process277Response applies every item in order. Items are independent: a
// missing claim, an illegal transition or a store error is recorded on that
// item and processing continues. Items run sequentially because several items
// may target the same claim and their order matters.
func (t *Translator) Process277Response(ctx context.Context, resp Response277) *ProcessResult {
	ctx, span := t.tracer.Start(ctx, "edi.process_277",
		trace.WithAttributes(
			attribute.String("trace_number", resp.TraceNumber),
			attribute.Int("items", len(resp.Claims)),
		))
	defer span.End()

	result := &ProcessResult{
		TraceNumber: resp.TraceNumber,
		Total:       len(resp.Claims),
		Results:     make([]ItemResult, 0, len(resp.Claims)),
	}

	for _, item := range resp.Claims {
		r := t.processItem(ctx, item)
		switch r.Outcome {
		case OutcomeUpdated:
			result.Updated++
		case OutcomeUnchanged:
			result.Unchanged++
		default:
			result.Failed++
		}
		t.metrics.EDIItem(string(r.Outcome))
		result.Results = append(result.Results, r)
	}

	span.SetAttributes(
		attribute.Int("updated", result.Updated),
		attribute.Int("failed", result.Failed),
	)
	t.logger.Info("277 response processed",
		zap.String("trace_number", resp.TraceNumber),
		zap.Int("total", result.Total),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed", result.Failed))

	return result
}

func (t *Translator) processItem(ctx context.Context, item Item277) ItemResult {
	r := ItemResult{
		Key:         item.Key(),
		TraceNumber: item.TraceNumber,
		StatusCode:  item.StatusCode,
	}
	if err := ctx.Err(); err != nil {
		return failed(r, err)
	}

	tr := Translate(item.StatusCode)
	r.NewStatus = tr.Status

	for attempt := 0; ; attempt++ {
		c, err := t.resolve(ctx, item)
		if err != nil {
			return failed(r, err)
		}
		r.ClaimID = c.ID
		r.PreviousStatus = c.Status

		if c.Status == tr.Status {
			r.Outcome = OutcomeUnchanged
			return r
		}

		_, err = t.engine.UpdateStatus(ctx, c.ID, tr.Status, statusUpdate(item, tr), "")
		if err == nil {
			r.Outcome = OutcomeUpdated
			return r
		}
		if claim.KindOf(err) == claim.KindConcurrentModification && attempt < maxConflictRetries {
			t.logger.Debug("retrying 277 item after concurrent update",
				zap.String("claim_id", c.ID), zap.Int("attempt", attempt+1))
			continue
		}
		t.logger.Warn("277 item not applied",
			zap.String("key", r.Key),
			zap.String("claim_id", c.ID),
			zap.Int("status_code", item.StatusCode),
			zap.Error(err))
		return failed(r, err)
	}
}

// resolve looks up by claim number first, then by clearinghouse id, then by
// internal id.
func (t *Translator) resolve(ctx context.Context, item Item277) (*claim.Claim, error) {
	if item.ClaimNumber != "" {
		return t.repo.FindByClaimNumber(ctx, item.ClaimNumber)
	}
	if item.ClaimID == "" {
		return nil, claim.NewValidationError("", "claimNumber", "item has neither claimNumber nor claimId")
	}
	c, err := t.repo.FindByClearinghouseID(ctx, item.ClaimID)
	if claim.KindOf(err) == claim.KindNotFound {
		return t.repo.FindByID(ctx, item.ClaimID)
	}
	return c, err
}

func statusUpdate(item Item277, tr Translation) claim.StatusUpdate {
	code := item.StatusCode
	reason := item.StatusDescription
	if reason == "" {
		reason = tr.Description
	}
	upd := claim.StatusUpdate{
		Reason:        reason,
		Source:        claim.SourceEDI277,
		StatusCode:    &code,
		PaymentAmount: item.PaymentAmount,
		PaymentDate:   item.PaymentDate,
		CheckNumber:   item.CheckNumber,
		ERANumber:     item.ERANumber,
		DenialReason:  item.DenialReason,
		DenialCode:    item.DenialCode,
	}
	if !tr.Known {
		upd.Notes = tr.Description
	} else if item.TraceNumber != "" {
		upd.Notes = "277 trace " + item.TraceNumber
	}

	switch tr.Status {
	case claim.StatusDenied, claim.StatusRejected:
		if upd.DenialReason == "" {
			upd.DenialReason = tr.Description
		}
	case claim.StatusPended:
		upd.PendReason = reason
	}
	return upd
}

func failed(r ItemResult, err error) ItemResult {
	r.Outcome = OutcomeFailed
	r.ErrorKind = claim.KindOf(err).String()
	r.Error = err.Error()
	return r
}

// String summarises a batch for logs and the CLI.
func (p *ProcessResult) String() string {
	return fmt.Sprintf("%d items: %d updated, %d unchanged, %d failed",
		p.Total, p.Updated, p.Unchanged, p.Failed)
}
