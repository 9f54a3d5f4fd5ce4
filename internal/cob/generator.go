// Package cob derives secondary claims from paid primary claims under
// coordination of benefits, and decides which of two policies pays first.
package cob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/pkg/workerpool"
)

// SecondarySuffix is appended to the primary claim number.
const SecondarySuffix = "-S"

// Readiness check names.
const (
	CheckIsPrimary           = "is_primary"
	CheckHasSecondary        = "has_secondary_insurance"
	CheckEOBReceived         = "eob_received"
	CheckStatusPaid          = "status_paid"
	CheckNoExistingSecondary = "no_existing_secondary"
)

// Validation is one readiness check.
type Validation struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Readiness is the checklist result for a primary claim.
type Readiness struct {
	ClaimID     string       `json:"claimId"`
	Ready       bool         `json:"ready"`
	Validations []Validation `json:"validations"`
}

// Failed returns the checks that did not pass.
func (r *Readiness) Failed() []Validation {
	var out []Validation
	for _, v := range r.Validations {
		if !v.Passed {
			out = append(out, v)
		}
	}
	return out
}

func (r *Readiness) failed(name string) bool {
	for _, v := range r.Validations {
		if v.Name == name {
			return !v.Passed
		}
	}
	return false
}

// PaymentData is the primary payer's payment from the EOB. A nil
// PatientResponsibility is derived as charges minus payment.
type PaymentData struct {
	Amount                decimal.Decimal  `json:"amount"`
	PaymentDate           *time.Time       `json:"paymentDate,omitempty"`
	PatientResponsibility *decimal.Decimal `json:"patientResponsibility,omitempty"`
}

// Options controls generation.
type Options struct {
	UserID     string `json:"userId,omitempty"`
	AutoSubmit bool   `json:"autoSubmit,omitempty"`
}

// Amounts summarises the money moving from primary to secondary.
type Amounts struct {
	TotalCharges          decimal.Decimal `json:"totalCharges"`
	PrimaryPaid           decimal.Decimal `json:"primaryPaid"`
	PatientResponsibility decimal.Decimal `json:"patientResponsibility"`
	RemainingBalance      decimal.Decimal `json:"remainingBalance"`
}

// GenerateResult is returned by a successful generation. AutoSubmitError is
// set when the secondary was created but could not be submitted.
type GenerateResult struct {
	PrimaryClaim    *claim.Claim `json:"primaryClaim"`
	SecondaryClaim  *claim.Claim `json:"secondaryClaim"`
	Amounts         Amounts      `json:"amounts"`
	AutoSubmitError string       `json:"autoSubmitError,omitempty"`
}

// Config tunes batch generation.
type Config struct {
	BatchWorkers int
}

// Generator creates secondary claims.
type Generator struct {
	engine  *claim.Engine
	repo    claim.Repository
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewGenerator creates a generator writing through engine's repository.
func NewGenerator(engine *claim.Engine, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Generator {
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = workerpool.DefaultConfig().Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		engine:  engine,
		repo:    engine.Repository(),
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("cob-generator"),
	}
}

// ValidateSecondaryReadiness evaluates the checklist for a primary claim.
func (g *Generator) ValidateSecondaryReadiness(ctx context.Context, primaryClaimID string) (*Readiness, error) {
	c, err := g.repo.FindByID(ctx, primaryClaimID)
	if err != nil {
		return nil, err
	}
	return CheckReadiness(c), nil
}

// CheckReadiness evaluates the checklist on an already loaded claim.
func CheckReadiness(c *claim.Claim) *Readiness {
	checks := []Validation{
		check(CheckIsPrimary, c.COB.IsPrimary,
			"claim is billed to the primary payer",
			"claim is not marked as a primary COB claim"),
		check(CheckHasSecondary, c.SecondaryInsurance.HasSecondary,
			"patient has secondary insurance",
			"patient has no secondary insurance on file"),
		check(CheckEOBReceived, c.COB.PrimaryPayment.EOBReceived,
			"primary EOB received",
			"primary EOB has not been received"),
		check(CheckStatusPaid, c.Status == claim.StatusPaid,
			"primary claim is paid",
			fmt.Sprintf("primary claim status is %s, must be paid", c.Status)),
		check(CheckNoExistingSecondary, c.COB.SecondaryClaimID == "",
			"no secondary claim generated yet",
			fmt.Sprintf("secondary claim %s already generated", c.COB.SecondaryClaimID)),
	}
	r := &Readiness{ClaimID: c.ID, Ready: true, Validations: checks}
	for _, v := range checks {
		if !v.Passed {
			r.Ready = false
		}
	}
	return r
}

func check(name string, ok bool, pass, fail string) Validation {
	if ok {
		return Validation{Name: name, Passed: true, Message: pass}
	}
	return Validation{Name: name, Passed: false, Message: fail}
}

// notReadyError describes every failed check. A linked secondary is reported
// as AlreadyExists so repeated calls are distinguishable from unready claims.
func notReadyError(r *Readiness) error {
	if r.failed(CheckNoExistingSecondary) {
		return claim.NewAlreadyExists(r.ClaimID, "secondary claim already generated for this primary")
	}
	parts := make([]string, 0, len(r.Validations))
	for _, v := range r.Failed() {
		parts = append(parts, v.Name+": "+v.Message)
	}
	return claim.NewValidationError(r.ClaimID, "readiness", "not ready for secondary claim ("+strings.Join(parts, "; ")+")")
}

// GenerateSecondaryClaim derives a draft secondary claim from a paid primary.
// The primary payment is recorded, the secondary is created and the primary is
// linked to it in one optimistic write, so a second call for the same primary
// fails with AlreadyExists and leaves the primary untouched. A nil payment
// uses the payment already recorded on the primary.
func (g *Generator) GenerateSecondaryClaim(ctx context.Context, primaryClaimID string, payment *PaymentData, opts Options) (*GenerateResult, error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "cob.generate_secondary",
		trace.WithAttributes(attribute.String("primary_claim_id", primaryClaimID)))
	defer span.End()

	res, err := g.generate(ctx, primaryClaimID, payment, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.Secondary("failed")
		g.metrics.Failure("generate_secondary", claim.KindOf(err).String())
		return nil, err
	}
	g.metrics.Secondary("generated")
	g.metrics.ObserveSince("generate_secondary", start)
	return res, nil
}

func (g *Generator) generate(ctx context.Context, primaryClaimID string, payment *PaymentData, opts Options) (*GenerateResult, error) {
	primary, err := g.repo.FindByID(ctx, primaryClaimID)
	if err != nil {
		return nil, err
	}
	if r := CheckReadiness(primary); !r.Ready {
		return nil, notReadyError(r)
	}

	now := g.engine.Clock().Now()
	if payment != nil {
		if err := recordPrimaryPayment(primary, *payment, opts.UserID, now); err != nil {
			return nil, err
		}
	}
	amounts := amountsFor(primary)

	secondary := deriveSecondary(primary, now)
	primary.COB.SecondaryClaimID = secondary.ID
	primary.UpdatedAt = now
	data := claim.SecondaryGeneratedData{
		PrimaryClaimID:       primary.ID,
		SecondaryClaimID:     secondary.ID,
		SecondaryClaimNumber: secondary.ClaimNumber,
		SecondaryPayerID:     secondary.Insurance.PayerID,
		GeneratedAt:          now,
	}
	if err := primary.RecordEvent(claim.EventSecondaryClaimGenerated, data, opts.UserID, now); err != nil {
		return nil, err
	}

	if err := g.repo.SaveWithSecondary(ctx, primary, secondary); err != nil {
		if claim.KindOf(err) == claim.KindConcurrentModification {
			// A racing generator may have linked a secondary in the meantime.
			if current, ferr := g.repo.FindByID(ctx, primaryClaimID); ferr == nil && current.COB.SecondaryClaimID != "" {
				return nil, claim.NewAlreadyExists(primaryClaimID, "secondary claim already generated for this primary")
			}
		}
		return nil, err
	}

	g.logger.Info("secondary claim generated",
		zap.String("primary_claim_id", primary.ID),
		zap.String("secondary_claim_id", secondary.ID),
		zap.String("secondary_claim_number", secondary.ClaimNumber),
		zap.String("secondary_payer_id", secondary.Insurance.PayerID),
		zap.String("remaining_balance", amounts.RemainingBalance.StringFixed(2)))

	result := &GenerateResult{PrimaryClaim: primary, SecondaryClaim: secondary, Amounts: amounts}

	if opts.AutoSubmit {
		upd := claim.StatusUpdate{Reason: "secondary claim auto-submitted", Source: claim.SourceAPI}
		submitted, err := g.engine.UpdateStatus(ctx, secondary.ID, claim.StatusSubmitted, upd, opts.UserID)
		if err != nil {
			g.logger.Warn("secondary claim left in draft, auto-submit failed",
				zap.String("secondary_claim_id", secondary.ID),
				zap.Error(err))
			result.AutoSubmitError = err.Error()
		} else {
			result.SecondaryClaim = submitted.Claim
		}
	}
	return result, nil
}

// recordPrimaryPayment writes the EOB payment onto the primary unless the same
// payment is already recorded.
func recordPrimaryPayment(c *claim.Claim, p PaymentData, actorID string, now time.Time) error {
	if p.Amount.IsNegative() {
		return claim.NewValidationError(c.ID, "amount", "primary payment must not be negative")
	}
	if p.Amount.GreaterThan(c.TotalCharges) {
		return claim.NewValidationError(c.ID, "amount",
			fmt.Sprintf("primary payment %s exceeds total charges %s", p.Amount.StringFixed(2), c.TotalCharges.StringFixed(2)))
	}
	responsibility := c.TotalCharges.Sub(p.Amount)
	if p.PatientResponsibility != nil {
		if p.PatientResponsibility.IsNegative() {
			return claim.NewValidationError(c.ID, "patientResponsibility", "must not be negative")
		}
		responsibility = *p.PatientResponsibility
	}

	pp := c.COB.PrimaryPayment
	current := pp.Amount.Equal(p.Amount) &&
		c.COB.PatientResponsibilityFromPrimary.Equal(responsibility) &&
		sameDate(pp.Date, p.PaymentDate)
	if current {
		return nil
	}

	c.AmountPaid = p.Amount
	c.COB.PrimaryPayment.Amount = p.Amount
	c.COB.PrimaryPayment.Date = p.PaymentDate
	c.COB.PrimaryPayment.EOBReceived = true
	c.COB.PatientResponsibilityFromPrimary = responsibility

	return c.RecordEvent(claim.EventPrimaryPaymentRecorded, claim.PrimaryPaymentData{
		ClaimID:               c.ID,
		Amount:                p.Amount,
		PatientResponsibility: responsibility,
		PaymentDate:           p.PaymentDate,
	}, actorID, now)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func amountsFor(primary *claim.Claim) Amounts {
	paid := primary.COB.PrimaryPayment.Amount
	remaining := primary.TotalCharges.Sub(paid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Amounts{
		TotalCharges:          primary.TotalCharges,
		PrimaryPaid:           paid,
		PatientResponsibility: primary.COB.PatientResponsibilityFromPrimary,
		RemainingBalance:      remaining,
	}
}

// deriveSecondary builds the draft secondary claim. Clinical and billing data
// carry over; the secondary policy moves into the primary insurance position.
func deriveSecondary(primary *claim.Claim, now time.Time) *claim.Claim {
	src := primary.Clone()
	si := src.SecondaryInsurance

	return &claim.Claim{
		ID:               uuid.New().String(),
		ClaimNumber:      src.ClaimNumber + SecondarySuffix,
		Status:           claim.StatusDraft,
		SubmissionStatus: claim.SubmissionNotSubmitted,
		Patient:          src.Patient,
		Provider:         src.Provider,
		Insurance: claim.Insurance{
			PayerID:                si.PayerID,
			PayerName:              si.PayerName,
			MemberID:               si.MemberID,
			GroupNumber:            si.GroupNumber,
			SubscriberName:         si.SubscriberName,
			SubscriberRelationship: si.SubscriberRelationship,
			TimelyFilingLimit:      si.TimelyFilingLimit,
		},
		COB: claim.COB{
			IsSecondary:                      true,
			PrimaryClaimID:                   src.ID,
			PrimaryPayment:                   src.COB.PrimaryPayment,
			PatientResponsibilityFromPrimary: src.COB.PatientResponsibilityFromPrimary,
		},
		ServiceDate:           src.ServiceDate,
		Diagnoses:             src.Diagnoses,
		Charges:               src.Charges,
		TotalCharges:          src.TotalCharges,
		PatientResponsibility: src.COB.PatientResponsibilityFromPrimary,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}
