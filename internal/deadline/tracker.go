// Package deadline computes timely filing deadlines, claim aging and stale
// claim follow-ups. Everything here is read-only and safe to re-run.
package deadline

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

// DefaultWarningDays is the window before a deadline that raises a warning.
const DefaultWarningDays = 14

const day = 24 * time.Hour

// Severity of a deadline alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// deadlineStatuses are checked for timely filing. Rejected and denied claims
// still have to be corrected or appealed inside the window.
var deadlineStatuses = append(append([]claim.Status{}, claim.OpenStatuses...), claim.StatusRejected, claim.StatusDenied)

// Tracker computes deadlines and aging from claim timestamps.
type Tracker struct {
	repo        claim.Repository
	clock       clockwork.Clock
	rules       *PayerRules
	warningDays int
	logger      *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPayerRules supplies limits for claims that carry none.
func WithPayerRules(r *PayerRules) Option {
	return func(t *Tracker) { t.rules = r }
}

// WithWarningDays overrides DefaultWarningDays.
func WithWarningDays(days int) Option {
	return func(t *Tracker) {
		if days > 0 {
			t.warningDays = days
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a tracker.
func NewTracker(repo claim.Repository, clock clockwork.Clock, opts ...Option) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Tracker{
		repo:        repo,
		clock:       clock,
		warningDays: DefaultWarningDays,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Clock returns the tracker's clock.
func (t *Tracker) Clock() clockwork.Clock { return t.clock }

// FilingLimit is the claim's own limit, else the payer rule, else 90 days.
func (t *Tracker) FilingLimit(c *claim.Claim) int {
	if c.Insurance.TimelyFilingLimit > 0 {
		return c.Insurance.TimelyFilingLimit
	}
	return t.rules.LimitFor(c.Insurance.PayerID)
}

// TimelyFilingDeadline is the submission date plus the filing limit. ok is
// false for claims that were never submitted.
func (t *Tracker) TimelyFilingDeadline(c *claim.Claim) (deadline time.Time, ok bool) {
	if c.Tracking.SubmittedDate == nil || c.Tracking.SubmittedDate.IsZero() {
		return time.Time{}, false
	}
	return c.Tracking.SubmittedDate.Add(time.Duration(t.FilingLimit(c)) * day), true
}

// DaysUntil returns ceil((deadline-now)/1 day). The result is negative once
// the deadline has passed.
func DaysUntil(deadline, now time.Time) int {
	return int(math.Ceil(deadline.Sub(now).Hours() / 24))
}

// DisplayDays clamps a raw day count at zero.
func DisplayDays(raw int) int {
	if raw < 0 {
		return 0
	}
	return raw
}

// Classify maps raw days remaining to a severity. An empty severity means the
// claim is not flagged.
func Classify(raw, warningDays int) Severity {
	switch {
	case raw <= 0:
		return SeverityCritical
	case raw <= warningDays:
		return SeverityWarning
	default:
		return ""
	}
}

// Alert flags one claim close to or past its deadline.
type Alert struct {
	ClaimID           string       `json:"claimId"`
	ClaimNumber       string       `json:"claimNumber"`
	PayerID           string       `json:"payerId"`
	PayerName         string       `json:"payerName,omitempty"`
	Status            claim.Status `json:"status"`
	SubmittedDate     time.Time    `json:"submittedDate"`
	Deadline          time.Time    `json:"deadline"`
	TimelyFilingLimit int          `json:"timelyFilingLimit"`
	DaysRemaining     int          `json:"daysRemaining"`
	RawDaysRemaining  int          `json:"rawDaysRemaining"`
	Severity          Severity     `json:"severity"`
}

// CheckTimelyFilingDeadlines returns alerts ordered most urgent first.
func (t *Tracker) CheckTimelyFilingDeadlines(ctx context.Context) ([]Alert, error) {
	claims, err := t.repo.FindByStatus(ctx, deadlineStatuses...)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()

	var alerts []Alert
	for _, c := range claims {
		deadline, ok := t.TimelyFilingDeadline(c)
		if !ok {
			continue
		}
		raw := DaysUntil(deadline, now)
		sev := Classify(raw, t.warningDays)
		if sev == "" {
			continue
		}
		alerts = append(alerts, Alert{
			ClaimID:           c.ID,
			ClaimNumber:       c.ClaimNumber,
			PayerID:           c.Insurance.PayerID,
			PayerName:         c.Insurance.PayerName,
			Status:            c.Status,
			SubmittedDate:     *c.Tracking.SubmittedDate,
			Deadline:          deadline,
			TimelyFilingLimit: t.FilingLimit(c),
			DaysRemaining:     DisplayDays(raw),
			RawDaysRemaining:  raw,
			Severity:          sev,
		})
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].RawDaysRemaining < alerts[j].RawDaysRemaining
	})
	return alerts, nil
}

// AgingBucket is one days-since-submission range. MaxDays is -1 for the open
// ended bucket.
type AgingBucket struct {
	Label   string          `json:"label"`
	MinDays int             `json:"minDays"`
	MaxDays int             `json:"maxDays"`
	Count   int             `json:"count"`
	Amount  decimal.Decimal `json:"amount"`
}

// StatusTotal is the count and charge sum for one status.
type StatusTotal struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// AgingReport buckets open claims by age.
type AgingReport struct {
	GeneratedAt time.Time                    `json:"generatedAt"`
	Buckets     []AgingBucket                `json:"buckets"`
	ByStatus    map[claim.Status]StatusTotal `json:"byStatus"`
	TotalClaims int                          `json:"totalClaims"`
	TotalAmount decimal.Decimal              `json:"totalAmount"`
	Excluded    int                          `json:"excluded"`
}

func newBuckets() []AgingBucket {
	return []AgingBucket{
		{Label: "0-30", MinDays: 0, MaxDays: 30},
		{Label: "31-60", MinDays: 31, MaxDays: 60},
		{Label: "61-90", MinDays: 61, MaxDays: 90},
		{Label: "91-120", MinDays: 91, MaxDays: 120},
		{Label: "120+", MinDays: 121, MaxDays: -1},
	}
}

func bucketIndex(days int) int {
	switch {
	case days <= 30:
		return 0
	case days <= 60:
		return 1
	case days <= 90:
		return 2
	case days <= 120:
		return 3
	default:
		return 4
	}
}

// GetAgingReport buckets every open claim by whole days since submission.
// Claims without a submission date are counted in Excluded only.
func (t *Tracker) GetAgingReport(ctx context.Context) (*AgingReport, error) {
	claims, err := t.repo.FindByStatus(ctx, claim.OpenStatuses...)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()

	report := &AgingReport{
		GeneratedAt: now,
		Buckets:     newBuckets(),
		ByStatus:    make(map[claim.Status]StatusTotal),
	}
	for _, c := range claims {
		sd := c.Tracking.SubmittedDate
		if sd == nil || sd.IsZero() {
			report.Excluded++
			continue
		}
		days := int(math.Floor(now.Sub(*sd).Hours() / 24))
		b := &report.Buckets[bucketIndex(days)]
		b.Count++
		b.Amount = b.Amount.Add(c.TotalCharges)

		st := report.ByStatus[c.Status]
		st.Count++
		st.Amount = st.Amount.Add(c.TotalCharges)
		report.ByStatus[c.Status] = st

		report.TotalClaims++
		report.TotalAmount = report.TotalAmount.Add(c.TotalCharges)
	}
	if report.Excluded > 0 {
		t.logger.Debug("claims without submission date left out of aging",
			zap.Int("excluded", report.Excluded))
	}
	return report, nil
}

// StaleClaim is a claim due for manual follow-up.
type StaleClaim struct {
	ClaimID         string       `json:"claimId"`
	ClaimNumber     string       `json:"claimNumber"`
	PayerID         string       `json:"payerId"`
	Status          claim.Status `json:"status"`
	LastChange      time.Time    `json:"lastChange"`
	DaysSinceChange int          `json:"daysSinceChange"`
}

// CheckStaleClaims returns follow-up claims whose last status change is older
// than daysThreshold, oldest first.
func (t *Tracker) CheckStaleClaims(ctx context.Context, daysThreshold int) ([]StaleClaim, error) {
	if daysThreshold <= 0 {
		return nil, claim.NewValidationError("", "daysThreshold", "must be positive")
	}
	claims, err := t.repo.FindByStatus(ctx, claim.FollowUpStatuses...)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	cutoff := now.Add(-time.Duration(daysThreshold) * day)

	var stale []StaleClaim
	for _, c := range claims {
		last := c.LastStatusChange()
		if last == nil || last.IsZero() || !last.Before(cutoff) {
			continue
		}
		stale = append(stale, StaleClaim{
			ClaimID:         c.ID,
			ClaimNumber:     c.ClaimNumber,
			PayerID:         c.Insurance.PayerID,
			Status:          c.Status,
			LastChange:      *last,
			DaysSinceChange: int(now.Sub(*last) / day),
		})
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].LastChange.Before(stale[j].LastChange)
	})
	return stale, nil
}
