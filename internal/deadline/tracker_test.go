package deadline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

var testNow = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type seed struct {
	id        string
	status    claim.Status
	daysAgo   int
	limit     int
	payer     string
	charges   string
	lastEntry int // days ago, 0 for no history
}

func newRepo(t *testing.T, seeds ...seed) *claim.MemoryRepository {
	t.Helper()
	repo := claim.NewMemoryRepository()
	for _, s := range seeds {
		c := &claim.Claim{
			ID:          s.id,
			ClaimNumber: "CLM-" + s.id,
			Status:      s.status,
			Insurance:   claim.Insurance{PayerID: s.payer, TimelyFilingLimit: s.limit},
			CreatedAt:   testNow.Add(-time.Duration(s.daysAgo+1) * day),
		}
		if s.payer == "" {
			c.Insurance.PayerID = "AETNA"
		}
		if s.charges != "" {
			c.TotalCharges = decimal.RequireFromString(s.charges)
		}
		if s.daysAgo >= 0 {
			sd := testNow.Add(-time.Duration(s.daysAgo) * day)
			c.Tracking.SubmittedDate = &sd
		}
		if s.lastEntry > 0 {
			c.StatusHistory = []claim.StatusHistoryEntry{{
				Status:    s.status,
				ChangedAt: testNow.Add(-time.Duration(s.lastEntry) * day),
			}}
		}
		if err := repo.Create(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func TestDaysUntilAndClassify(t *testing.T) {
	tests := []struct {
		name     string
		deadline time.Time
		raw      int
		display  int
		severity Severity
	}{
		{"five days overdue", testNow.Add(-5 * day), -5, 0, SeverityCritical},
		{"due now", testNow, 0, 0, SeverityCritical},
		{"partial day rounds up", testNow.Add(2 * time.Hour), 1, 1, SeverityWarning},
		{"fourteen days", testNow.Add(14 * day), 14, 14, SeverityWarning},
		{"just over fourteen", testNow.Add(14*day + time.Minute), 15, 15, ""},
		{"far out", testNow.Add(60 * day), 60, 60, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := DaysUntil(tt.deadline, testNow)
			if raw != tt.raw {
				t.Errorf("raw = %d, want %d", raw, tt.raw)
			}
			if d := DisplayDays(raw); d != tt.display {
				t.Errorf("display = %d, want %d", d, tt.display)
			}
			if s := Classify(raw, DefaultWarningDays); s != tt.severity {
				t.Errorf("severity = %q, want %q", s, tt.severity)
			}
		})
	}
}

func TestOverdueClaimIsCritical(t *testing.T) {
	repo := newRepo(t, seed{id: "c-1", status: claim.StatusPending, daysAgo: 95, limit: 90})
	tracker := NewTracker(repo, clockwork.NewFakeClockAt(testNow))

	alerts, err := tracker.CheckTimelyFilingDeadlines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.RawDaysRemaining >= 0 {
		t.Errorf("raw days = %d, want negative", a.RawDaysRemaining)
	}
	if a.DaysRemaining != 0 {
		t.Errorf("display days = %d, want 0", a.DaysRemaining)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
}

func TestCheckTimelyFilingDeadlines(t *testing.T) {
	rules, err := ParsePayerRules([]byte(`
default_timely_filing_days: 120
payers:
  - payer_id: MEDICARE
    name: Medicare
    timely_filing_days: 365
`))
	if err != nil {
		t.Fatal(err)
	}
	repo := newRepo(t,
		seed{id: "clear", status: claim.StatusAcknowledged, daysAgo: 80},
		seed{id: "explicit", status: claim.StatusDenied, daysAgo: 80, limit: 90},
		seed{id: "medicare", status: claim.StatusPending, daysAgo: 360, payer: "MEDICARE"},
		seed{id: "late", status: claim.StatusRejected, daysAgo: 130},
		seed{id: "paid", status: claim.StatusPaid, daysAgo: 200},
		seed{id: "unsent", status: claim.StatusSubmitted, daysAgo: -1},
	)
	tracker := NewTracker(repo, clockwork.NewFakeClockAt(testNow), WithPayerRules(rules))

	alerts, err := tracker.CheckTimelyFilingDeadlines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		id       string
		raw      int
		severity Severity
	}{
		{"late", -10, SeverityCritical},
		{"medicare", 5, SeverityWarning},
		{"explicit", 10, SeverityWarning},
	}
	if len(alerts) != len(want) {
		t.Fatalf("alerts = %+v", alerts)
	}
	for i, w := range want {
		if alerts[i].ClaimID != w.id || alerts[i].RawDaysRemaining != w.raw || alerts[i].Severity != w.severity {
			t.Errorf("alert %d = %s raw=%d %s, want %s raw=%d %s", i,
				alerts[i].ClaimID, alerts[i].RawDaysRemaining, alerts[i].Severity, w.id, w.raw, w.severity)
		}
	}
}

func TestGetAgingReport(t *testing.T) {
	repo := newRepo(t,
		seed{id: "a", status: claim.StatusSubmitted, daysAgo: 0, charges: "100"},
		seed{id: "b", status: claim.StatusPending, daysAgo: 30, charges: "50.50"},
		seed{id: "c", status: claim.StatusPending, daysAgo: 31, charges: "200"},
		seed{id: "d", status: claim.StatusUnderReview, daysAgo: 90, charges: "10"},
		seed{id: "e", status: claim.StatusAppealed, daysAgo: 120, charges: "5"},
		seed{id: "f", status: claim.StatusPended, daysAgo: 121, charges: "1"},
		seed{id: "g", status: claim.StatusPaid, daysAgo: 40, charges: "999"},
		seed{id: "h", status: claim.StatusAcknowledged, daysAgo: -1, charges: "7"},
	)
	tracker := NewTracker(repo, clockwork.NewFakeClockAt(testNow))

	report, err := tracker.GetAgingReport(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		label  string
		count  int
		amount string
	}{
		{"0-30", 2, "150.50"},
		{"31-60", 1, "200"},
		{"61-90", 1, "10"},
		{"91-120", 1, "5"},
		{"120+", 1, "1"},
	}
	for i, w := range want {
		b := report.Buckets[i]
		if b.Label != w.label || b.Count != w.count || !b.Amount.Equal(decimal.RequireFromString(w.amount)) {
			t.Errorf("bucket %d = %s %d %s, want %s %d %s", i, b.Label, b.Count, b.Amount, w.label, w.count, w.amount)
		}
	}
	if report.TotalClaims != 6 || !report.TotalAmount.Equal(decimal.RequireFromString("366.50")) {
		t.Errorf("totals = %d %s", report.TotalClaims, report.TotalAmount)
	}
	if report.Excluded != 1 {
		t.Errorf("excluded = %d, want 1", report.Excluded)
	}
	pending := report.ByStatus[claim.StatusPending]
	if pending.Count != 2 || !pending.Amount.Equal(decimal.RequireFromString("250.50")) {
		t.Errorf("pending totals = %+v", pending)
	}
	if _, ok := report.ByStatus[claim.StatusPaid]; ok {
		t.Error("paid claims included in aging")
	}
}

func TestCheckStaleClaims(t *testing.T) {
	repo := newRepo(t,
		seed{id: "old-change", status: claim.StatusPending, daysAgo: 60, lastEntry: 45},
		seed{id: "recent-change", status: claim.StatusUnderReview, daysAgo: 60, lastEntry: 5},
		seed{id: "no-history", status: claim.StatusAcknowledged, daysAgo: 40},
		seed{id: "wrong-status", status: claim.StatusSubmitted, daysAgo: 90},
		seed{id: "never-submitted", status: claim.StatusPended, daysAgo: -1},
	)
	tracker := NewTracker(repo, clockwork.NewFakeClockAt(testNow))

	stale, err := tracker.CheckStaleClaims(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale = %+v", stale)
	}
	if stale[0].ClaimID != "old-change" || stale[0].DaysSinceChange != 45 {
		t.Errorf("first = %+v", stale[0])
	}
	if stale[1].ClaimID != "no-history" || stale[1].DaysSinceChange != 40 {
		t.Errorf("second = %+v", stale[1])
	}

	if _, err := tracker.CheckStaleClaims(context.Background(), 0); !errors.Is(err, claim.ErrValidation) {
		t.Errorf("zero threshold err = %v", err)
	}
}

func TestParsePayerRulesRejectsBadInput(t *testing.T) {
	bad := []string{
		"payers: [{name: x, timely_filing_days: 10}]",
		"payers: [{payer_id: A, timely_filing_days: 0}]",
		"payers: [{payer_id: A, timely_filing_days: 5}, {payer_id: A, timely_filing_days: 6}]",
		"default_timely_filing_days: -1",
		"payers: {",
	}
	for _, in := range bad {
		if _, err := ParsePayerRules([]byte(in)); err == nil {
			t.Errorf("ParsePayerRules(%q) succeeded", in)
		}
	}

	var nilRules *PayerRules
	if got := nilRules.LimitFor("ANY"); got != claim.DefaultTimelyFilingDays {
		t.Errorf("nil rules limit = %d", got)
	}
}
