package cob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

var testNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func paidPrimary(id string) *claim.Claim {
	paidOn := testNow.Add(-24 * time.Hour)
	return &claim.Claim{
		ID:          id,
		ClaimNumber: "CLM-" + id,
		Status:      claim.StatusPaid,
		Patient:     claim.Patient{FirstName: "Lena", LastName: "Okafor"},
		Provider:    claim.Provider{NPI: "1234567893", Name: "Harbor Clinic"},
		Insurance:   claim.Insurance{PayerID: "AETNA", PayerName: "Aetna", MemberID: "W123"},
		SecondaryInsurance: claim.SecondaryInsurance{
			HasSecondary:      true,
			PayerID:           "BCBS",
			PayerName:         "Blue Cross",
			MemberID:          "B777",
			TimelyFilingLimit: 180,
		},
		COB: claim.COB{
			IsPrimary:      true,
			PrimaryPayment: claim.PrimaryPayment{EOBReceived: true, Date: &paidOn},
		},
		Charges: []claim.ChargeLine{
			{ProcedureCode: "99213", Units: 1, Amount: decimal.RequireFromString("300.00")},
		},
		TotalCharges: decimal.RequireFromString("300.00"),
		CreatedAt:    testNow.Add(-30 * 24 * time.Hour),
	}
}

func newTestGenerator(t *testing.T, claims ...*claim.Claim) (*Generator, *claim.MemoryRepository) {
	t.Helper()
	repo := claim.NewMemoryRepository()
	for _, c := range claims {
		if err := repo.Create(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	engine := claim.NewEngine(repo, clockwork.NewFakeClockAt(testNow), nil, nil)
	return NewGenerator(engine, Config{BatchWorkers: 2}, nil, nil), repo
}

func payment(amount string) *PaymentData {
	d := testNow.Add(-24 * time.Hour)
	return &PaymentData{Amount: decimal.RequireFromString(amount), PaymentDate: &d}
}

func TestReadinessWithoutSecondaryInsurance(t *testing.T) {
	c := paidPrimary("p-1")
	c.SecondaryInsurance = claim.SecondaryInsurance{}
	gen, _ := newTestGenerator(t, c)

	r, err := gen.ValidateSecondaryReadiness(context.Background(), "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Ready {
		t.Fatal("claim without secondary insurance reported ready")
	}
	failed := r.Failed()
	if len(failed) != 1 || failed[0].Name != CheckHasSecondary {
		t.Errorf("failed checks = %+v", failed)
	}
	if len(r.Validations) != 5 {
		t.Errorf("validations = %d, want 5", len(r.Validations))
	}

	_, err = gen.GenerateSecondaryClaim(context.Background(), "p-1", payment("200"), Options{})
	if !errors.Is(err, claim.ErrValidation) || !strings.Contains(err.Error(), CheckHasSecondary) {
		t.Errorf("generate err = %v", err)
	}
}

func TestReadinessChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*claim.Claim)
		failed string
	}{
		{"not primary", func(c *claim.Claim) { c.COB.IsPrimary = false }, CheckIsPrimary},
		{"no eob", func(c *claim.Claim) { c.COB.PrimaryPayment.EOBReceived = false }, CheckEOBReceived},
		{"not paid", func(c *claim.Claim) { c.Status = claim.StatusPartiallyPaid }, CheckStatusPaid},
		{"already linked", func(c *claim.Claim) { c.COB.SecondaryClaimID = "s-1" }, CheckNoExistingSecondary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := paidPrimary("p-1")
			tt.mutate(c)
			r := CheckReadiness(c)
			if r.Ready || len(r.Failed()) != 1 || r.Failed()[0].Name != tt.failed {
				t.Errorf("readiness = %+v", r)
			}
		})
	}
	if r := CheckReadiness(paidPrimary("p-2")); !r.Ready {
		t.Errorf("paid primary not ready: %+v", r.Failed())
	}
}

func TestGenerateSecondaryClaim(t *testing.T) {
	gen, repo := newTestGenerator(t, paidPrimary("p-1"))
	ctx := context.Background()

	res, err := gen.GenerateSecondaryClaim(ctx, "p-1", payment("200.00"), Options{UserID: "biller-1"})
	if err != nil {
		t.Fatalf("GenerateSecondaryClaim: %v", err)
	}

	sec := res.SecondaryClaim
	if sec.Status != claim.StatusDraft || sec.ClaimNumber != "CLM-p-1-S" {
		t.Errorf("secondary = %s %s", sec.Status, sec.ClaimNumber)
	}
	if sec.Insurance.PayerID != "BCBS" || sec.Insurance.MemberID != "B777" || sec.Insurance.TimelyFilingLimit != 180 {
		t.Errorf("secondary insurance = %+v", sec.Insurance)
	}
	if !sec.COB.IsSecondary || sec.COB.IsPrimary || sec.COB.PrimaryClaimID != "p-1" {
		t.Errorf("secondary cob = %+v", sec.COB)
	}
	if sec.SecondaryInsurance.HasSecondary {
		t.Error("secondary claim still carries secondary insurance")
	}
	if len(sec.Charges) != 1 || len(sec.StatusHistory) != 0 {
		t.Errorf("charges=%d history=%d", len(sec.Charges), len(sec.StatusHistory))
	}

	want := Amounts{
		TotalCharges:          decimal.RequireFromString("300"),
		PrimaryPaid:           decimal.RequireFromString("200"),
		PatientResponsibility: decimal.RequireFromString("100"),
		RemainingBalance:      decimal.RequireFromString("100"),
	}
	got := res.Amounts
	if !got.TotalCharges.Equal(want.TotalCharges) || !got.PrimaryPaid.Equal(want.PrimaryPaid) ||
		!got.PatientResponsibility.Equal(want.PatientResponsibility) || !got.RemainingBalance.Equal(want.RemainingBalance) {
		t.Errorf("amounts = %+v", got)
	}

	primary, _ := repo.FindByID(ctx, "p-1")
	if primary.COB.SecondaryClaimID != sec.ID || primary.Version != 2 {
		t.Errorf("primary link=%q version=%d", primary.COB.SecondaryClaimID, primary.Version)
	}
	if !primary.AmountPaid.Equal(want.PrimaryPaid) {
		t.Errorf("primary amount paid = %s", primary.AmountPaid)
	}
	if primary.Status != claim.StatusPaid {
		t.Errorf("primary status changed to %s", primary.Status)
	}
	if _, err := repo.FindByClaimNumber(ctx, "CLM-p-1-S"); err != nil {
		t.Errorf("secondary not stored: %v", err)
	}

	var types []claim.EventType
	for _, e := range repo.Events() {
		types = append(types, e.EventType)
	}
	if len(types) != 2 || types[0] != claim.EventPrimaryPaymentRecorded || types[1] != claim.EventSecondaryClaimGenerated {
		t.Errorf("events = %v", types)
	}
}

func TestGenerateTwiceFailsAlreadyExists(t *testing.T) {
	gen, repo := newTestGenerator(t, paidPrimary("p-1"))
	ctx := context.Background()

	first, err := gen.GenerateSecondaryClaim(ctx, "p-1", payment("150"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = gen.GenerateSecondaryClaim(ctx, "p-1", payment("150"), Options{})
	if !errors.Is(err, claim.ErrAlreadyExists) {
		t.Fatalf("second call err = %v, want already exists", err)
	}

	primary, _ := repo.FindByID(ctx, "p-1")
	if primary.COB.SecondaryClaimID != first.SecondaryClaim.ID || primary.Version != 2 {
		t.Errorf("primary changed: link=%q version=%d", primary.COB.SecondaryClaimID, primary.Version)
	}
}

func TestConcurrentGenerationHasOneWinner(t *testing.T) {
	const workers = 16
	for round := 0; round < 20; round++ {
		gen, repo := newTestGenerator(t, paidPrimary("p-1"))
		ctx := context.Background()

		start := make(chan struct{})
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = gen.GenerateSecondaryClaim(ctx, "p-1", payment("150"), Options{})
			}(i)
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case claim.KindOf(err) != claim.KindAlreadyExists:
				t.Fatalf("round %d: err = %v, want already exists", round, err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d generations succeeded", round, wins)
		}

		drafts, err := repo.FindByStatus(ctx, claim.StatusDraft)
		if err != nil {
			t.Fatal(err)
		}
		var secondaries []*claim.Claim
		for _, c := range drafts {
			if c.COB.PrimaryClaimID == "p-1" {
				secondaries = append(secondaries, c)
			}
		}
		primary, _ := repo.FindByID(ctx, "p-1")
		if len(secondaries) != 1 || primary.COB.SecondaryClaimID != secondaries[0].ID {
			t.Fatalf("round %d: %d secondaries, primary linked to %q", round, len(secondaries), primary.COB.SecondaryClaimID)
		}
	}
}

func TestGenerateWithRecordedPayment(t *testing.T) {
	c := paidPrimary("p-1")
	c.COB.PrimaryPayment.Amount = decimal.RequireFromString("250")
	c.COB.PatientResponsibilityFromPrimary = decimal.RequireFromString("20")
	gen, repo := newTestGenerator(t, c)

	res, err := gen.GenerateSecondaryClaim(context.Background(), "p-1", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Amounts.RemainingBalance.Equal(decimal.RequireFromString("50")) ||
		!res.Amounts.PatientResponsibility.Equal(decimal.RequireFromString("20")) {
		t.Errorf("amounts = %+v", res.Amounts)
	}
	if n := len(repo.Events()); n != 1 {
		t.Errorf("events = %d, want only the generation event", n)
	}
}

func TestGenerateRejectsBadPayment(t *testing.T) {
	gen, repo := newTestGenerator(t, paidPrimary("p-1"))
	for _, amount := range []string{"-1", "300.01"} {
		if _, err := gen.GenerateSecondaryClaim(context.Background(), "p-1", payment(amount), Options{}); !errors.Is(err, claim.ErrValidation) {
			t.Errorf("amount %s: err = %v", amount, err)
		}
	}
	primary, _ := repo.FindByID(context.Background(), "p-1")
	if primary.Version != 1 || primary.COB.SecondaryClaimID != "" {
		t.Errorf("primary modified: %+v", primary.COB)
	}
}

func TestGenerateAutoSubmit(t *testing.T) {
	gen, repo := newTestGenerator(t, paidPrimary("p-1"))
	ctx := context.Background()

	res, err := gen.GenerateSecondaryClaim(ctx, "p-1", payment("100"), Options{UserID: "u-1", AutoSubmit: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.AutoSubmitError != "" {
		t.Fatalf("auto submit error: %s", res.AutoSubmitError)
	}
	stored, _ := repo.FindByID(ctx, res.SecondaryClaim.ID)
	if stored.Status != claim.StatusSubmitted || stored.Tracking.SubmittedDate == nil {
		t.Errorf("secondary status = %s", stored.Status)
	}
	if len(stored.StatusHistory) != 1 || stored.StatusHistory[0].Source != claim.SourceAPI {
		t.Errorf("history = %+v", stored.StatusHistory)
	}
}

func TestGenerateUnknownPrimary(t *testing.T) {
	gen, _ := newTestGenerator(t)
	if _, err := gen.GenerateSecondaryClaim(context.Background(), "missing", nil, Options{}); !errors.Is(err, claim.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestBatchGenerateSecondaryClaims(t *testing.T) {
	unready := paidPrimary("p-2")
	unready.COB.PrimaryPayment.EOBReceived = false
	gen, repo := newTestGenerator(t, paidPrimary("p-1"), unready, paidPrimary("p-3"))
	ctx := context.Background()

	res, err := gen.BatchGenerateSecondaryClaims(ctx, []BatchItem{
		{PrimaryClaimID: "p-1", Payment: payment("100")},
		{PrimaryClaimID: "p-2", Payment: payment("100")},
		{PrimaryClaimID: "p-3"},
	}, "batch-user")
	if err != nil {
		t.Fatal(err)
	}

	if res.TotalProcessed != 3 || len(res.Successful) != 2 || len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Successful[0].PrimaryClaimID != "p-1" || res.Successful[1].PrimaryClaimID != "p-3" {
		t.Errorf("successful order = %+v", res.Successful)
	}
	f := res.Failed[0]
	if f.PrimaryClaimID != "p-2" || f.ErrorKind != "validation" {
		t.Errorf("failure = %+v", f)
	}
	if len(f.FailedChecks) != 1 || f.FailedChecks[0] != CheckEOBReceived {
		t.Errorf("failed checks = %v", f.FailedChecks)
	}

	for _, s := range res.Successful {
		sec, err := repo.FindByID(ctx, s.SecondaryClaimID)
		if err != nil {
			t.Errorf("secondary for %s not committed: %v", s.PrimaryClaimID, err)
			continue
		}
		if sec.COB.PrimaryClaimID != s.PrimaryClaimID {
			t.Errorf("secondary %s points at %s", sec.ID, sec.COB.PrimaryClaimID)
		}
	}
	if p2, _ := repo.FindByID(ctx, "p-2"); p2.COB.SecondaryClaimID != "" {
		t.Error("unready primary was linked")
	}
}
