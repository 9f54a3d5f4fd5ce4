package edi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

var testNow = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func seedClaim(t *testing.T, repo *claim.MemoryRepository, id, number string, status claim.Status) {
	t.Helper()
	submitted := testNow.Add(-20 * 24 * time.Hour)
	c := &claim.Claim{
		ID:          id,
		ClaimNumber: number,
		Status:      status,
		Patient:     claim.Patient{FirstName: "Lee", LastName: "Park"},
		Provider:    claim.Provider{NPI: "1999999984", Name: "Northside Ortho"},
		Insurance:   claim.Insurance{PayerID: "BCBS", PayerName: "Blue Cross", MemberID: "XYZ1"},
		Tracking:    claim.Tracking{SubmittedDate: &submitted, ClearinghouseClaimID: "CH-" + id},
		CreatedAt:   submitted,
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func newTestTranslator(t *testing.T) (*Translator, *claim.MemoryRepository) {
	t.Helper()
	repo := claim.NewMemoryRepository()
	engine := claim.NewEngine(repo, clockwork.NewFakeClockAt(testNow), nil, nil)
	return NewTranslator(engine, nil, nil), repo
}

func TestCodeTableIsComplete(t *testing.T) {
	codes := Codes()
	if len(codes) != MaxStatusCode {
		t.Fatalf("codes = %d, want %d", len(codes), MaxStatusCode)
	}
	for i, c := range codes {
		if c.Code != i+1 {
			t.Errorf("entry %d has code %d", i+1, c.Code)
		}
		if !c.Status.IsValid() || c.Description == "" || c.Family == "" {
			t.Errorf("code %d incomplete: %+v", c.Code, c)
		}
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		code  int
		want  claim.Status
		known bool
	}{
		{1, claim.StatusAcknowledged, true},
		{3, claim.StatusRejected, true},
		{6, claim.StatusDenied, true},
		{9, claim.StatusPended, true},
		{17, claim.StatusApprovedForPayment, true},
		{18, claim.StatusPaid, true},
		{19, claim.StatusPartiallyPaid, true},
		{23, claim.StatusDenied, true},
		{24, claim.StatusRejected, true},
		{0, claim.StatusPending, false},
		{99, claim.StatusPending, false},
	}
	for _, tt := range tests {
		got := Translate(tt.code)
		if got.Status != tt.want || got.Known != tt.known {
			t.Errorf("Translate(%d) = %s known=%v, want %s known=%v", tt.code, got.Status, got.Known, tt.want, tt.known)
		}
	}
}

func TestProcess277MapsCodes(t *testing.T) {
	tr, repo := newTestTranslator(t)
	seedClaim(t, repo, "c-6", "CLM-6", claim.StatusPending)
	seedClaim(t, repo, "c-18", "CLM-18", claim.StatusPending)
	seedClaim(t, repo, "c-19", "CLM-19", claim.StatusUnderReview)

	amount := decimal.RequireFromString("75.10")
	resp := Response277{
		TraceNumber: "TRN-1",
		Claims: []Item277{
			{ClaimNumber: "CLM-6", StatusCode: 6, DenialCode: "CO-97"},
			{ClaimID: "CH-c-18", StatusCode: 18, PaymentAmount: &amount, CheckNumber: "CHK-1"},
			{ClaimNumber: "CLM-19", StatusCode: 19, PaymentAmount: &amount},
		},
	}
	res := tr.Process277Response(context.Background(), resp)
	if res.Updated != 3 || res.Failed != 0 {
		t.Fatalf("result = %s: %+v", res, res.Results)
	}

	want := map[string]claim.Status{"c-6": claim.StatusDenied, "c-18": claim.StatusPaid, "c-19": claim.StatusPartiallyPaid}
	for id, status := range want {
		c, _ := repo.FindByID(context.Background(), id)
		if c.Status != status {
			t.Errorf("%s status = %s, want %s", id, c.Status, status)
		}
		last := c.StatusHistory[len(c.StatusHistory)-1]
		if last.Source != claim.SourceEDI277 || last.StatusCode == nil {
			t.Errorf("%s entry source=%s code=%v", id, last.Source, last.StatusCode)
		}
		if last.ChangedBy != nil {
			t.Errorf("%s entry attributed to %s", id, *last.ChangedBy)
		}
	}

	denied, _ := repo.FindByID(context.Background(), "c-6")
	d := denied.StatusHistory[0].Denial
	if d == nil || d.Code != "CO-97" || d.Reason == "" {
		t.Errorf("denial = %+v", d)
	}
	paid, _ := repo.FindByID(context.Background(), "c-18")
	if p := paid.StatusHistory[0].Payment; p == nil || !p.Amount.Equal(amount) || p.CheckNumber != "CHK-1" {
		t.Errorf("payment = %+v", p)
	}
}

func TestProcess277IsolatesFailures(t *testing.T) {
	tr, repo := newTestTranslator(t)
	seedClaim(t, repo, "c-1", "CLM-1", claim.StatusSubmitted)
	seedClaim(t, repo, "c-2", "CLM-2", claim.StatusSubmitted)
	seedClaim(t, repo, "c-3", "CLM-3", claim.StatusAcknowledged)

	resp := Response277{Claims: []Item277{
		{ClaimNumber: "MISSING", StatusCode: 1},
		{ClaimNumber: "CLM-1", StatusCode: 18}, // submitted -> paid is illegal
		{ClaimNumber: "CLM-2", StatusCode: 2},
		{ClaimNumber: "CLM-3", StatusCode: 1},
		{StatusCode: 5},
	}}
	res := tr.Process277Response(context.Background(), resp)

	if res.Total != 5 || res.Updated != 1 || res.Unchanged != 1 || res.Failed != 3 {
		t.Fatalf("result = %s", res)
	}
	wantOutcomes := []struct {
		key  string
		out  Outcome
		kind string
	}{
		{"MISSING", OutcomeFailed, "not_found"},
		{"CLM-1", OutcomeFailed, "invalid_transition"},
		{"CLM-2", OutcomeUpdated, ""},
		{"CLM-3", OutcomeUnchanged, ""},
		{"", OutcomeFailed, "validation"},
	}
	for i, w := range wantOutcomes {
		r := res.Results[i]
		if r.Key != w.key || r.Outcome != w.out || r.ErrorKind != w.kind {
			t.Errorf("result %d = %+v, want key=%q outcome=%s kind=%q", i, r, w.key, w.out, w.kind)
		}
	}

	c1, _ := repo.FindByID(context.Background(), "c-1")
	if c1.Status != claim.StatusSubmitted {
		t.Errorf("failed item changed claim to %s", c1.Status)
	}
	c3, _ := repo.FindByID(context.Background(), "c-3")
	if len(c3.StatusHistory) != 0 {
		t.Error("unchanged item appended history")
	}
}

func TestProcess277UnknownCodeDefaultsToPending(t *testing.T) {
	tr, repo := newTestTranslator(t)
	seedClaim(t, repo, "c-1", "CLM-1", claim.StatusAcknowledged)

	res := tr.Process277Response(context.Background(), Response277{Claims: []Item277{
		{ClaimNumber: "CLM-1", StatusCode: 42},
	}})
	if res.Updated != 1 {
		t.Fatalf("result = %s", res)
	}
	c, _ := repo.FindByID(context.Background(), "c-1")
	if c.Status != claim.StatusPending {
		t.Fatalf("status = %s, want pending", c.Status)
	}
	if note := c.StatusHistory[0].Notes; !strings.Contains(note, "Unknown status code 42") {
		t.Errorf("notes = %q", note)
	}
}

func TestProcess277AppliesItemsInOrder(t *testing.T) {
	tr, repo := newTestTranslator(t)
	ctx := context.Background()
	seedClaim(t, repo, "c-1", "CLM-1", claim.StatusDraft)
	if _, err := tr.engine.UpdateStatus(ctx, "c-1", claim.StatusSubmitted, claim.StatusUpdate{}, "biller-1"); err != nil {
		t.Fatal(err)
	}

	res := tr.Process277Response(ctx, Response277{Claims: []Item277{
		{ClaimNumber: "CLM-1", StatusCode: 1},
		{ClaimNumber: "CLM-1", StatusCode: 16},
		{ClaimNumber: "CLM-1", StatusCode: 12},
	}})
	if res.Updated != 3 {
		t.Fatalf("result = %s: %+v", res, res.Results)
	}
	c, _ := repo.FindByID(ctx, "c-1")
	if c.Status != claim.StatusPended || len(c.StatusHistory) != 4 {
		t.Fatalf("status=%s history=%d", c.Status, len(c.StatusHistory))
	}
	if c.StatusHistory[3].Pend == nil || c.StatusHistory[3].Pend.Reason == "" {
		t.Errorf("pend detail = %+v", c.StatusHistory[3].Pend)
	}
	if got, err := claim.ReplayStatus(c.StatusHistory); err != nil || got != c.Status {
		t.Errorf("replay = %s, %v", got, err)
	}
}
