package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/cob"
	"github.com/drfirst/go-claims/internal/deadline"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/edi"
)

var testNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func submittedClaim(id string) *claim.Claim {
	submitted := testNow.Add(-40 * 24 * time.Hour)
	return &claim.Claim{
		ID:           id,
		ClaimNumber:  "CLM-" + id,
		Status:       claim.StatusSubmitted,
		Patient:      claim.Patient{FirstName: "Ana", LastName: "Reyes"},
		Provider:     claim.Provider{NPI: "1234567893", Name: "Harbor Clinic"},
		Insurance:    claim.Insurance{PayerID: "AETNA", PayerName: "Aetna", MemberID: "W123"},
		TotalCharges: decimal.RequireFromString("250.00"),
		Tracking:     claim.Tracking{SubmittedDate: &submitted},
		CreatedAt:    submitted,
		UpdatedAt:    submitted,
	}
}

func newTestServer(t *testing.T, claims ...*claim.Claim) (http.Handler, *claim.MemoryRepository) {
	t.Helper()
	repo := claim.NewMemoryRepository()
	for _, c := range claims {
		if err := repo.Create(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	clock := clockwork.NewFakeClockAt(testNow)
	engine := claim.NewEngine(repo, clock, nil, nil)
	h := NewClaimsHandler(Deps{
		Engine:     engine,
		Translator: edi.NewTranslator(engine, nil, nil),
		Inquiries:  edi.NewInquiryBuilder(repo, clock, nil),
		Tracker:    deadline.NewTracker(repo, clock),
		Generator:  cob.NewGenerator(engine, cob.Config{BatchWorkers: 2}, nil, nil),
	}, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Actor)
	r.Mount("/api/v1", h.Routes())
	return r, repo
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.ActorHeader, "biller-7")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestUpdateStatusEndpoint(t *testing.T) {
	srv, repo := newTestServer(t, submittedClaim("c-1"))

	rec := do(t, srv, http.MethodPost, "/api/v1/claims/c-1/status", `{"status":"acknowledged","reason":"277 ack"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}

	c, err := repo.FindByID(context.Background(), "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != claim.StatusAcknowledged {
		t.Errorf("stored status = %s", c.Status)
	}
	last := c.StatusHistory[len(c.StatusHistory)-1]
	if last.ChangedBy == nil || *last.ChangedBy != "biller-7" {
		t.Errorf("changed_by = %v", last.ChangedBy)
	}
	if last.Source != claim.SourceAPI {
		t.Errorf("source = %s", last.Source)
	}
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t, submittedClaim("c-1"))

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		{"unknown claim", http.MethodGet, "/api/v1/claims/nope/history", "", http.StatusNotFound, "not_found"},
		{"illegal transition", http.MethodPost, "/api/v1/claims/c-1/status", `{"status":"paid"}`, http.StatusConflict, "invalid_transition"},
		{"missing denial reason", http.MethodPost, "/api/v1/claims/c-1/status", `{"status":"rejected"}`, http.StatusUnprocessableEntity, "validation"},
		{"unknown status", http.MethodPost, "/api/v1/claims/c-1/status", `{"status":"lost"}`, http.StatusUnprocessableEntity, "validation"},
		{"empty inquiry", http.MethodPost, "/api/v1/inquiries/276", `{"claimIds":[]}`, http.StatusUnprocessableEntity, "validation"},
		{"cob order without payer", http.MethodPost, "/api/v1/cob/order", `{"insurance1":{"payerId":"A"}}`, http.StatusUnprocessableEntity, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			var body map[string]any
			decodeBody(t, rec, &body)
			if body["kind"] != tt.wantKind {
				t.Errorf("kind = %v, want %s", body["kind"], tt.wantKind)
			}
		})
	}
}

func TestInvalidTransitionListsAllowed(t *testing.T) {
	srv, _ := newTestServer(t, submittedClaim("c-1"))

	rec := do(t, srv, http.MethodPost, "/api/v1/claims/c-1/status", `{"status":"closed"}`)
	var body struct {
		Allowed []claim.Status `json:"allowed"`
	}
	decodeBody(t, rec, &body)
	if len(body.Allowed) != 3 || body.Allowed[0] != claim.StatusAcknowledged {
		t.Errorf("allowed = %v", body.Allowed)
	}
}

func TestMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/responses/277", `{"claims":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestResponse277Endpoint(t *testing.T) {
	srv, _ := newTestServer(t, submittedClaim("c-1"))

	rec := do(t, srv, http.MethodPost, "/api/v1/responses/277",
		`{"traceNumber":"T1","claims":[{"claimNumber":"CLM-c-1","statusCode":1},{"claimNumber":"CLM-missing","statusCode":5}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
	var res edi.ProcessResult
	decodeBody(t, rec, &res)
	if res.Total != 2 || res.Updated != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Results[1].ErrorKind != "not_found" {
		t.Errorf("missing claim result = %+v", res.Results[1])
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/claims/c-1/timeline", "")
	var tl claim.Timeline
	decodeBody(t, rec, &tl)
	if tl.CurrentStatus != claim.StatusAcknowledged {
		t.Errorf("timeline current = %s", tl.CurrentStatus)
	}
}

func TestInquiryTransmitWithoutTransmitter(t *testing.T) {
	srv, _ := newTestServer(t, submittedClaim("c-1"))

	rec := do(t, srv, http.MethodPost, "/api/v1/inquiries/276", `{"claimIds":["c-1"],"transmit":true}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/inquiries/276", `{"claimIds":["c-1","gone"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
	var resp InquiryResponse
	decodeBody(t, rec, &resp)
	if resp.Inquiry.InquiryCount != 1 || len(resp.Inquiry.NotFound) != 1 || resp.Transmission != nil {
		t.Errorf("inquiry = %+v", resp)
	}
}

func TestStaleReportDaysParam(t *testing.T) {
	c := submittedClaim("c-1")
	c.Status = claim.StatusAcknowledged
	srv, _ := newTestServer(t, c)

	rec := do(t, srv, http.MethodGet, "/api/v1/reports/stale?days=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad days: code = %d", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/reports/stale?days=30", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		DaysThreshold int `json:"daysThreshold"`
		Count         int `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.DaysThreshold != 30 || body.Count != 1 {
		t.Errorf("stale = %+v", body)
	}
}

func TestSecondaryEndpoints(t *testing.T) {
	primary := submittedClaim("p-1")
	primary.Status = claim.StatusPaid
	primary.SecondaryInsurance = claim.SecondaryInsurance{HasSecondary: true, PayerID: "BCBS", PayerName: "Blue Cross", MemberID: "B777"}
	primary.COB = claim.COB{IsPrimary: true, PrimaryPayment: claim.PrimaryPayment{EOBReceived: true}}
	srv, _ := newTestServer(t, primary)

	rec := do(t, srv, http.MethodGet, "/api/v1/claims/p-1/secondary/readiness", "")
	var ready cob.Readiness
	decodeBody(t, rec, &ready)
	if !ready.Ready {
		t.Fatalf("readiness = %+v", ready)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/claims/p-1/secondary", `{"payment":{"amount":"150.00"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
	var res cob.GenerateResult
	decodeBody(t, rec, &res)
	if res.SecondaryClaim.Insurance.PayerID != "BCBS" || !res.Amounts.RemainingBalance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("result = %+v", res.Amounts)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/claims/p-1/secondary", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second generation code = %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/secondary/batch", `{"items":[{"primaryClaimId":"p-1"},{"primaryClaimId":"nope"}]}`)
	var batch cob.BatchResult
	decodeBody(t, rec, &batch)
	if batch.TotalProcessed != 2 || len(batch.Failed) != 2 {
		t.Errorf("batch = %+v", batch)
	}
}
