package edi

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

// TransactionType276 identifies a claim status inquiry.
const TransactionType276 = "276"

// Inquiry276 is the logical content of an outbound status inquiry batch.
type Inquiry276 struct {
	BatchID         string         `json:"batchId"`
	TransactionType string         `json:"transactionType"`
	InquiryDate     time.Time      `json:"inquiryDate"`
	InquiryCount    int            `json:"inquiryCount"`
	Claims          []InquiryClaim `json:"claims"`
	Payers          []PayerGroup   `json:"payers"`
	NotFound        []string       `json:"notFound,omitempty"`
}

// InquiryClaim is one claim being asked about.
type InquiryClaim struct {
	TraceNumber          string          `json:"traceNumber"`
	ClaimID              string          `json:"claimId"`
	ClaimNumber          string          `json:"claimNumber"`
	Patient              InquiryPatient  `json:"patient"`
	Provider             InquiryProvider `json:"provider"`
	Payer                InquiryPayer    `json:"payer"`
	ServiceDate          *time.Time      `json:"serviceDate,omitempty"`
	TotalCharges         decimal.Decimal `json:"totalCharges"`
	SubmittedDate        *time.Time      `json:"submittedDate,omitempty"`
	ClearinghouseClaimID string          `json:"clearinghouseClaimId,omitempty"`
}

type InquiryPatient struct {
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	MemberID    string     `json:"memberId"`
}

type InquiryProvider struct {
	NPI  string `json:"npi"`
	Name string `json:"name"`
}

type InquiryPayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PayerGroup is the slice of a batch addressed to one payer.
type PayerGroup struct {
	Payer  InquiryPayer   `json:"payer"`
	Claims []InquiryClaim `json:"claims"`
}

// InquiryBuilder assembles 276 batches. It does no network I/O.
type InquiryBuilder struct {
	repo   claim.Repository
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewInquiryBuilder creates a builder.
func NewInquiryBuilder(repo claim.Repository, clock clockwork.Clock, logger *zap.Logger) *InquiryBuilder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InquiryBuilder{repo: repo, clock: clock, logger: logger}
}

// Generate276Inquiry loads the claims and groups them per payer. Claims that
// do not exist are listed in NotFound; any other store error aborts the batch.
func (b *InquiryBuilder) Generate276Inquiry(ctx context.Context, claimIDs []string) (*Inquiry276, error) {
	if len(claimIDs) == 0 {
		return nil, claim.NewValidationError("", "claimIds", "at least one claim id is required")
	}

	inq := &Inquiry276{
		BatchID:         ulid.Make().String(),
		TransactionType: TransactionType276,
		InquiryDate:     b.clock.Now().UTC(),
	}

	seen := make(map[string]bool, len(claimIDs))
	groups := make(map[string]*PayerGroup)
	for _, id := range claimIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		c, err := b.repo.FindByID(ctx, id)
		if err != nil {
			if claim.KindOf(err) == claim.KindNotFound {
				inq.NotFound = append(inq.NotFound, id)
				continue
			}
			return nil, err
		}

		ic := inquiryClaim(c)
		inq.Claims = append(inq.Claims, ic)

		g, ok := groups[ic.Payer.ID]
		if !ok {
			g = &PayerGroup{Payer: ic.Payer}
			groups[ic.Payer.ID] = g
		}
		g.Claims = append(g.Claims, ic)
	}

	inq.InquiryCount = len(inq.Claims)
	inq.Payers = make([]PayerGroup, 0, len(groups))
	for _, g := range groups {
		inq.Payers = append(inq.Payers, *g)
	}
	sort.Slice(inq.Payers, func(i, j int) bool {
		return inq.Payers[i].Payer.ID < inq.Payers[j].Payer.ID
	})

	b.logger.Info("276 inquiry generated",
		zap.String("batch_id", inq.BatchID),
		zap.Int("claims", inq.InquiryCount),
		zap.Int("payers", len(inq.Payers)),
		zap.Int("not_found", len(inq.NotFound)))

	return inq, nil
}

func inquiryClaim(c *claim.Claim) InquiryClaim {
	return InquiryClaim{
		TraceNumber: ulid.Make().String(),
		ClaimID:     c.ID,
		ClaimNumber: c.ClaimNumber,
		Patient: InquiryPatient{
			FirstName:   c.Patient.FirstName,
			LastName:    c.Patient.LastName,
			DateOfBirth: c.Patient.DateOfBirth,
			MemberID:    c.Insurance.MemberID,
		},
		Provider:             InquiryProvider{NPI: c.Provider.NPI, Name: c.Provider.Name},
		Payer:                InquiryPayer{ID: c.Insurance.PayerID, Name: c.Insurance.PayerName},
		ServiceDate:          c.ServiceDate,
		TotalCharges:         c.TotalCharges,
		SubmittedDate:        c.Tracking.SubmittedDate,
		ClearinghouseClaimID: c.Tracking.ClearinghouseClaimID,
	}
}
