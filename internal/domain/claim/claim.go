// Package claim implements the insurance claim record, its status state machine
// and the append-only status history ledger.
package claim

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTimelyFilingDays applies when a payer does not state a limit.
const DefaultTimelyFilingDays = 90

// Claim is the central billing record. It is created in draft by the billing
// workflow and changes status only through Engine.UpdateStatus.
type Claim struct {
	ID               string               `json:"id"`
	ClaimNumber      string               `json:"claim_number"`
	Version          int                  `json:"version"`
	Status           Status               `json:"status"`
	SubmissionStatus SubmissionStatus     `json:"submission_status"`
	StatusHistory    []StatusHistoryEntry `json:"status_history"`
	Tracking         Tracking             `json:"tracking"`

	Patient            Patient            `json:"patient"`
	Provider           Provider           `json:"provider"`
	Insurance          Insurance          `json:"insurance"`
	SecondaryInsurance SecondaryInsurance `json:"secondary_insurance"`
	COB                COB                `json:"cob"`
	Payment            Payment            `json:"payment"`

	ServiceDate *time.Time   `json:"service_date,omitempty"`
	Diagnoses   []Diagnosis  `json:"diagnoses,omitempty"`
	Charges     []ChargeLine `json:"charges,omitempty"`

	TotalCharges          decimal.Decimal `json:"total_charges"`
	AmountPaid            decimal.Decimal `json:"amount_paid"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	changes []*Event
}

// Tracking holds the one-time milestone dates.
type Tracking struct {
	SubmittedDate        *time.Time `json:"submitted_date,omitempty"`
	AcknowledgedDate     *time.Time `json:"acknowledged_date,omitempty"`
	PaidDate             *time.Time `json:"paid_date,omitempty"`
	ClearinghouseClaimID string     `json:"clearinghouse_claim_id,omitempty"`
}

// Patient identifies the person who received services.
type Patient struct {
	ID          string     `json:"id,omitempty"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
}

// Provider is the billing provider.
type Provider struct {
	NPI   string `json:"npi"`
	Name  string `json:"name"`
	TaxID string `json:"tax_id,omitempty"`
}

// Insurance is the payer the claim is billed to. MemberID lives here rather than
// on Patient because it belongs to the policy.
type Insurance struct {
	PayerID                string `json:"payer_id"`
	PayerName              string `json:"payer_name"`
	MemberID               string `json:"member_id,omitempty"`
	GroupNumber            string `json:"group_number,omitempty"`
	SubscriberName         string `json:"subscriber_name,omitempty"`
	SubscriberRelationship string `json:"subscriber_relationship,omitempty"`
	TimelyFilingLimit      int    `json:"timely_filing_limit,omitempty"`
}

// SecondaryInsurance is the next payer in coordination of benefits order.
type SecondaryInsurance struct {
	HasSecondary           bool   `json:"has_secondary"`
	PayerID                string `json:"payer_id,omitempty"`
	PayerName              string `json:"payer_name,omitempty"`
	MemberID               string `json:"member_id,omitempty"`
	GroupNumber            string `json:"group_number,omitempty"`
	SubscriberName         string `json:"subscriber_name,omitempty"`
	SubscriberRelationship string `json:"subscriber_relationship,omitempty"`
	TimelyFilingLimit      int    `json:"timely_filing_limit,omitempty"`
}

// COB links a primary claim and its derived secondary claim.
type COB struct {
	IsPrimary                        bool            `json:"is_primary"`
	IsSecondary                      bool            `json:"is_secondary"`
	PrimaryClaimID                   string          `json:"primary_claim_id,omitempty"`
	SecondaryClaimID                 string          `json:"secondary_claim_id,omitempty"`
	PrimaryPayment                   PrimaryPayment  `json:"primary_payment"`
	PatientResponsibilityFromPrimary decimal.Decimal `json:"patient_responsibility_from_primary"`
}

// PrimaryPayment is what the primary payer paid according to its EOB.
type PrimaryPayment struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        *time.Time      `json:"date,omitempty"`
	EOBReceived bool            `json:"eob_received"`
}

// Payment is the most recent remittance outcome.
type Payment struct {
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	PaymentDate  *time.Time      `json:"payment_date,omitempty"`
	CheckNumber  string          `json:"check_number,omitempty"`
	ERANumber    string          `json:"era_number,omitempty"`
	DenialReason string          `json:"denial_reason,omitempty"`
	DenialCode   string          `json:"denial_code,omitempty"`
}

// Diagnosis is an ICD-10 code on the claim.
type Diagnosis struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Sequence    int    `json:"sequence"`
}

// ChargeLine is a single billed procedure.
type ChargeLine struct {
	ProcedureCode     string          `json:"procedure_code"`
	Modifiers         []string        `json:"modifiers,omitempty"`
	DiagnosisPointers []int           `json:"diagnosis_pointers,omitempty"`
	Units             int             `json:"units"`
	Amount            decimal.Decimal `json:"amount"`
	ServiceDate       *time.Time      `json:"service_date,omitempty"`
}

// TimelyFilingDays returns the payer's limit, falling back to the default.
func (c *Claim) TimelyFilingDays() int {
	if c.Insurance.TimelyFilingLimit > 0 {
		return c.Insurance.TimelyFilingLimit
	}
	return DefaultTimelyFilingDays
}

// LastStatusChange returns the time of the latest history entry, or the
// submission date when no change has been recorded yet.
func (c *Claim) LastStatusChange() *time.Time {
	if n := len(c.StatusHistory); n > 0 {
		t := c.StatusHistory[n-1].ChangedAt
		return &t
	}
	return c.Tracking.SubmittedDate
}

// Changes returns events recorded since the claim was loaded.
func (c *Claim) Changes() []*Event { return c.changes }

// ClearChanges drops recorded events after they were persisted.
func (c *Claim) ClearChanges() { c.changes = nil }

func (c *Claim) record(e *Event) { c.changes = append(c.changes, e) }

// Clone returns a deep copy without pending events.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	out.changes = nil

	out.StatusHistory = make([]StatusHistoryEntry, len(c.StatusHistory))
	for i, e := range c.StatusHistory {
		out.StatusHistory[i] = e.clone()
	}
	out.Tracking.SubmittedDate = cloneTime(c.Tracking.SubmittedDate)
	out.Tracking.AcknowledgedDate = cloneTime(c.Tracking.AcknowledgedDate)
	out.Tracking.PaidDate = cloneTime(c.Tracking.PaidDate)
	out.Patient.DateOfBirth = cloneTime(c.Patient.DateOfBirth)
	out.COB.PrimaryPayment.Date = cloneTime(c.COB.PrimaryPayment.Date)
	out.Payment.PaymentDate = cloneTime(c.Payment.PaymentDate)
	out.ServiceDate = cloneTime(c.ServiceDate)

	if c.Diagnoses != nil {
		out.Diagnoses = append([]Diagnosis(nil), c.Diagnoses...)
	}
	if c.Charges != nil {
		out.Charges = make([]ChargeLine, len(c.Charges))
		for i, l := range c.Charges {
			l.Modifiers = append([]string(nil), l.Modifiers...)
			l.DiagnosisPointers = append([]int(nil), l.DiagnosisPointers...)
			l.ServiceDate = cloneTime(l.ServiceDate)
			out.Charges[i] = l
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
