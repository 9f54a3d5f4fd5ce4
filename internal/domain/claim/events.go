package claim

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Streams claim events are relayed to.
const (
	EventsTopic          = "claim.status.events"
	SecondaryClaimsTopic = "claim.secondary.generated"
)

// EventType represents the type of domain event
type EventType string

const (
	EventClaimStatusChanged      EventType = "ClaimStatusChanged"
	EventSecondaryClaimGenerated EventType = "SecondaryClaimGenerated"
	EventPrimaryPaymentRecorded  EventType = "PrimaryPaymentRecorded"
)

// Topic is the stream an event type is relayed to. Secondary claim creation
// has its own topic for the billing workers that submit secondaries.
func (t EventType) Topic() string {
	if t == EventSecondaryClaimGenerated {
		return SecondaryClaimsTopic
	}
	return EventsTopic
}

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	PayerID       string          `json:"payer_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(claimID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   claimID,
		AggregateType: "Claim",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// StatusChangedData is the payload of ClaimStatusChanged.
type StatusChangedData struct {
	ClaimID     string    `json:"claim_id"`
	ClaimNumber string    `json:"claim_number"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	Source      Source    `json:"source"`
	StatusCode  *int      `json:"status_code,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// SecondaryGeneratedData is the payload of SecondaryClaimGenerated.
type SecondaryGeneratedData struct {
	PrimaryClaimID       string    `json:"primary_claim_id"`
	SecondaryClaimID     string    `json:"secondary_claim_id"`
	SecondaryClaimNumber string    `json:"secondary_claim_number"`
	SecondaryPayerID     string    `json:"secondary_payer_id"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// PrimaryPaymentData is the payload of PrimaryPaymentRecorded.
type PrimaryPaymentData struct {
	ClaimID               string          `json:"claim_id"`
	Amount                decimal.Decimal `json:"amount"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	PaymentDate           *time.Time      `json:"payment_date,omitempty"`
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(actorID, payerID string) *Event {
	e.ActorID = actorID
	e.PayerID = payerID
	return e
}

// RecordEvent attaches an event to the claim for persistence with the next save.
func (c *Claim) RecordEvent(eventType EventType, data interface{}, actorID string, at time.Time) error {
	e, err := NewEvent(c.ID, eventType, data, at)
	if err != nil {
		return err
	}
	e.WithAuditInfo(actorID, c.Insurance.PayerID)
	e.Version = c.Version + 1
	c.record(e)
	return nil
}
