// Package clearinghouse hands 276 inquiry batches to the clearinghouse
// gateway, one message per payer, each payer behind its own circuit breaker.
package clearinghouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/pkg/circuitbreaker"
)

// Publisher sends one keyed message.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Message is the payload for one payer.
type Message struct {
	BatchID         string             `json:"batchId"`
	TransactionType string             `json:"transactionType"`
	InquiryDate     time.Time          `json:"inquiryDate"`
	Payer           edi.InquiryPayer   `json:"payer"`
	Claims          []edi.InquiryClaim `json:"claims"`
}

// PayerOutcome reports one payer group.
type PayerOutcome struct {
	PayerID     string `json:"payerId"`
	ClaimCount  int    `json:"claimCount"`
	Sent        bool   `json:"sent"`
	CircuitOpen bool   `json:"circuitOpen,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TransmitResult summarises a batch transmission.
type TransmitResult struct {
	BatchID string         `json:"batchId"`
	Sent    int            `json:"sent"`
	Failed  int            `json:"failed"`
	Payers  []PayerOutcome `json:"payers"`
}

// Transmitter publishes 276 batches.
type Transmitter struct {
	publisher Publisher
	breakers  *circuitbreaker.Manager
	topic     string
	logger    *zap.Logger
}

// NewTransmitter creates a transmitter. An empty topic uses the 276 outbound topic.
func NewTransmitter(pub Publisher, breakers *circuitbreaker.Manager, topic string, logger *zap.Logger) *Transmitter {
	if topic == "" {
		topic = redpanda.TopicEDI276Outbound
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transmitter{publisher: pub, breakers: breakers, topic: topic, logger: logger}
}

// Transmit sends every payer group. A payer whose breaker is open or whose
// publish fails is reported and the remaining payers are still sent.
func (t *Transmitter) Transmit(ctx context.Context, inq *edi.Inquiry276) (*TransmitResult, error) {
	if inq == nil || len(inq.Payers) == 0 {
		return nil, errors.New("inquiry has no payer groups")
	}

	res := &TransmitResult{BatchID: inq.BatchID, Payers: make([]PayerOutcome, 0, len(inq.Payers))}
	for _, group := range inq.Payers {
		out := PayerOutcome{PayerID: group.Payer.ID, ClaimCount: len(group.Claims)}

		body, err := json.Marshal(Message{
			BatchID:         inq.BatchID,
			TransactionType: inq.TransactionType,
			InquiryDate:     inq.InquiryDate,
			Payer:           group.Payer,
			Claims:          group.Claims,
		})
		if err != nil {
			return nil, fmt.Errorf("encode payer %s: %w", group.Payer.ID, err)
		}

		err = t.breakers.For(group.Payer.ID).Execute(ctx, func(ctx context.Context) error {
			return t.publisher.Publish(ctx, t.topic, group.Payer.ID, body)
		})
		if err != nil {
			out.Error = err.Error()
			out.CircuitOpen = errors.Is(err, circuitbreaker.ErrOpen)
			res.Failed++
			t.logger.Warn("276 transmission failed",
				zap.String("batch_id", inq.BatchID),
				zap.String("payer_id", group.Payer.ID),
				zap.Bool("circuit_open", out.CircuitOpen),
				zap.Error(err))
		} else {
			out.Sent = true
			res.Sent++
		}
		res.Payers = append(res.Payers, out)
	}

	t.logger.Info("276 batch transmitted",
		zap.String("batch_id", inq.BatchID),
		zap.Int("payers_sent", res.Sent),
		zap.Int("payers_failed", res.Failed))
	return res, nil
}
