// Package ingest applies 277 responses consumed from the inbound topic.
// Each message is one 277 batch and is applied at most once.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/pkg/idempotency"
)

// HandlerName is recorded on inbox entries.
const HandlerName = "edi-277"

// ErrStoreUnavailable is returned when items failed for infrastructure reasons
// and the batch should be redelivered.
var ErrStoreUnavailable = errors.New("277 items failed on store errors")

// Handler consumes 277 messages.
type Handler struct {
	translator *edi.Translator
	inbox      *idempotency.Inbox
	logger     *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(translator *edi.Translator, inbox *idempotency.Inbox, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{translator: translator, inbox: inbox, logger: logger}
}

// IsTerminal reports errors that redelivery cannot fix. Pass it to the inbox
// as its terminal classifier.
func IsTerminal(err error) bool {
	return errors.Is(err, redpanda.ErrPermanent)
}

// Handle is a redpanda.MessageHandler. A malformed message is permanent; a
// batch with items lost to store errors is returned for retry, and on
// redelivery the already applied items come back unchanged.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var resp edi.Response277
	if err := json.Unmarshal(msg.Value, &resp); err != nil {
		return fmt.Errorf("%w: decode 277: %v", redpanda.ErrPermanent, err)
	}
	if len(resp.Claims) == 0 {
		return fmt.Errorf("%w: 277 has no claims", redpanda.ErrPermanent)
	}

	var applied *edi.ProcessResult
	key := idempotency.Key277(resp.TraceNumber, msg.Value)
	res, err := h.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		result := h.translator.Process277Response(ctx, resp)
		applied = result
		if n := storeFailures(result); n > 0 {
			return nil, fmt.Errorf("%w: %d of %d", ErrStoreUnavailable, n, result.Total)
		}
		return json.Marshal(result)
	})

	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		h.logger.Info("duplicate 277 skipped", zap.String("trace_number", resp.TraceNumber))
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.logger.Warn("277 previously failed, skipping", zap.String("trace_number", resp.TraceNumber))
		return nil
	default:
		return err
	}

	if !res.IsNew && !res.WasRecovered {
		h.logger.Info("277 already applied",
			zap.String("trace_number", resp.TraceNumber),
			zap.Int64("offset", msg.Offset))
		return nil
	}

	h.logger.Info("277 applied",
		zap.String("trace_number", resp.TraceNumber),
		zap.Int("updated", applied.Updated),
		zap.Int("unchanged", applied.Unchanged),
		zap.Int("failed", applied.Failed),
		zap.Bool("recovered", res.WasRecovered))
	return nil
}

// storeFailures counts items that failed outside the domain error set.
func storeFailures(r *edi.ProcessResult) int {
	n := 0
	for _, item := range r.Results {
		if item.Outcome == edi.OutcomeFailed && item.ErrorKind == claim.KindUnknown.String() {
			n++
		}
	}
	return n
}
