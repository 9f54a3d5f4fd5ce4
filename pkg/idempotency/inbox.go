// Package idempotency provides the Inbox pattern for exactly-once message processing.
// Keys are deterministic hashes of the message identity, e.g. a 277 trace number
// plus the payload digest.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry represents an idempotency inbox record
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Store persists inbox entries. Get returns (nil, nil) for an unknown key.
// Start inserts a STARTED entry, or flips a RECOVERABLE one back to STARTED,
// and returns ErrDuplicateMessage otherwise.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Start(ctx context.Context, key, handlerName string, payload json.RawMessage, now, expiresAt time.Time) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	RecoverStale(ctx context.Context, startedBefore, now time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Config holds configuration for the inbox
type Config struct {
	// DefaultTTL is the default time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store    Store
	config   Config
	clock    clockwork.Clock
	terminal func(error) bool
	logger   *zap.Logger
	tracer   trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithClock overrides the clock used for timestamps and staleness.
func WithClock(c clockwork.Clock) Option { return func(i *Inbox) { i.clock = c } }

// WithTerminalClassifier decides which handler errors are permanent.
// Permanent failures are never reprocessed.
func WithTerminalClassifier(fn func(error) bool) Option { return func(i *Inbox) { i.terminal = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(i *Inbox) { i.logger = l } }

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg Config, opts ...Option) *Inbox {
	i := &Inbox{
		store:    store,
		config:   cfg,
		clock:    clockwork.NewRealClock(),
		terminal: func(error) bool { return false },
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("inbox"),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ErrDuplicateMessage indicates message was already processed
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// ErrMessageInProgress indicates message is currently being processed
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ErrPreviouslyFailed indicates the message failed permanently before.
var ErrPreviouslyFailed = errors.New("message previously failed permanently")

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process executes fn at most once per key. A finished key returns the stored
// result without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}
	now := i.clock.Now()

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// stale: the previous handler most likely crashed
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, entry.Result, now); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			entry.Status = StatusRecoverable

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.store.Start(ctx, key, handlerName, payload, now, now.Add(i.config.DefaultTTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.terminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.SetStatus(ctx, key, status, errResult, i.clock.Now()); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, result, i.clock.Now()); err != nil {
		// the handler succeeded; a redelivery will find the key STARTED and wait it out
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// GenerateKey creates a deterministic idempotency key from message components.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Key277 keys an inbound 277 by its trace number and payload digest, so a
// redelivered file is skipped while a corrected file with the same trace is not.
func Key277(traceNumber string, payload []byte) string {
	digest := sha256.Sum256(payload)
	return GenerateKey("277", traceNumber, hex.EncodeToString(digest[:]))
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.cleanupLoop(ctx)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := i.clock.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := i.Cleanup(ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries and recovers stale ones.
func (i *Inbox) Cleanup(ctx context.Context) error {
	now := i.clock.Now()
	deleted, err := i.store.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	recovered, err := i.store.RecoverStale(ctx, now.Add(-i.config.RecoveryTimeout), now)
	if err != nil {
		return err
	}
	if deleted > 0 || recovered > 0 {
		i.logger.Info("inbox cleanup completed",
			zap.Int64("deleted", deleted),
			zap.Int64("recovered", recovered))
	}
	return nil
}

// Stats holds inbox statistics
type Stats struct {
	TotalEntries int64 `json:"totalEntries"`
	Started      int64 `json:"started"`
	Finished     int64 `json:"finished"`
	Recoverable  int64 `json:"recoverable"`
	Failed       int64 `json:"failed"`
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}
