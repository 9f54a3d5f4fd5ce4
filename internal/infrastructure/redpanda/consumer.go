package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS int64
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is earliest or latest
	StartOffset string
	// MaxAttempts is how often a failing message is handled before it is
	// dead-lettered
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between attempts
	RetryBackoff time.Duration
	// DeadLetterTopic receives messages that exhausted their attempts
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the 277 ingest group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "edi-ingest",
		Topics:           []string{TopicEDI277Inbound},
		SessionTimeoutMS: 30000,
		FetchMaxBytes:    50 << 20,
		StartOffset:      "earliest",
		MaxAttempts:      3,
		RetryBackoff:     time.Second,
		DeadLetterTopic:  TopicDeadLetter,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ErrPermanent marks a handler error that retrying cannot fix. Such messages
// go straight to the dead letter topic.
var ErrPermanent = errors.New("permanent message failure")

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a consumer group and commits each record after it is
// handled or dead-lettered, so records are processed at least once.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	handler    MessageHandler
	deadLetter *Producer
	logger     *zap.Logger
	tracer     trace.Tracer

	messagesRead int64
	deadLettered int64
	errorCount   int64
}

// NewConsumer creates a new Redpanda consumer. deadLetter may be nil, in which
// case exhausted messages are logged and skipped.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter *Producer, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:     client,
		config:     cfg,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
	}, nil
}

// Run consumes until ctx is cancelled, then commits and closes the client.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return nil
			}
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
			atomic.AddInt64(&c.errorCount, 1)
		}

		stopped := false
		fetches.EachRecord(func(record *kgo.Record) {
			if stopped {
				return
			}
			if !c.processRecord(ctx, record) {
				stopped = true
				return
			}
			c.client.MarkCommitRecords(record)
		})
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
		if stopped {
			return nil
		}
	}
}

// processRecord handles one record with retries. It returns false only when
// ctx was cancelled mid-record, leaving the record uncommitted.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) bool {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	ctx = propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			atomic.AddInt64(&c.messagesRead, 1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		atomic.AddInt64(&c.errorCount, 1)
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if errors.Is(err, ErrPermanent) || attempt == c.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
		}
	}

	span.RecordError(err)
	c.sendToDeadLetter(ctx, msg, err)
	return true
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, msg *ConsumedMessage, cause error) {
	atomic.AddInt64(&c.deadLettered, 1)
	if c.deadLetter == nil || c.config.DeadLetterTopic == "" {
		c.logger.Error("dropping message after failed attempts",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(cause))
		return
	}

	headers := map[string]string{
		"dlq-source-topic":     msg.Topic,
		"dlq-source-partition": fmt.Sprint(msg.Partition),
		"dlq-source-offset":    fmt.Sprint(msg.Offset),
		"dlq-error":            cause.Error(),
	}
	err := c.deadLetter.PublishRecords(ctx, &Record{
		Topic:   c.config.DeadLetterTopic,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		c.logger.Error("failed to dead-letter message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

func (c *Consumer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on close", zap.Error(err))
	}
	c.client.Close()
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	DeadLettered int64
	ErrorCount   int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: atomic.LoadInt64(&c.messagesRead),
		DeadLettered: atomic.LoadInt64(&c.deadLettered),
		ErrorCount:   atomic.LoadInt64(&c.errorCount),
	}
}
