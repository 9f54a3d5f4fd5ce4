package deadline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/observability/metrics"
)

// AlertsTopic receives monitor reports when a stream sink is configured.
const AlertsTopic = "claim.deadline.alerts"

// Report is the outcome of one monitor tick.
type Report struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	Deadlines   []Alert      `json:"deadlines"`
	Aging       *AgingReport `json:"aging"`
	Stale       []StaleClaim `json:"stale"`
}

// Counts returns the number of critical and warning alerts.
func (r *Report) Counts() (critical, warning int) {
	for _, a := range r.Deadlines {
		if a.Severity == SeverityCritical {
			critical++
		} else {
			warning++
		}
	}
	return critical, warning
}

// AlertSink receives every report the monitor produces.
type AlertSink interface {
	Emit(ctx context.Context, r *Report) error
}

// Locker elects a single replica per tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// MonitorConfig configures the periodic checks.
type MonitorConfig struct {
	Interval  time.Duration
	StaleDays int
	LockKey   string
	LockTTL   time.Duration
}

// DefaultMonitorConfig returns hourly checks with a 30 day stale threshold.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:  time.Hour,
		StaleDays: 30,
		LockKey:   "claims:deadline-monitor",
		LockTTL:   5 * time.Minute,
	}
}

// Monitor runs the tracker periodically. Time comes from the tracker's clock
// and Run stops when its context is cancelled.
type Monitor struct {
	tracker *Tracker
	sink    AlertSink
	locker  Locker
	config  MonitorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewMonitor creates a monitor. locker and m may be nil.
func NewMonitor(tracker *Tracker, sink AlertSink, locker Locker, cfg MonitorConfig, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleDays <= 0 {
		cfg.StaleDays = def.StaleDays
	}
	if cfg.LockKey == "" {
		cfg.LockKey = def.LockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		tracker: tracker,
		sink:    sink,
		locker:  locker,
		config:  cfg,
		metrics: m,
		logger:  logger,
	}
}

// ErrNotLeader is returned by RunOnce when another replica holds the lock.
var ErrNotLeader = errors.New("monitor lock held by another replica")

// Run checks immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.tracker.Clock().NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("deadline monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Int("stale_days", m.config.StaleDays))

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("deadline monitor stopped")
			return nil
		case <-ticker.Chan():
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrNotLeader) {
			m.logger.Debug("skipping tick, not leader")
			return
		}
		m.logger.Error("deadline monitor tick failed", zap.Error(err))
	}
}

// RunOnce performs one round of checks and emits the report.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	if m.locker != nil {
		ok, err := m.locker.TryLock(ctx, m.config.LockKey, m.config.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire monitor lock: %w", err)
		}
		if !ok {
			return nil, ErrNotLeader
		}
		defer func() {
			if err := m.locker.Unlock(context.Background(), m.config.LockKey); err != nil {
				m.logger.Warn("release monitor lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	report := &Report{GeneratedAt: m.tracker.Clock().Now()}

	var err error
	if report.Deadlines, err = m.tracker.CheckTimelyFilingDeadlines(ctx); err != nil {
		return nil, fmt.Errorf("deadlines: %w", err)
	}
	if report.Aging, err = m.tracker.GetAgingReport(ctx); err != nil {
		return nil, fmt.Errorf("aging: %w", err)
	}
	if report.Stale, err = m.tracker.CheckStaleClaims(ctx, m.config.StaleDays); err != nil {
		return nil, fmt.Errorf("stale claims: %w", err)
	}

	critical, warning := report.Counts()
	m.metrics.SetDeadlineAlerts(critical, warning)
	m.metrics.SetStaleClaims(len(report.Stale))
	for _, b := range report.Aging.Buckets {
		amount, _ := b.Amount.Float64()
		m.metrics.SetAgingBucket(b.Label, b.Count, amount)
	}
	m.metrics.ObserveSince("deadline_monitor", start)

	if m.sink != nil {
		if err := m.sink.Emit(ctx, report); err != nil {
			return report, fmt.Errorf("emit report: %w", err)
		}
	}
	return report, nil
}

// LogSink writes one log line per alert and stale claim.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs to l.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Emit(_ context.Context, r *Report) error {
	for _, a := range r.Deadlines {
		fields := []zap.Field{
			zap.String("claim_id", a.ClaimID),
			zap.String("claim_number", a.ClaimNumber),
			zap.String("payer_id", a.PayerID),
			zap.Time("deadline", a.Deadline),
			zap.Int("days_remaining", a.DaysRemaining),
		}
		if a.Severity == SeverityCritical {
			s.logger.Error("timely filing deadline passed", fields...)
		} else {
			s.logger.Warn("timely filing deadline approaching", fields...)
		}
	}
	for _, c := range r.Stale {
		s.logger.Warn("claim needs follow-up",
			zap.String("claim_id", c.ClaimID),
			zap.String("status", string(c.Status)),
			zap.Int("days_since_change", c.DaysSinceChange))
	}
	return nil
}

// Publisher publishes one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// StreamSink publishes each alert to the alerts topic keyed by claim id.
type StreamSink struct {
	pub   Publisher
	topic string
}

// NewStreamSink creates a sink publishing to topic, or AlertsTopic when empty.
func NewStreamSink(pub Publisher, topic string) *StreamSink {
	if topic == "" {
		topic = AlertsTopic
	}
	return &StreamSink{pub: pub, topic: topic}
}

func (s *StreamSink) Emit(ctx context.Context, r *Report) error {
	var errs []error
	for _, a := range r.Deadlines {
		body, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(ctx, s.topic, a.ClaimID, body); err != nil {
			errs = append(errs, fmt.Errorf("claim %s: %w", a.ClaimID, err))
		}
	}
	return errors.Join(errs...)
}

// MultiSink fans a report out to several sinks.
type MultiSink []AlertSink

func (ms MultiSink) Emit(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range ms {
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
