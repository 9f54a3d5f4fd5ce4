package deadline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/observability/metrics"
)

type recordingSink struct {
	reports chan *Report
}

func (s *recordingSink) Emit(_ context.Context, r *Report) error {
	s.reports <- r
	return nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
}

func (l *fakeLocker) TryLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

type memPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *memPublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[topic] = append(p.msgs[topic], value)
	return nil
}

func TestMonitorRunOnce(t *testing.T) {
	repo := newRepo(t,
		seed{id: "late", status: claim.StatusPending, daysAgo: 95, limit: 90, charges: "40", lastEntry: 3},
		seed{id: "soon", status: claim.StatusUnderReview, daysAgo: 80, limit: 90, lastEntry: 2},
		seed{id: "stale", status: claim.StatusAcknowledged, daysAgo: 35, limit: 365},
	)
	clock := clockwork.NewFakeClockAt(testNow)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	pub := &memPublisher{}
	sink := MultiSink{NewLogSink(nil), NewStreamSink(pub, "")}

	mon := NewMonitor(NewTracker(repo, clock), sink, &fakeLocker{}, MonitorConfig{}, m, nil)
	report, err := mon.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	critical, warning := report.Counts()
	if critical != 1 || warning != 1 {
		t.Errorf("counts = %d critical, %d warning", critical, warning)
	}
	if len(report.Stale) != 1 || report.Stale[0].ClaimID != "stale" {
		t.Errorf("stale = %+v", report.Stale)
	}
	if got := testutil.ToFloat64(m.DeadlineAlerts.WithLabelValues("critical")); got != 1 {
		t.Errorf("critical gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.StaleClaims); got != 1 {
		t.Errorf("stale gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.AgingClaims.WithLabelValues("91-120")); got != 1 {
		t.Errorf("91-120 bucket gauge = %v", got)
	}

	published := pub.msgs[AlertsTopic]
	if len(published) != 2 {
		t.Fatalf("published %d alerts, want 2", len(published))
	}
	var first Alert
	if err := json.Unmarshal(published[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.ClaimID != "late" || first.Severity != SeverityCritical {
		t.Errorf("first published alert = %+v", first)
	}
}

func TestMonitorSkipsWhenNotLeader(t *testing.T) {
	repo := newRepo(t)
	locker := &fakeLocker{held: true}
	mon := NewMonitor(NewTracker(repo, clockwork.NewFakeClockAt(testNow)), nil, locker, MonitorConfig{}, nil, nil)

	if _, err := mon.RunOnce(context.Background()); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
	if locker.acquired != 0 {
		t.Error("lock acquired while held elsewhere")
	}
}

func TestMonitorRunTicksOnClockAndStops(t *testing.T) {
	repo := newRepo(t, seed{id: "late", status: claim.StatusPending, daysAgo: 100})
	clock := clockwork.NewFakeClockAt(testNow)
	sink := &recordingSink{reports: make(chan *Report, 4)}
	mon := NewMonitor(NewTracker(repo, clock), sink, nil, MonitorConfig{Interval: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	wait := func() *Report {
		t.Helper()
		select {
		case r := <-sink.reports:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("no report emitted")
			return nil
		}
	}

	first := wait()
	if !first.GeneratedAt.Equal(testNow) {
		t.Errorf("first report at %v", first.GeneratedAt)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	second := wait()
	if !second.GeneratedAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("second report at %v", second.GeneratedAt)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
