package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func tasks(n int) []*Task {
	out := make([]*Task, n)
	for i := range out {
		out[i] = &Task{ID: fmt.Sprintf("t-%d", i), Payload: i}
	}
	return out
}

func TestRunReturnsResultsInTaskOrder(t *testing.T) {
	p, err := New(Config{Workers: 4}, func(_ context.Context, task *Task) *Result {
		n := task.Payload.(int)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return &Result{Success: true, Data: n * n}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	results := p.Run(context.Background(), tasks(10))
	for i, r := range results {
		if r.TaskID != fmt.Sprintf("t-%d", i) || r.Data.(int) != i*i {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if s := p.Stats(); s.TasksCompleted != 10 || s.TasksFailed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunIsolatesFailuresAndPanics(t *testing.T) {
	p, _ := New(Config{Workers: 2}, func(_ context.Context, task *Task) *Result {
		switch task.Payload.(int) {
		case 1:
			return &Result{Error: errors.New("not ready")}
		case 2:
			panic("boom")
		}
		return &Result{Success: true}
	}, nil)

	results := p.Run(context.Background(), tasks(4))
	want := []bool{true, false, false, true}
	for i, r := range results {
		if r.Success != want[i] {
			t.Errorf("task %d success = %v, want %v (%v)", i, r.Success, want[i], r.Error)
		}
	}
	if results[2].Error == nil {
		t.Error("panic not reported")
	}
	if s := p.Stats(); s.TasksPanicked != 1 || s.TasksFailed != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunRetriesOnlyRetryable(t *testing.T) {
	var calls int64
	p, _ := New(Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(_ context.Context, task *Task) *Result {
		n := atomic.AddInt64(&calls, 1)
		if task.ID == "t-0" && n < 3 {
			return &Result{Retryable: true, Error: errors.New("conflict")}
		}
		if task.ID == "t-1" {
			return &Result{Error: errors.New("permanent")}
		}
		return &Result{Success: true}
	}, nil)

	results := p.Run(context.Background(), tasks(2))
	if !results[0].Success {
		t.Errorf("retryable task failed: %v", results[0].Error)
	}
	if results[1].Success {
		t.Error("permanent failure succeeded")
	}
	if got := atomic.LoadInt64(&calls); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _ := New(Config{Workers: 1}, func(context.Context, *Task) *Result {
		return &Result{Success: true}
	}, nil)

	for i, r := range p.Run(ctx, tasks(3)) {
		if r.Success || !errors.Is(r.Error, context.Canceled) {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error")
	}
}
