package claim

import (
	"context"
	"errors"
	"testing"
)

func TestTransitionTableCoversAllStatuses(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.IsValid() {
			t.Errorf("%s missing from transition table", s)
		}
	}
	if Status("bogus").IsValid() {
		t.Error("unknown status reported valid")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{StatusCancelled: true, StatusClosed: true}
	for _, s := range AllStatuses {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusSubmitted, true},
		{StatusDraft, StatusPaid, false},
		{StatusSubmitted, StatusAcknowledged, true},
		{StatusSubmitted, StatusPaid, false},
		{StatusAcknowledged, StatusPartiallyPaid, false},
		{StatusPending, StatusPartiallyPaid, true},
		{StatusPended, StatusPending, true},
		{StatusApprovedForPayment, StatusDenied, false},
		{StatusRejected, StatusResubmitted, true},
		{StatusResubmitted, StatusSubmitted, true},
		{StatusResubmitted, StatusAcknowledged, false},
		{StatusClosed, StatusAppealed, false},
		{StatusPaid, StatusPaid, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAllowedTransitionsReturnsCopy(t *testing.T) {
	next := StatusDraft.AllowedTransitions()
	next[0] = StatusClosed
	if !CanTransition(StatusDraft, StatusSubmitted) {
		t.Fatal("mutating the returned slice changed the table")
	}
}

// Every pair outside the table must fail through the engine and leave the
// stored claim as it was.
func TestUpdateStatusRejectsEveryPairOutsideTable(t *testing.T) {
	ctx := context.Background()
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if CanTransition(from, to) {
				continue
			}
			repo := NewMemoryRepository()
			c := newTestClaim("c-1", "CLM-1")
			c.Status = from
			if err := repo.Create(ctx, c); err != nil {
				t.Fatal(err)
			}
			engine := NewEngine(repo, nil, nil, nil)

			_, err := engine.UpdateStatus(ctx, "c-1", to, fullUpdate(), "user-1")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: err = %v, want invalid transition", from, to, err)
				continue
			}
			var de *Error
			if errors.As(err, &de) && (de.From != from || de.To != to) {
				t.Errorf("%s -> %s: error payload %s -> %s", from, to, de.From, de.To)
			}

			stored, _ := repo.FindByID(ctx, "c-1")
			if stored.Status != from || len(stored.StatusHistory) != 0 || stored.Version != 1 {
				t.Errorf("%s -> %s: claim modified: status=%s history=%d version=%d",
					from, to, stored.Status, len(stored.StatusHistory), stored.Version)
			}
		}
	}
}

func TestEventTopics(t *testing.T) {
	tests := map[EventType]string{
		EventClaimStatusChanged:      EventsTopic,
		EventPrimaryPaymentRecorded:  EventsTopic,
		EventSecondaryClaimGenerated: SecondaryClaimsTopic,
	}
	for et, want := range tests {
		if got := et.Topic(); got != want {
			t.Errorf("%s.Topic() = %s, want %s", et, got, want)
		}
	}
}
