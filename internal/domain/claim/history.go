package claim

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where a status change originated.
type Source string

const (
	SourceManual Source = "manual"
	SourceEDI277 Source = "edi_277"
	SourcePortal Source = "portal"
	SourceAPI    Source = "api"
)

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceManual, SourceEDI277, SourcePortal, SourceAPI:
		return true
	}
	return false
}

// StatusHistoryEntry is one immutable row of the status ledger. ChangedBy is nil
// for system-originated changes.
type StatusHistoryEntry struct {
	ID             string         `json:"id"`
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previous_status"`
	ChangedAt      time.Time      `json:"changed_at"`
	ChangedBy      *string        `json:"changed_by"`
	Reason         string         `json:"reason,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Source         Source         `json:"source"`
	StatusCode     *int           `json:"status_code,omitempty"`
	Payment        *PaymentDetail `json:"payment,omitempty"`
	Denial         *DenialDetail  `json:"denial,omitempty"`
	Pend           *PendDetail    `json:"pend,omitempty"`
}

// PaymentDetail is recorded on entry into paid or partially_paid.
type PaymentDetail struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        *time.Time      `json:"date,omitempty"`
	CheckNumber string          `json:"check_number,omitempty"`
	ERANumber   string          `json:"era_number,omitempty"`
}

// DenialDetail is recorded on entry into denied or rejected.
type DenialDetail struct {
	Reason     string `json:"reason"`
	Code       string `json:"code,omitempty"`
	Appealable bool   `json:"appealable"`
}

// PendDetail is recorded on entry into pended.
type PendDetail struct {
	Reason           string     `json:"reason"`
	RequestedInfo    string     `json:"requested_info,omitempty"`
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
}

func (e StatusHistoryEntry) clone() StatusHistoryEntry {
	out := e
	if e.ChangedBy != nil {
		v := *e.ChangedBy
		out.ChangedBy = &v
	}
	if e.StatusCode != nil {
		v := *e.StatusCode
		out.StatusCode = &v
	}
	if e.Payment != nil {
		p := *e.Payment
		p.Date = cloneTime(e.Payment.Date)
		out.Payment = &p
	}
	if e.Denial != nil {
		d := *e.Denial
		out.Denial = &d
	}
	if e.Pend != nil {
		p := *e.Pend
		p.ResponseDeadline = cloneTime(e.Pend.ResponseDeadline)
		out.Pend = &p
	}
	return out
}

// StatusUpdate carries the caller-supplied data for a transition. Only the
// fields relevant to the target status are copied into the history entry.
type StatusUpdate struct {
	Reason     string `json:"reason,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Source     Source `json:"source,omitempty"`
	StatusCode *int   `json:"status_code,omitempty"`

	PaymentAmount *decimal.Decimal `json:"payment_amount,omitempty"`
	PaymentDate   *time.Time       `json:"payment_date,omitempty"`
	CheckNumber   string           `json:"check_number,omitempty"`
	ERANumber     string           `json:"era_number,omitempty"`

	DenialReason string `json:"denial_reason,omitempty"`
	DenialCode   string `json:"denial_code,omitempty"`
	Appealable   *bool  `json:"appealable,omitempty"`

	PendReason       string     `json:"pend_reason,omitempty"`
	RequestedInfo    string     `json:"requested_info,omitempty"`
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
}

func (u StatusUpdate) validate(claimID string, to Status) error {
	if u.Source != "" && !u.Source.IsValid() {
		return validation(claimID, "source", fmt.Sprintf("unknown source %q", u.Source))
	}
	switch to {
	case StatusDenied, StatusRejected:
		if u.DenialReason == "" {
			return validation(claimID, "denial_reason", fmt.Sprintf("required when entering %s", to))
		}
	case StatusPended:
		if u.PendReason == "" {
			return validation(claimID, "pend_reason", "required when entering pended")
		}
	case StatusPaid, StatusPartiallyPaid:
		if u.PaymentAmount != nil && u.PaymentAmount.IsNegative() {
			return validation(claimID, "payment_amount", "must not be negative")
		}
	}
	return nil
}

// ReplayStatus walks a history ledger from draft and returns the resulting
// status. It fails on the first entry that is not a legal transition or whose
// previous status does not match the running state.
func ReplayStatus(history []StatusHistoryEntry) (Status, error) {
	current := StatusDraft
	for i, e := range history {
		if e.PreviousStatus != current {
			return current, fmt.Errorf("entry %d: previous status %s, expected %s", i, e.PreviousStatus, current)
		}
		if !CanTransition(current, e.Status) {
			return current, fmt.Errorf("entry %d: %s -> %s not allowed", i, current, e.Status)
		}
		current = e.Status
	}
	return current, nil
}

// CheckLedger verifies that a non-empty ledger replays to the claim's status.
// A claim created without a ledger is a baseline in its current status, as
// for claims imported from another system; replay covers only the entries
// recorded after that.
func (c *Claim) CheckLedger() error {
	if len(c.StatusHistory) == 0 {
		return nil
	}
	got, err := ReplayStatus(c.StatusHistory)
	if err != nil {
		return validation(c.ID, "status_history", err.Error())
	}
	if got != c.Status {
		return validation(c.ID, "status_history", fmt.Sprintf("ledger ends in %s but claim status is %s", got, c.Status))
	}
	return nil
}

// TimelineEntry is the dwell period of a claim in one status.
type TimelineEntry struct {
	Status    Status        `json:"status"`
	EnteredAt time.Time     `json:"entered_at"`
	ExitedAt  *time.Time    `json:"exited_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	ChangedBy *string       `json:"changed_by"`
	Source    Source        `json:"source,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Timeline is a display view derived from the history ledger.
type Timeline struct {
	ClaimID       string          `json:"claim_id"`
	ClaimNumber   string          `json:"claim_number"`
	CurrentStatus Status          `json:"current_status"`
	Entries       []TimelineEntry `json:"entries"`
	TotalElapsed  time.Duration   `json:"total_elapsed"`
}

// BuildTimeline derives dwell periods. The open period of the current status
// is measured up to now.
func BuildTimeline(c *Claim, now time.Time) *Timeline {
	t := &Timeline{ClaimID: c.ID, ClaimNumber: c.ClaimNumber, CurrentStatus: c.Status}

	if !c.CreatedAt.IsZero() {
		t.Entries = append(t.Entries, TimelineEntry{Status: StatusDraft, EnteredAt: c.CreatedAt})
	}
	for _, e := range c.StatusHistory {
		if n := len(t.Entries); n > 0 {
			exited := e.ChangedAt
			t.Entries[n-1].ExitedAt = &exited
			t.Entries[n-1].Duration = exited.Sub(t.Entries[n-1].EnteredAt)
		}
		t.Entries = append(t.Entries, TimelineEntry{
			Status:    e.Status,
			EnteredAt: e.ChangedAt,
			ChangedBy: e.ChangedBy,
			Source:    e.Source,
			Reason:    e.Reason,
		})
	}
	if n := len(t.Entries); n > 0 {
		last := &t.Entries[n-1]
		if !c.Status.IsTerminal() {
			last.Duration = now.Sub(last.EnteredAt)
		}
		end := now
		if c.Status.IsTerminal() {
			end = last.EnteredAt
		}
		t.TotalElapsed = end.Sub(t.Entries[0].EnteredAt)
	}
	return t
}
