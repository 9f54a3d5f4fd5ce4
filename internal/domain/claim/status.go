package claim

// Status is the claim lifecycle state.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusSubmitted          Status = "submitted"
	StatusAcknowledged       Status = "acknowledged"
	StatusPending            Status = "pending"
	StatusUnderReview        Status = "under_review"
	StatusPended             Status = "pended"
	StatusApprovedForPayment Status = "approved_for_payment"
	StatusPaid               Status = "paid"
	StatusPartiallyPaid      Status = "partially_paid"
	StatusDenied             Status = "denied"
	StatusRejected           Status = "rejected"
	StatusAppealed           Status = "appealed"
	StatusResubmitted        Status = "resubmitted"
	StatusCancelled          Status = "cancelled"
	StatusClosed             Status = "closed"
)

// AllStatuses lists every lifecycle state in table order.
var AllStatuses = []Status{
	StatusDraft, StatusSubmitted, StatusAcknowledged, StatusPending, StatusUnderReview,
	StatusPended, StatusApprovedForPayment, StatusPaid, StatusPartiallyPaid, StatusDenied,
	StatusRejected, StatusAppealed, StatusResubmitted, StatusCancelled, StatusClosed,
}

var transitions = map[Status][]Status{
	StatusDraft:              {StatusSubmitted, StatusCancelled},
	StatusSubmitted:          {StatusAcknowledged, StatusRejected, StatusCancelled},
	StatusAcknowledged:       {StatusPending, StatusUnderReview, StatusPended, StatusDenied, StatusPaid},
	StatusPending:            {StatusUnderReview, StatusPended, StatusDenied, StatusPaid, StatusPartiallyPaid},
	StatusUnderReview:        {StatusPended, StatusApprovedForPayment, StatusDenied, StatusPaid, StatusPartiallyPaid},
	StatusPended:             {StatusUnderReview, StatusPending, StatusDenied, StatusPaid},
	StatusApprovedForPayment: {StatusPaid, StatusPartiallyPaid},
	StatusPaid:               {StatusClosed, StatusAppealed},
	StatusPartiallyPaid:      {StatusPaid, StatusAppealed, StatusClosed},
	StatusDenied:             {StatusAppealed, StatusClosed},
	StatusRejected:           {StatusResubmitted, StatusClosed},
	StatusAppealed:           {StatusUnderReview, StatusPaid, StatusPartiallyPaid, StatusDenied, StatusClosed},
	StatusResubmitted:        {StatusSubmitted},
	StatusCancelled:          nil,
	StatusClosed:             nil,
}

// IsValid reports whether s is a known lifecycle state.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// AllowedTransitions returns a copy of the statuses reachable from s.
func (s Status) AllowedTransitions() []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OpenStatuses are claims still awaiting payer adjudication; they feed the aging report.
var OpenStatuses = []Status{
	StatusSubmitted, StatusAcknowledged, StatusPending, StatusUnderReview,
	StatusPended, StatusApprovedForPayment, StatusAppealed, StatusResubmitted,
}

// FollowUpStatuses are the states checked for stale claims.
var FollowUpStatuses = []Status{
	StatusPending, StatusUnderReview, StatusPended, StatusAcknowledged,
}

// SubmissionStatus tracks clearinghouse transit independently of Status.
type SubmissionStatus string

const (
	SubmissionNotSubmitted SubmissionStatus = "not_submitted"
	SubmissionQueued       SubmissionStatus = "queued"
	SubmissionTransmitted  SubmissionStatus = "transmitted"
	SubmissionAccepted     SubmissionStatus = "accepted"
	SubmissionRejected     SubmissionStatus = "rejected"
)
