package claim

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain failures. The set is closed; callers switch on it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindInvalidTransition
	KindValidation
	KindAlreadyExists
	KindConcurrentModification
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindValidation:
		return "validation"
	case KindAlreadyExists:
		return "already_exists"
	case KindConcurrentModification:
		return "concurrent_modification"
	default:
		return "unknown"
	}
}

// Error is the single domain error type. Payload fields are set depending on Kind.
type Error struct {
	Kind    ErrorKind
	ClaimID string
	From    Status
	To      Status
	Field   string
	Message string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidTransition:
		return fmt.Sprintf("claim %s: invalid transition %s -> %s", e.ClaimID, e.From, e.To)
	case KindValidation:
		if e.Field != "" {
			return fmt.Sprintf("claim %s: %s: %s", e.ClaimID, e.Field, e.Message)
		}
		return fmt.Sprintf("claim %s: %s", e.ClaimID, e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("claim %s: %s: %s", e.ClaimID, e.Kind, e.Message)
		}
		return fmt.Sprintf("claim %s: %s", e.ClaimID, e.Kind)
	}
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of payload.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrAlreadyExists          = &Error{Kind: KindAlreadyExists}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
)

// KindOf returns the domain kind of err, or KindUnknown for infrastructure errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func notFound(key, msg string) *Error {
	return &Error{Kind: KindNotFound, ClaimID: key, Message: msg}
}

func invalidTransition(id string, from, to Status) *Error {
	return &Error{Kind: KindInvalidTransition, ClaimID: id, From: from, To: to}
}

func validation(id, field, msg string) *Error {
	return &Error{Kind: KindValidation, ClaimID: id, Field: field, Message: msg}
}

// NewAlreadyExists reports a duplicate record or link.
func NewAlreadyExists(id, msg string) *Error {
	return &Error{Kind: KindAlreadyExists, ClaimID: id, Message: msg}
}

// NewValidationError reports a missing or malformed field.
func NewValidationError(id, field, msg string) *Error {
	return validation(id, field, msg)
}

func concurrentModification(id string) *Error {
	return &Error{Kind: KindConcurrentModification, ClaimID: id, Message: "claim was modified concurrently, re-read and retry"}
}
