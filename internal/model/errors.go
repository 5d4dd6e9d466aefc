package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies domain failures so callers can branch with errors.Is.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindAlreadyRegistered      Kind = "already_registered"
	KindDuplicateIDCard        Kind = "duplicate_id_card"
	KindPendingConflict        Kind = "pending_conflict"
	KindInvalidOTP             Kind = "invalid_or_expired_otp"
	KindNoInventory            Kind = "no_inventory"
	KindTransportUnavailable   Kind = "transport_unavailable"
	KindRecipientNotRegistered Kind = "recipient_not_registered"
	KindTransport              Kind = "transport"
	KindInvalidArtifact        Kind = "invalid_table_artifact"
	KindTableRangeTaken        Kind = "table_range_taken"
	KindTransaction            Kind = "transaction"
	KindNotFound               Kind = "not_found"
	KindInvalidState           Kind = "invalid_state"
	KindEmptyCohort            Kind = "empty_cohort"
)

var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrAlreadyRegistered      = &Error{Kind: KindAlreadyRegistered}
	ErrDuplicateIDCard        = &Error{Kind: KindDuplicateIDCard}
	ErrPendingConflict        = &Error{Kind: KindPendingConflict}
	ErrInvalidOTP             = &Error{Kind: KindInvalidOTP}
	ErrNoInventory            = &Error{Kind: KindNoInventory}
	ErrTransportUnavailable   = &Error{Kind: KindTransportUnavailable}
	ErrRecipientNotRegistered = &Error{Kind: KindRecipientNotRegistered}
	ErrTransport              = &Error{Kind: KindTransport}
	ErrInvalidArtifact        = &Error{Kind: KindInvalidArtifact}
	ErrTableRangeTaken        = &Error{Kind: KindTableRangeTaken}
	ErrTransaction            = &Error{Kind: KindTransaction}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrEmptyCohort            = &Error{Kind: KindEmptyCohort}
)

// Error is the single error type surfaced by the domain services.
// Fields carries per-field detail (validation problems, the conflicting
// attribute of a registration conflict).
type Error struct {
	Kind   Kind
	Detail string
	Fields map[string]string
	Err    error
}

func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) WithField(name, problem string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = problem
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind only, so errors.Is(err, ErrNoInventory) works for any
// detail or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RejectedArtifact is wrapped by KindInvalidArtifact errors and carries the
// classifier verdict back to the caller.
type RejectedArtifact struct {
	Classification Classification
}

func (r *RejectedArtifact) Error() string {
	return fmt.Sprintf("document rejected (confidence %.2f, matched %v)",
		r.Classification.Confidence, r.Classification.MatchedKeywords)
}
