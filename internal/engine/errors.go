package engine

import (
	"errors"
	"fmt"
)

// Reason names why an operation was rejected. The set is closed.
type Reason string

const (
	ReasonStationNotFound       Reason = "StationNotFound"
	ReasonUnknownModalityOrType Reason = "UnknownModalityOrType"
	ReasonClientAlreadyActive   Reason = "ClientAlreadyActive"
	ReasonNoEligibleStep        Reason = "NoEligibleStep"
	ReasonClientNotFound        Reason = "ClientNotFound"
	ReasonPlanNotFound          Reason = "PlanNotFound"
	ReasonInvalidRequest        Reason = "InvalidRequest"
)

// RejectError is a business rejection: the request was understood and
// refused, and nothing was written.
type RejectError struct {
	Reason  Reason
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

// Is matches any RejectError with the same reason, so callers can test
// against the Err* sentinels.
func (e *RejectError) Is(target error) bool {
	t, ok := target.(*RejectError)
	return ok && t.Reason == e.Reason
}

var (
	ErrStationNotFound       = &RejectError{Reason: ReasonStationNotFound}
	ErrUnknownModalityOrType = &RejectError{Reason: ReasonUnknownModalityOrType}
	ErrClientAlreadyActive   = &RejectError{Reason: ReasonClientAlreadyActive}
	ErrNoEligibleStep        = &RejectError{Reason: ReasonNoEligibleStep}
	ErrClientNotFound        = &RejectError{Reason: ReasonClientNotFound}
	ErrPlanNotFound          = &RejectError{Reason: ReasonPlanNotFound}
	ErrInvalidRequest        = &RejectError{Reason: ReasonInvalidRequest}
)

func reject(reason Reason, format string, args ...any) error {
	return &RejectError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// RejectionOf returns the rejection carried by err, if any.
func RejectionOf(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Ack is the transport result of a mutation.
type Ack struct {
	OK      bool   `json:"ok"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// AckFor converts an operation outcome into an Ack. Errors that are not
// rejections are reported without detail.
func AckFor(err error) Ack {
	if err == nil {
		return Ack{OK: true}
	}
	if re, ok := RejectionOf(err); ok {
		return Ack{Reason: re.Reason, Message: re.Message}
	}
	return Ack{Message: "internal error"}
}
