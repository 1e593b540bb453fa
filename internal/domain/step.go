package domain

import (
	"fmt"
	"time"
)

type StepStatus string

const (
	StepPending StepStatus = "PENDING"
	StepActive  StepStatus = "ACTIVE"
	StepDone    StepStatus = "DONE"
)

func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepActive:
		return 1
	case StepDone:
		return 2
	default:
		panic(fmt.Sprintf("domain: unknown step status %q", string(s)))
	}
}

// CanAdvanceTo reports whether moving from s to next respects the forward-only
// PENDING -> ACTIVE -> DONE order. Skipping ACTIVE is allowed.
func (s StepStatus) CanAdvanceTo(next StepStatus) bool {
	return next.rank() > s.rank()
}

type SessionStep struct {
	ID         string
	SessionID  string
	ClientID   string
	ModalityID string
	Status     StepStatus
	StationID  string
	Kind       SessionType
	StartAt    time.Time
	EndAt      time.Time
	Duration   int
}

// Remaining is the countdown of an ACTIVE step in whole seconds: duration
// minus elapsed time since start. It goes negative once the step overruns.
// ok is false for steps that are not running.
func (s SessionStep) Remaining(now time.Time) (left int, ok bool) {
	if s.Status != StepActive || s.StartAt.IsZero() {
		return 0, false
	}
	elapsed := int(now.Sub(s.StartAt) / time.Second)
	return s.Duration - elapsed, true
}
