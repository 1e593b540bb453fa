package domain

import (
	"fmt"
	"strings"
	"time"
)

// SessionType selects which default duration a modality applies.
type SessionType string

const (
	SessionMaintenance  SessionType = "MT"
	SessionOptimization SessionType = "OP"
)

func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(strings.ToUpper(strings.TrimSpace(s))) {
	case SessionMaintenance:
		return SessionMaintenance, nil
	case SessionOptimization:
		return SessionOptimization, nil
	}
	return "", fmt.Errorf("unknown session type %q", s)
}

type Modality struct {
	ID           string
	Name         string
	Maintenance  time.Duration
	Optimization time.Duration
}

// DefaultDuration returns the configured duration for the session type, or
// false when the modality has none.
func (m Modality) DefaultDuration(t SessionType) (time.Duration, bool) {
	var d time.Duration
	switch t {
	case SessionMaintenance:
		d = m.Maintenance
	case SessionOptimization:
		d = m.Optimization
	}
	return d, d > 0
}
