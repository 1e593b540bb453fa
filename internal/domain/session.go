package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode restricts which session types may activate a plan's steps.
// ModeUnspecified accepts either.
type Mode string

const (
	ModeMaintenance  Mode = "MT"
	ModeOptimization Mode = "OP"
	ModeUnspecified  Mode = "UNSPEC"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeMaintenance:
		return ModeMaintenance, nil
	case ModeOptimization:
		return ModeOptimization, nil
	case ModeUnspecified, "":
		return ModeUnspecified, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Accepts reports whether a step of a session in this mode may be activated
// for the given session type.
func (m Mode) Accepts(t SessionType) bool {
	return m == ModeUnspecified || string(m) == string(t)
}

// DayLayout is the format of a Session day key.
const DayLayout = "2006-01-02"

// DayKey returns the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

type Session struct {
	ID        string
	ClientID  string
	Day       string
	Mode      Mode
	Note      string
	Seq       int64
	CreatedAt time.Time
}
