// Package metrics collects operational metrics for modtrack.
package metrics

import "time"

// Outcome labels for ObserveOperation.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector records engine, fan-out and relay activity.
type Collector interface {
	// ObserveOperation records one engine operation. result is an
	// Outcome* constant or, for rejections, the rejection reason.
	ObserveOperation(op, result string, d time.Duration)

	// ViewerConnected and ViewerDisconnected track live subscribers.
	ViewerConnected()
	ViewerDisconnected()

	// ViewerDropped counts subscribers cut off because they fell behind.
	ViewerDropped()

	EventPublished(name string)

	// RelayError counts NATS relay failures by stage (encode, publish, decode).
	RelayError(stage string)
}

// Nop discards all metrics.
type Nop struct{}

var _ Collector = Nop{}

func NewNop() Nop { return Nop{} }

func (Nop) ObserveOperation(string, string, time.Duration) {}
func (Nop) ViewerConnected()                               {}
func (Nop) ViewerDisconnected()                            {}
func (Nop) ViewerDropped()                                 {}
func (Nop) EventPublished(string)                          {}
func (Nop) RelayError(string)                              {}
