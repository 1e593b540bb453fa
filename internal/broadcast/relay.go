package broadcast

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hperssn/modtrack/internal/logging"
	"github.com/hperssn/modtrack/internal/metrics"
)

// NATSRelay shares events between server instances that use the same
// database. Events published locally are sent to <subject>.<event name>;
// events received from other instances are handed to the local publisher.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
	origin  string
	local   Publisher
	logger  logging.Logger
	metrics metrics.Collector

	sub *nats.Subscription
}

func NewNATSRelay(nc *nats.Conn, subject string, local Publisher, logger logging.Logger, m metrics.Collector) (*NATSRelay, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("relay subject is required")
	}
	if local == nil {
		local = Discard
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &NATSRelay{
		nc:      nc,
		subject: subject,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger,
		metrics: m,
	}, nil
}

// Origin identifies this instance in relayed envelopes.
func (r *NATSRelay) Origin() string { return r.origin }

// Publish sends ev to the other instances. Failures are logged; viewers
// of other instances recover on their next resync.
func (r *NATSRelay) Publish(ev Event) {
	data, err := encodeEnvelope(r.origin, ev)
	if err != nil {
		r.metrics.RelayError("encode")
		r.logger.Error("relay encode failed", "event", ev.Name(), "error", err)
		return
	}
	if err := r.nc.Publish(r.subject+"."+ev.Name(), data); err != nil {
		r.metrics.RelayError("publish")
		r.logger.Error("relay publish failed", "event", ev.Name(), "error", err)
	}
}

// Start subscribes to events from other instances.
func (r *NATSRelay) Start() error {
	if r.sub != nil {
		return errors.New("relay already started")
	}
	sub, err := r.nc.Subscribe(r.subject+".>", r.receive)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	r.logger.Info("relay started", "subject", r.subject, "origin", r.origin)
	return nil
}

func (r *NATSRelay) receive(msg *nats.Msg) {
	origin, ev, err := decodeEnvelope(msg.Data)
	if err != nil {
		r.metrics.RelayError("decode")
		r.logger.Warn("relay dropped message", "subject", msg.Subject, "error", err)
		return
	}
	if origin == r.origin {
		return
	}
	r.local.Publish(ev)
}

// Close stops receiving. The connection stays open.
func (r *NATSRelay) Close() error {
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}
