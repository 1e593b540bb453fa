// Package engine implements the assignment operations of the station board:
// putting waiting clients on stations, finishing and retiming their steps,
// and maintaining the day's plans. Every operation is one store transaction
// and its effects are broadcast only after the commit succeeds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hperssn/modtrack/internal/broadcast"
	"github.com/hperssn/modtrack/internal/clock"
	"github.com/hperssn/modtrack/internal/domain"
	"github.com/hperssn/modtrack/internal/logging"
	"github.com/hperssn/modtrack/internal/metrics"
	"github.com/hperssn/modtrack/internal/storage"
	"github.com/hperssn/modtrack/internal/view"
)

type Engine struct {
	repo    storage.Repository
	pub     broadcast.Publisher
	clock   clock.Clock
	loc     *time.Location
	logger  logging.Logger
	metrics metrics.Collector
}

func New(repo storage.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		pub:     broadcast.Discard,
		clock:   clock.Real(),
		loc:     time.Local,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today returns the day key of the current calendar day.
func (e *Engine) Today() string {
	return domain.DayKey(e.clock.Now(), e.loc)
}

type mutation func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error

// mutate runs fn in one store transaction and publishes what it recorded
// once the commit succeeded. fn may run more than once.
func (e *Engine) mutate(ctx context.Context, op string, fn mutation) error {
	started := time.Now()

	var (
		c   *changes
		now time.Time
	)
	rev, err := e.repo.Update(ctx, func(tx *storage.Tx) error {
		c = &changes{}
		now = e.clock.Now()
		return fn(ctx, tx, now, domain.DayKey(now, e.loc), c)
	})
	e.observe(op, err, time.Since(started))
	if err != nil {
		return err
	}

	for _, ev := range c.events(rev, now) {
		e.pub.Publish(ev)
	}
	return nil
}

func (e *Engine) observe(op string, err error, d time.Duration) {
	result := metrics.OutcomeOK
	if re, ok := RejectionOf(err); ok {
		result = string(re.Reason)
		e.logger.Info("operation rejected", "op", op, "reason", re.Reason, "message", re.Message)
	} else if err != nil {
		result = metrics.OutcomeError
		e.logger.Error("operation failed", "op", op, "error", err)
	}
	e.metrics.ObserveOperation(op, result, d)
}

// changes collects, inside a transaction, the post-mutation state that has
// to be broadcast.
type changes struct {
	stations []storage.OccupancyRecord
	plans    []storage.PlanRecord
	removed  []string
	list     []storage.PlanRecord
	listed   bool
}

func (c *changes) station(ctx context.Context, tx *storage.Tx, stationID string) error {
	rec, err := tx.StationOccupancy(ctx, stationID)
	if err != nil {
		return err
	}
	c.stations = append(c.stations, rec)
	return nil
}

// plan records the client's plan for day; a client without a plan that day
// has nothing to show.
func (c *changes) plan(ctx context.Context, tx *storage.Tx, clientID, day string) error {
	rec, err := tx.Plan(ctx, clientID, day)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.plans = append(c.plans, rec)
	return nil
}

func (c *changes) planList(ctx context.Context, tx *storage.Tx, day string) error {
	recs, err := tx.Plans(ctx, day)
	if err != nil {
		return err
	}
	c.list = recs
	c.listed = true
	return nil
}

func (c *changes) events(rev int64, now time.Time) []broadcast.Event {
	events := make([]broadcast.Event, 0, len(c.stations)+len(c.plans)+len(c.removed)+1)
	for _, s := range c.stations {
		events = append(events, broadcast.StationUpdate{
			Rev:      rev,
			Category: s.Station.Category,
			Index:    s.Station.Index,
			Data:     view.OccupantOf(s),
		})
	}
	if c.listed {
		events = append(events, broadcast.PlanList{Rev: rev, Plans: view.Plans(c.list, now)})
	}
	for _, p := range c.plans {
		events = append(events, broadcast.PlanUpdate{Rev: rev, Plan: view.PlanOf(p, now)})
	}
	for _, id := range c.removed {
		events = append(events, broadcast.PlanRemove{Rev: rev, ClientID: id})
	}
	return events
}

// Resync returns the full board at a single revision: today's plans and
// every station. Viewers apply it on connect.
func (e *Engine) Resync(ctx context.Context) (broadcast.PlanList, broadcast.StationBatch, error) {
	var (
		plans     []storage.PlanRecord
		occupancy []storage.OccupancyRecord
		now       time.Time
	)
	rev, err := e.repo.View(ctx, func(tx *storage.Tx) error {
		now = e.clock.Now()
		var err error
		if plans, err = tx.Plans(ctx, domain.DayKey(now, e.loc)); err != nil {
			return err
		}
		occupancy, err = tx.Occupancy(ctx)
		return err
	})
	if err != nil {
		return broadcast.PlanList{}, broadcast.StationBatch{}, fmt.Errorf("resync: %w", err)
	}
	return broadcast.PlanList{Rev: rev, Plans: view.Plans(plans, now)},
		broadcast.StationBatch{Rev: rev, Stations: view.Stations(occupancy)},
		nil
}

// TodayPlans returns today's plans in queue order.
func (e *Engine) TodayPlans(ctx context.Context) ([]view.Plan, error) {
	list, _, err := e.Resync(ctx)
	if err != nil {
		return nil, err
	}
	return list.Plans, nil
}

func (e *Engine) Stations(ctx context.Context) (view.StationMap, error) {
	_, batch, err := e.Resync(ctx)
	if err != nil {
		return nil, err
	}
	return batch.Stations, nil
}

// ModalitySpec describes one modality and its stations for provisioning.
type ModalitySpec struct {
	Name         string
	Stations     int
	Maintenance  time.Duration
	Optimization time.Duration
}

// Provision creates or refreshes the modality catalogue and its stations.
// Existing stations keep their status and occupant.
func (e *Engine) Provision(ctx context.Context, specs []ModalitySpec) error {
	_, err := e.repo.Update(ctx, func(tx *storage.Tx) error {
		for _, s := range specs {
			m, err := tx.UpsertModality(ctx, s.Name, s.Maintenance, s.Optimization)
			if err != nil {
				return err
			}
			for i := 0; i < s.Stations; i++ {
				if err := tx.EnsureStation(ctx, m.ID, s.Name, i); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	e.logger.Info("registry provisioned", "modalities", len(specs))
	return nil
}

// CheckInvariants verifies the stored board: one ACTIVE step per station and
// per client, and a station is IN_USE exactly when it holds an ACTIVE step.
func (e *Engine) CheckInvariants(ctx context.Context) error {
	var (
		stations []domain.Station
		steps    []domain.SessionStep
	)
	_, err := e.repo.View(ctx, func(tx *storage.Tx) error {
		var err error
		if stations, err = tx.Stations(ctx); err != nil {
			return err
		}
		steps, err = tx.Steps(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("check invariants: %w", err)
	}

	var errs []error
	byStation := make(map[string]int)
	byClient := make(map[string]int)
	for _, s := range steps {
		if s.Status != domain.StepActive {
			continue
		}
		if s.StationID == "" || s.StartAt.IsZero() {
			errs = append(errs, fmt.Errorf("active step %s has no station or start", s.ID))
		}
		byStation[s.StationID]++
		byClient[s.ClientID]++
	}
	for client, n := range byClient {
		if n > 1 {
			errs = append(errs, fmt.Errorf("client %s has %d active steps", client, n))
		}
	}
	for _, st := range stations {
		n := byStation[st.ID]
		switch {
		case n > 1:
			errs = append(errs, fmt.Errorf("station %s has %d active steps", st, n))
		case n == 1 && st.Status != domain.StationInUse:
			errs = append(errs, fmt.Errorf("station %s runs a step but is %s", st, st.Status))
		case n == 0 && st.Status != domain.StationAvailable:
			errs = append(errs, fmt.Errorf("station %s is %s without a step", st, st.Status))
		}
	}
	return errors.Join(errs...)
}
