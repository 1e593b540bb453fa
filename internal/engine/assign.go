package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hperssn/modtrack/internal/domain"
	"github.com/hperssn/modtrack/internal/storage"
)

type AssignRequest struct {
	Category string
	Index    int
	Type     domain.SessionType
	// ClientID restricts the assignment to one client. Empty takes the
	// longest-waiting eligible client.
	ClientID string
	// DurationSec overrides the modality default when set.
	DurationSec *int
}

type AssignResult struct {
	StepID   string
	ClientID string
	Duration int
	// Retimed is set when the station was already running and only its
	// clock was restarted.
	Retimed bool
}

// Assign puts the next eligible PENDING step on the station, or restarts the
// clock of the step already running there.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (AssignResult, error) {
	if req.Type != domain.SessionMaintenance && req.Type != domain.SessionOptimization {
		err := reject(ReasonUnknownModalityOrType, "unknown session type %q", req.Type)
		e.observe("assign", err, 0)
		return AssignResult{}, err
	}
	if req.DurationSec != nil && *req.DurationSec <= 0 {
		err := reject(ReasonInvalidRequest, "duration must be positive")
		e.observe("assign", err, 0)
		return AssignResult{}, err
	}

	var res AssignResult
	err := e.mutate(ctx, "assign", func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error {
		res = AssignResult{}

		station, err := stationAt(ctx, tx, req.Category, req.Index)
		if err != nil {
			return err
		}
		modality, err := tx.Modality(ctx, station.ModalityID)
		if err != nil {
			return err
		}

		active, err := tx.ActiveStepAtStation(ctx, station.ID)
		switch {
		case err == nil:
			if req.ClientID != "" && req.ClientID != active.ClientID {
				return reject(ReasonClientAlreadyActive, "station %s is already running client %s", station, active.ClientID)
			}
			d, err := resolveDuration(modality, req)
			if err != nil {
				return err
			}
			if err := tx.RetimeStep(ctx, active.ID, req.Type, now, d); err != nil {
				return err
			}
			res = AssignResult{StepID: active.ID, ClientID: active.ClientID, Duration: d, Retimed: true}
			return record(ctx, tx, c, station.ID, active.ClientID, day)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if req.ClientID != "" {
			if err := checkClientFree(ctx, tx, req.ClientID); err != nil {
				return err
			}
		}

		d, err := resolveDuration(modality, req)
		if err != nil {
			return err
		}

		step, err := tx.NextPendingStep(ctx, storage.StepQuery{
			ModalityID: modality.ID,
			Day:        day,
			Type:       req.Type,
			ClientID:   req.ClientID,
		})
		if errors.Is(err, storage.ErrNotFound) {
			return reject(ReasonNoEligibleStep, "nobody is waiting for %s", modality.Name)
		}
		if err != nil {
			return err
		}

		if err := tx.ActivateStep(ctx, step.ID, station.ID, req.Type, now, d); err != nil {
			return err
		}
		if err := tx.SetStationStatus(ctx, station.ID, domain.StationInUse); err != nil {
			return err
		}

		res = AssignResult{StepID: step.ID, ClientID: step.ClientID, Duration: d}
		return record(ctx, tx, c, station.ID, step.ClientID, day)
	})
	if err != nil {
		return AssignResult{}, err
	}

	e.logger.Info("station assigned",
		"station", req.Category, "index", req.Index, "client", res.ClientID,
		"type", req.Type, "duration", res.Duration, "retimed", res.Retimed)
	return res, nil
}

func resolveDuration(m domain.Modality, req AssignRequest) (int, error) {
	if req.DurationSec != nil {
		return *req.DurationSec, nil
	}
	d, ok := m.DefaultDuration(req.Type)
	if !ok {
		return 0, reject(ReasonUnknownModalityOrType, "%s has no %s duration", m.Name, req.Type)
	}
	return int(d / time.Second), nil
}

// checkClientFree rejects unknown clients and clients already running a step.
func checkClientFree(ctx context.Context, tx *storage.Tx, clientID string) error {
	if _, err := tx.Client(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(ReasonClientNotFound, "client %s", clientID)
		}
		return err
	}
	_, err := tx.ActiveStepOfClient(ctx, clientID)
	switch {
	case err == nil:
		return reject(ReasonClientAlreadyActive, "client %s is on another station", clientID)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
}

func stationAt(ctx context.Context, tx *storage.Tx, category string, index int) (domain.Station, error) {
	station, err := tx.StationAt(ctx, category, index)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Station{}, reject(ReasonStationNotFound, "no station %s/%d", category, index)
	}
	return station, err
}

func record(ctx context.Context, tx *storage.Tx, c *changes, stationID, clientID, day string) error {
	if err := c.station(ctx, tx, stationID); err != nil {
		return err
	}
	if clientID == "" {
		return nil
	}
	return c.plan(ctx, tx, clientID, day)
}

// Release finishes whatever runs on the station and frees it. Releasing a
// free station succeeds.
func (e *Engine) Release(ctx context.Context, category string, index int) error {
	var clientID string
	err := e.mutate(ctx, "release", func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error {
		clientID = ""

		station, err := stationAt(ctx, tx, category, index)
		if err != nil {
			return err
		}

		active, err := tx.ActiveStepAtStation(ctx, station.ID)
		switch {
		case err == nil:
			if err := tx.FinishStep(ctx, active.ID, now); err != nil {
				return err
			}
			clientID = active.ClientID
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if err := tx.SetStationStatus(ctx, station.ID, domain.StationAvailable); err != nil {
			return err
		}
		return record(ctx, tx, c, station.ID, clientID, day)
	})
	if err != nil {
		return err
	}

	e.logger.Info("station released", "station", category, "index", index, "client", clientID)
	return nil
}

// ForceFinish ends every running step of the client's plan for today and
// frees their stations. A client without a plan today is left alone.
func (e *Engine) ForceFinish(ctx context.Context, clientID string) error {
	return e.mutate(ctx, "force_finish", func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error {
		session, err := todaySession(ctx, tx, clientID, day)
		if errors.Is(err, ErrPlanNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := finishSession(ctx, tx, session, now, c); err != nil {
			return err
		}
		return c.plan(ctx, tx, clientID, day)
	})
}

// TerminatePlan finishes the client's running steps and deletes today's plan
// in one commit. Terminating a plan that does not exist succeeds and only
// announces the removal.
func (e *Engine) TerminatePlan(ctx context.Context, clientID string) error {
	if clientID == "" {
		err := reject(ReasonInvalidRequest, "client id is required")
		e.observe("terminate", err, 0)
		return err
	}

	err := e.mutate(ctx, "terminate", func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error {
		c.removed = append(c.removed, clientID)

		session, err := tx.SessionOf(ctx, clientID, day)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := finishSession(ctx, tx, session, now, c); err != nil {
			return err
		}
		return tx.DeleteSession(ctx, session.ID)
	})
	if err != nil {
		return err
	}

	e.logger.Info("plan terminated", "client", clientID)
	return nil
}

func todaySession(ctx context.Context, tx *storage.Tx, clientID, day string) (domain.Session, error) {
	if _, err := tx.Client(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Session{}, reject(ReasonClientNotFound, "client %s", clientID)
		}
		return domain.Session{}, err
	}
	session, err := tx.SessionOf(ctx, clientID, day)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Session{}, reject(ReasonPlanNotFound, "client %s has no plan for %s", clientID, day)
	}
	return session, err
}

// finishSession moves the session's ACTIVE steps to DONE and frees their
// stations.
func finishSession(ctx context.Context, tx *storage.Tx, session domain.Session, now time.Time, c *changes) error {
	active, err := tx.ActiveStepsOfSession(ctx, session.ID)
	if err != nil {
		return err
	}
	for _, step := range active {
		if err := tx.FinishStep(ctx, step.ID, now); err != nil {
			return err
		}
		if err := tx.SetStationStatus(ctx, step.StationID, domain.StationAvailable); err != nil {
			return err
		}
		if err := c.station(ctx, tx, step.StationID); err != nil {
			return err
		}
	}
	return nil
}
