package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hperssn/modtrack/internal/domain"
	"github.com/hperssn/modtrack/internal/storage"
	"github.com/hperssn/modtrack/internal/view"
)

type ClientResult struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
}

// CreateClient returns the client with the given name, creating it on first
// use.
func (e *Engine) CreateClient(ctx context.Context, firstName, lastInitial string) (ClientResult, error) {
	first, last, err := domain.NormalizeClientName(firstName, lastInitial)
	if err != nil {
		err = reject(ReasonInvalidRequest, "%v", err)
		e.observe("create_client", err, 0)
		return ClientResult{}, err
	}

	var res ClientResult
	err = e.mutate(ctx, "create_client", func(ctx context.Context, tx *storage.Tx, now time.Time, _ string, _ *changes) error {
		c, err := tx.UpsertClient(ctx, first, last, now)
		if err != nil {
			return err
		}
		res = ClientResult{ClientID: c.ID, Name: c.DisplayName()}
		return nil
	})
	return res, err
}

type PlanRequest struct {
	ClientID   string
	Modalities []string
	// Mode is MT, OP, UNSPEC or empty for UNSPEC.
	Mode string
	Note string
}

// CreateOrUpdatePlan creates the client's plan for today or updates its mode
// and note. Listed modalities are added as PENDING steps; ones the plan
// already has and unknown names are skipped.
func (e *Engine) CreateOrUpdatePlan(ctx context.Context, req PlanRequest) (view.Plan, error) {
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		err = reject(ReasonInvalidRequest, "%v", err)
		e.observe("upsert_plan", err, 0)
		return view.Plan{}, err
	}

	var plan view.Plan
	err = e.mutate(ctx, "upsert_plan", func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error {
		if _, err := tx.Client(ctx, req.ClientID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return reject(ReasonClientNotFound, "client %s", req.ClientID)
			}
			return err
		}

		session, err := tx.UpsertSession(ctx, req.ClientID, day, mode, req.Note, now)
		if err != nil {
			return err
		}
		if err := e.addSteps(ctx, tx, session, req.Modalities); err != nil {
			return err
		}

		if err := c.planList(ctx, tx, day); err != nil {
			return err
		}
		if err := c.plan(ctx, tx, req.ClientID, day); err != nil {
			return err
		}
		if len(c.plans) == 1 {
			plan = view.PlanOf(c.plans[0], now)
		}
		return nil
	})
	return plan, err
}

type PatchRequest struct {
	ClientID string
	Add      []string
	// Remove drops steps that are still PENDING; started ones are kept.
	Remove []string
	// Note replaces the plan note when non-nil.
	Note *string
}

// PatchPlan edits today's existing plan.
func (e *Engine) PatchPlan(ctx context.Context, req PatchRequest) (view.Plan, error) {
	var plan view.Plan
	err := e.mutate(ctx, "patch_plan", func(ctx context.Context, tx *storage.Tx, now time.Time, day string, c *changes) error {
		session, err := todaySession(ctx, tx, req.ClientID, day)
		if err != nil {
			return err
		}

		if req.Note != nil {
			if err := tx.SetSessionNote(ctx, session.ID, *req.Note); err != nil {
				return err
			}
		}
		for _, name := range req.Remove {
			m, err := tx.ModalityByName(ctx, name)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.RemovePendingStep(ctx, session.ID, m.ID); err != nil {
				return err
			}
		}
		if err := e.addSteps(ctx, tx, session, req.Add); err != nil {
			return err
		}

		if err := c.planList(ctx, tx, day); err != nil {
			return err
		}
		if err := c.plan(ctx, tx, req.ClientID, day); err != nil {
			return err
		}
		if len(c.plans) == 1 {
			plan = view.PlanOf(c.plans[0], now)
		}
		return nil
	})
	return plan, err
}

func (e *Engine) addSteps(ctx context.Context, tx *storage.Tx, session domain.Session, names []string) error {
	for _, name := range names {
		m, err := tx.ModalityByName(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug("skipping unknown modality", "modality", name, "client", session.ClientID)
			continue
		}
		if err != nil {
			return err
		}
		if _, err := tx.AddPendingStep(ctx, session, m.ID); err != nil {
			return err
		}
	}
	return nil
}
