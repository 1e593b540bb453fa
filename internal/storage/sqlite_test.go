package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hperssn/modtrack/internal/domain"
)

const testDay = "2026-03-01"

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "modtrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seed provisions one modality with n stations and returns it.
func seed(t *testing.T, repo Repository, name string, n int) domain.Modality {
	t.Helper()

	var m domain.Modality
	_, err := repo.Update(context.Background(), func(tx *Tx) error {
		var err error
		m, err = tx.UpsertModality(context.Background(), name, 15*time.Minute, 25*time.Minute)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := tx.EnsureStation(context.Background(), m.ID, name, i); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return m
}

func newPlan(t *testing.T, repo Repository, first string, mode domain.Mode, modalityIDs ...string) domain.Session {
	t.Helper()
	ctx := context.Background()

	var s domain.Session
	_, err := repo.Update(ctx, func(tx *Tx) error {
		c, err := tx.UpsertClient(ctx, first, "X", testNow)
		if err != nil {
			return err
		}
		s, err = tx.UpsertSession(ctx, c.ID, testDay, mode, "", testNow)
		if err != nil {
			return err
		}
		for _, id := range modalityIDs {
			if _, err := tx.AddPendingStep(ctx, s, id); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return s
}

func TestSQLiteRepository_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modtrack.db")

	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	seed(t, repo, "BRAIN", 2)
	require.NoError(t, repo.Close())

	repo, err = NewSQLiteRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.View(context.Background(), func(tx *Tx) error {
		stations, err := tx.Stations(context.Background())
		require.NoError(t, err)
		assert.Len(t, stations, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestProvisioning_Idempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	first := seed(t, repo, "BRAIN", 3)
	second := seed(t, repo, "BRAIN", 3)
	assert.Equal(t, first.ID, second.ID)

	_, err := repo.View(ctx, func(tx *Tx) error {
		stations, err := tx.Stations(ctx)
		require.NoError(t, err)
		require.Len(t, stations, 3)
		for i, st := range stations {
			assert.Equal(t, i, st.Index)
			assert.Equal(t, domain.StationAvailable, st.Status)
			assert.Equal(t, domain.StationLabel(i), st.Label)
		}

		st, err := tx.StationAt(ctx, "BRAIN", 9)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, st.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_BumpsRevisionAndRollsBack(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	rev1, err := repo.Update(ctx, func(tx *Tx) error { return nil })
	require.NoError(t, err)
	rev2, err := repo.Update(ctx, func(tx *Tx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, rev1+1, rev2)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertClient(ctx, "Ann", "B", testNow); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rev, err := repo.View(ctx, func(tx *Tx) error {
		plans, err := tx.Plans(ctx, testDay)
		require.NoError(t, err)
		assert.Empty(t, plans)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, rev2, rev, "rolled back update must not bump the revision")
}

func TestUpsertClient_ReturnsExisting(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	var a, b domain.Client
	_, err := repo.Update(ctx, func(tx *Tx) error {
		var err error
		if a, err = tx.UpsertClient(ctx, "Ann", "B", testNow); err != nil {
			return err
		}
		b, err = tx.UpsertClient(ctx, "Ann", "B", testNow.Add(time.Hour))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.CreatedAt.Equal(b.CreatedAt))
}

func TestUpsertSession_SequenceAndUpdate(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	ann := newPlan(t, repo, "Ann", domain.ModeMaintenance)
	bob := newPlan(t, repo, "Bob", domain.ModeUnspecified)
	assert.Less(t, ann.Seq, bob.Seq)

	var again domain.Session
	_, err := repo.Update(ctx, func(tx *Tx) error {
		var err error
		again, err = tx.UpsertSession(ctx, ann.ClientID, testDay, domain.ModeOptimization, "sore back", testNow)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ann.ID, again.ID)
	assert.Equal(t, ann.Seq, again.Seq, "updating a session keeps its queue position")
	assert.Equal(t, domain.ModeOptimization, again.Mode)
	assert.Equal(t, "sore back", again.Note)
}

func TestSteps_AddRemoveOnlyPending(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	brain := seed(t, repo, "BRAIN", 1)
	cell := seed(t, repo, "CELL", 1)

	s := newPlan(t, repo, "Ann", domain.ModeUnspecified, brain.ID, cell.ID)

	_, err := repo.Update(ctx, func(tx *Tx) error {
		added, err := tx.AddPendingStep(ctx, s, brain.ID)
		require.NoError(t, err)
		assert.False(t, added, "duplicate modality is ignored")

		st, err := tx.StationAt(ctx, "BRAIN", 0)
		require.NoError(t, err)
		step, err := tx.NextPendingStep(ctx, StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance})
		require.NoError(t, err)
		return tx.ActivateStep(ctx, step.ID, st.ID, domain.SessionMaintenance, testNow, 900)
	})
	require.NoError(t, err)

	_, err = repo.Update(ctx, func(tx *Tx) error {
		removed, err := tx.RemovePendingStep(ctx, s.ID, brain.ID)
		require.NoError(t, err)
		assert.False(t, removed, "active step must survive removal")

		removed, err = tx.RemovePendingStep(ctx, s.ID, cell.ID)
		require.NoError(t, err)
		assert.True(t, removed)
		return nil
	})
	require.NoError(t, err)

	_, err = repo.View(ctx, func(tx *Tx) error {
		plan, err := tx.Plan(ctx, s.ClientID, testDay)
		require.NoError(t, err)
		require.Len(t, plan.Steps, 1)
		assert.Equal(t, "BRAIN", plan.Steps[0].Modality)
		assert.Equal(t, domain.StepActive, plan.Steps[0].Step.Status)
		assert.True(t, testNow.Equal(plan.Steps[0].Step.StartAt))
		return nil
	})
	require.NoError(t, err)
}

func TestNextPendingStep_QueueOrderAndFilters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	brain := seed(t, repo, "BRAIN", 2)

	ann := newPlan(t, repo, "Ann", domain.ModeOptimization, brain.ID)
	bob := newPlan(t, repo, "Bob", domain.ModeUnspecified, brain.ID)
	cat := newPlan(t, repo, "Cat", domain.ModeMaintenance, brain.ID)

	next := func(q StepQuery) (domain.SessionStep, error) {
		var step domain.SessionStep
		_, err := repo.View(ctx, func(tx *Tx) error {
			var err error
			step, err = tx.NextPendingStep(ctx, q)
			return err
		})
		return step, err
	}

	step, err := next(StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, step.SessionID, "OP-only plan is skipped for MT; UNSPEC is a wildcard")

	step, err = next(StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionOptimization})
	require.NoError(t, err)
	assert.Equal(t, ann.ID, step.SessionID, "oldest compatible plan first")

	step, err = next(StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance, ClientID: cat.ClientID})
	require.NoError(t, err)
	assert.Equal(t, cat.ID, step.SessionID)

	_, err = next(StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionOptimization, ClientID: cat.ClientID})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = next(StepQuery{ModalityID: brain.ID, Day: "2026-03-02", Type: domain.SessionOptimization})
	assert.ErrorIs(t, err, ErrNotFound, "other days are not queued")
}

func TestNextPendingStep_SkipsBusyClient(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	brain := seed(t, repo, "BRAIN", 1)
	cell := seed(t, repo, "CELL", 1)

	ann := newPlan(t, repo, "Ann", domain.ModeUnspecified, brain.ID, cell.ID)
	bob := newPlan(t, repo, "Bob", domain.ModeUnspecified, cell.ID)

	_, err := repo.Update(ctx, func(tx *Tx) error {
		st, err := tx.StationAt(ctx, "BRAIN", 0)
		require.NoError(t, err)
		step, err := tx.NextPendingStep(ctx, StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance})
		require.NoError(t, err)
		require.Equal(t, ann.ID, step.SessionID)
		return tx.ActivateStep(ctx, step.ID, st.ID, domain.SessionMaintenance, testNow, 900)
	})
	require.NoError(t, err)

	_, err = repo.View(ctx, func(tx *Tx) error {
		step, err := tx.NextPendingStep(ctx, StepQuery{ModalityID: cell.ID, Day: testDay, Type: domain.SessionMaintenance})
		require.NoError(t, err)
		assert.Equal(t, bob.ID, step.SessionID, "Ann is busy on BRAIN")
		return nil
	})
	require.NoError(t, err)
}

func TestStepTransitions_GuardedAndExclusive(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	brain := seed(t, repo, "BRAIN", 1)

	ann := newPlan(t, repo, "Ann", domain.ModeUnspecified, brain.ID)
	newPlan(t, repo, "Bob", domain.ModeUnspecified, brain.ID)

	var annStep domain.SessionStep
	_, err := repo.Update(ctx, func(tx *Tx) error {
		st, err := tx.StationAt(ctx, "BRAIN", 0)
		require.NoError(t, err)
		annStep, err = tx.NextPendingStep(ctx, StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance, ClientID: ann.ClientID})
		require.NoError(t, err)
		return tx.ActivateStep(ctx, annStep.ID, st.ID, domain.SessionMaintenance, testNow, 900)
	})
	require.NoError(t, err)

	_, err = repo.Update(ctx, func(tx *Tx) error {
		return tx.ActivateStep(ctx, annStep.ID, "other", domain.SessionMaintenance, testNow, 900)
	})
	assert.ErrorIs(t, err, ErrConflict, "an ACTIVE step cannot be activated again")

	_, err = repo.Update(ctx, func(tx *Tx) error {
		st, err := tx.StationAt(ctx, "BRAIN", 0)
		require.NoError(t, err)
		bobStep, err := tx.NextPendingStep(ctx, StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance})
		require.NoError(t, err)
		return tx.ActivateStep(ctx, bobStep.ID, st.ID, domain.SessionMaintenance, testNow, 900)
	})
	assert.ErrorIs(t, err, ErrConflict, "station already has an ACTIVE step")

	_, err = repo.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.RetimeStep(ctx, annStep.ID, domain.SessionOptimization, testNow.Add(time.Minute), 1500))
		require.NoError(t, tx.FinishStep(ctx, annStep.ID, testNow.Add(2*time.Minute)))
		return nil
	})
	require.NoError(t, err)

	_, err = repo.Update(ctx, func(tx *Tx) error {
		return tx.FinishStep(ctx, annStep.ID, testNow)
	})
	assert.ErrorIs(t, err, ErrConflict, "DONE is terminal")

	_, err = repo.View(ctx, func(tx *Tx) error {
		steps, err := tx.Steps(ctx)
		require.NoError(t, err)
		for _, s := range steps {
			if s.ID == annStep.ID {
				assert.Equal(t, domain.StepDone, s.Status)
				assert.Equal(t, domain.SessionOptimization, s.Kind)
				assert.Equal(t, 1500, s.Duration)
				assert.True(t, testNow.Add(2*time.Minute).Equal(s.EndAt))
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOccupancy(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	brain := seed(t, repo, "BRAIN", 2)
	ann := newPlan(t, repo, "Ann", domain.ModeUnspecified, brain.ID)

	_, err := repo.Update(ctx, func(tx *Tx) error {
		st, err := tx.StationAt(ctx, "BRAIN", 1)
		require.NoError(t, err)
		step, err := tx.NextPendingStep(ctx, StepQuery{ModalityID: brain.ID, Day: testDay, Type: domain.SessionMaintenance})
		require.NoError(t, err)
		if err := tx.ActivateStep(ctx, step.ID, st.ID, domain.SessionMaintenance, testNow, 900); err != nil {
			return err
		}
		return tx.SetStationStatus(ctx, st.ID, domain.StationInUse)
	})
	require.NoError(t, err)

	_, err = repo.View(ctx, func(tx *Tx) error {
		occ, err := tx.Occupancy(ctx)
		require.NoError(t, err)
		require.Len(t, occ, 2)

		assert.Nil(t, occ[0].Step)
		require.NotNil(t, occ[1].Step)
		assert.Equal(t, ann.ClientID, occ[1].Step.ClientID)
		assert.Equal(t, "Ann", occ[1].ClientFirstName)
		assert.Equal(t, domain.StationInUse, occ[1].Station.Status)

		one, err := tx.StationOccupancy(ctx, occ[1].Station.ID)
		require.NoError(t, err)
		assert.Equal(t, occ[1], one)

		free, err := tx.StationOccupancy(ctx, occ[0].Station.ID)
		require.NoError(t, err)
		assert.Nil(t, free.Step)

		_, err = tx.StationOccupancy(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteSession(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	brain := seed(t, repo, "BRAIN", 1)
	s := newPlan(t, repo, "Ann", domain.ModeUnspecified, brain.ID)

	_, err := repo.Update(ctx, func(tx *Tx) error { return tx.DeleteSession(ctx, s.ID) })
	require.NoError(t, err)

	_, err = repo.View(ctx, func(tx *Tx) error {
		_, err := tx.SessionOf(ctx, s.ClientID, testDay)
		assert.ErrorIs(t, err, ErrNotFound)
		steps, err := tx.Steps(ctx)
		require.NoError(t, err)
		assert.Empty(t, steps)
		return nil
	})
	require.NoError(t, err)
}

func TestBind(t *testing.T) {
	pg := &sqlStore{dialect: dialect{numbered: true}}
	lite := &sqlStore{dialect: dialect{}}

	q := `SELECT a FROM t WHERE b = ? AND (? = '' OR c = ?)`
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND ($2 = '' OR c = $3)`, pg.bind(q))
	assert.Equal(t, q, lite.bind(q))
}
