package view

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hperssn/modtrack/internal/domain"
	"github.com/hperssn/modtrack/internal/storage"
)

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func planRecord() storage.PlanRecord {
	return storage.PlanRecord{
		Session: domain.Session{ID: "s1", ClientID: "c1", Mode: domain.ModeUnspecified, Note: "left knee"},
		Client:  domain.Client{ID: "c1", FirstName: "Ann", LastInitial: "B"},
		Steps: []storage.PlanStepRecord{
			{Modality: "BRAIN", Step: domain.SessionStep{Status: domain.StepActive, StartAt: start, Duration: 900}},
			{Modality: "CELL", Step: domain.SessionStep{Status: domain.StepPending}},
			{Modality: "STRESS", Step: domain.SessionStep{Status: domain.StepDone, StartAt: start, Duration: 60}},
		},
	}
}

func TestPlanOf_ComputesCountdownAtReadTime(t *testing.T) {
	rec := planRecord()

	early := PlanOf(rec, start.Add(30*time.Second))
	late := PlanOf(rec, start.Add(10*time.Minute))

	assert.Equal(t, "c1", early.ID)
	assert.Equal(t, "Ann B.", early.Name)
	assert.Equal(t, "left knee", early.Note)
	require.Len(t, early.Steps, 3)

	require.NotNil(t, early.Steps[0].Left)
	assert.Equal(t, 870, *early.Steps[0].Left)
	require.NotNil(t, late.Steps[0].Left)
	assert.Equal(t, 300, *late.Steps[0].Left)

	assert.Nil(t, early.Steps[1].Left)
	assert.Nil(t, early.Steps[2].Left)
}

func TestPlanOf_SameFactsSameCountdown(t *testing.T) {
	now := start.Add(123 * time.Second)
	a := PlanOf(planRecord(), now)
	b := PlanOf(planRecord(), now)
	assert.Equal(t, a, b)
}

func TestPlanJSON_OmitsLeftForIdleSteps(t *testing.T) {
	p := PlanOf(planRecord(), start)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded struct {
		Steps []map[string]any `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded.Steps[0], "left")
	assert.NotContains(t, decoded.Steps[1], "left")
}

func TestStations(t *testing.T) {
	recs := []storage.OccupancyRecord{
		{Station: domain.Station{Category: "BRAIN", Index: 0}},
		{
			Station:         domain.Station{Category: "BRAIN", Index: 1},
			Step:            &domain.SessionStep{Kind: domain.SessionOptimization, StartAt: start, Duration: 1500},
			ClientFirstName: "Ann",
		},
		{Station: domain.Station{Category: "CELL", Index: 0}},
	}

	m := Stations(recs)
	require.Contains(t, m, "BRAIN")
	require.Contains(t, m, "CELL")

	assert.Nil(t, m["BRAIN"][0])
	require.NotNil(t, m["BRAIN"][1])
	assert.Equal(t, "Ann", m["BRAIN"][1].ClientName)
	assert.Equal(t, domain.SessionOptimization, m["BRAIN"][1].Type)
	assert.Equal(t, 1440, m["BRAIN"][1].Remaining(start.Add(time.Minute)))

	_, present := m["CELL"][0]
	assert.True(t, present, "free stations are present with a nil occupant")
}
