// Package view projects stored plans and station occupancy into the values
// pushed to viewers. Countdowns are derived here, at read time, from the
// stored start time and duration.
package view

import (
	"time"

	"github.com/hperssn/modtrack/internal/domain"
	"github.com/hperssn/modtrack/internal/storage"
)

// Plan is the projected view of one client's session.
type Plan struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Note  string      `json:"note"`
	Mode  domain.Mode `json:"mode"`
	Steps []Step      `json:"steps"`
}

type Step struct {
	Modality string            `json:"modality"`
	Status   domain.StepStatus `json:"status"`
	// Left is the remaining seconds of an ACTIVE step; nil otherwise.
	Left *int `json:"left,omitempty"`
}

// Occupant is what a station cell shows while a step runs on it.
type Occupant struct {
	Type       domain.SessionType `json:"type"`
	StartAt    time.Time          `json:"startAt"`
	Duration   int                `json:"duration"`
	ClientName string             `json:"clientName"`
}

// Remaining is the occupant's countdown at now.
func (o Occupant) Remaining(now time.Time) int {
	return o.Duration - int(now.Sub(o.StartAt)/time.Second)
}

// StationMap is category -> index -> occupant; a nil occupant is a free
// station.
type StationMap map[string]map[int]*Occupant

func PlanOf(rec storage.PlanRecord, now time.Time) Plan {
	p := Plan{
		ID:    rec.Client.ID,
		Name:  rec.Client.DisplayName(),
		Note:  rec.Session.Note,
		Mode:  rec.Session.Mode,
		Steps: make([]Step, 0, len(rec.Steps)),
	}
	for _, s := range rec.Steps {
		step := Step{Modality: s.Modality, Status: s.Step.Status}
		if left, ok := s.Step.Remaining(now); ok {
			step.Left = &left
		}
		p.Steps = append(p.Steps, step)
	}
	return p
}

func Plans(recs []storage.PlanRecord, now time.Time) []Plan {
	plans := make([]Plan, 0, len(recs))
	for _, r := range recs {
		plans = append(plans, PlanOf(r, now))
	}
	return plans
}

// OccupantOf returns the cell value for a station record, nil when free.
func OccupantOf(rec storage.OccupancyRecord) *Occupant {
	if rec.Step == nil {
		return nil
	}
	return &Occupant{
		Type:       rec.Step.Kind,
		StartAt:    rec.Step.StartAt,
		Duration:   rec.Step.Duration,
		ClientName: rec.ClientFirstName,
	}
}

func Stations(recs []storage.OccupancyRecord) StationMap {
	m := make(StationMap)
	for _, r := range recs {
		cat, ok := m[r.Station.Category]
		if !ok {
			cat = make(map[int]*Occupant)
			m[r.Station.Category] = cat
		}
		cat[r.Station.Index] = OccupantOf(r)
	}
	return m
}
