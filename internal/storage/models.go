package storage

import (
	"database/sql"

	"github.com/hperssn/modtrack/internal/domain"
)

// PlanRecord is one client's plan for a day with its steps, as read for
// projection.
type PlanRecord struct {
	Session domain.Session
	Client  domain.Client
	Steps   []PlanStepRecord
}

type PlanStepRecord struct {
	Step     domain.SessionStep
	Modality string
}

// OccupancyRecord pairs a station with its running step, if any.
type OccupancyRecord struct {
	Station domain.Station
	Step    *domain.SessionStep
	// ClientFirstName is set when Step is.
	ClientFirstName string
}

// StepQuery selects the next PENDING step to activate.
type StepQuery struct {
	ModalityID string
	Day        string
	Type       domain.SessionType
	// ClientID restricts the search to one client when set.
	ClientID string
}

type stepRow struct {
	step      domain.SessionStep
	stationID sql.NullString
	startAt   sql.NullTime
	endAt     sql.NullTime
	kind      string
	status    string
}

func (r *stepRow) dest() []any {
	return []any{
		&r.step.ID,
		&r.step.SessionID,
		&r.step.ClientID,
		&r.step.ModalityID,
		&r.status,
		&r.stationID,
		&r.kind,
		&r.startAt,
		&r.endAt,
		&r.step.Duration,
	}
}

func (r *stepRow) value() domain.SessionStep {
	s := r.step
	s.Status = domain.StepStatus(r.status)
	s.Kind = domain.SessionType(r.kind)
	s.StationID = r.stationID.String
	if r.startAt.Valid {
		s.StartAt = r.startAt.Time
	}
	if r.endAt.Valid {
		s.EndAt = r.endAt.Time
	}
	return s
}

const stepColumns = `st.id, st.session_id, st.client_id, st.modality_id, st.status,
	st.station_id, st.kind, st.start_at, st.end_at, st.duration`

const stationColumns = `sn.id, sn.category, sn.idx, sn.modality_id, sn.label, sn.status`

type stationRow struct {
	station domain.Station
	status  string
}

func (r *stationRow) dest() []any {
	return []any{
		&r.station.ID,
		&r.station.Category,
		&r.station.Index,
		&r.station.ModalityID,
		&r.station.Label,
		&r.status,
	}
}

func (r *stationRow) value() domain.Station {
	s := r.station
	s.Status = domain.StationStatus(r.status)
	return s
}
