package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hperssn/modtrack/internal/domain"
)

// Tx is one open transaction. It is only valid inside the callback passed to
// Repository.Update or Repository.View.
type Tx struct {
	tx    *sql.Tx
	store *sqlStore
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.bind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.store.bind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.bind(query), args...)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

// expectOne turns a zero-row guarded update into ErrConflict.
func expectOne(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return nil
}

// Registry

// UpsertModality creates the modality or refreshes its default durations.
func (t *Tx) UpsertModality(ctx context.Context, name string, maintenance, optimization time.Duration) (domain.Modality, error) {
	_, err := t.exec(ctx, `
		INSERT INTO modalities (id, name, maintenance_sec, optimization_sec)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			maintenance_sec = excluded.maintenance_sec,
			optimization_sec = excluded.optimization_sec
	`, uuid.NewString(), name, int(maintenance/time.Second), int(optimization/time.Second))
	if err != nil {
		return domain.Modality{}, fmt.Errorf("upsert modality %s: %w", name, err)
	}
	return t.ModalityByName(ctx, name)
}

// EnsureStation creates the station at (category, index) if it does not exist.
// Existing stations keep their status.
func (t *Tx) EnsureStation(ctx context.Context, modalityID, category string, index int) error {
	_, err := t.exec(ctx, `
		INSERT INTO stations (id, category, idx, label, status, modality_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, idx) DO NOTHING
	`, uuid.NewString(), category, index, domain.StationLabel(index), string(domain.StationAvailable), modalityID)
	if err != nil {
		return fmt.Errorf("ensure station %s/%d: %w", category, index, err)
	}
	return nil
}

func (t *Tx) scanModality(row *sql.Row, what string) (domain.Modality, error) {
	var m domain.Modality
	var mt, op int
	if err := row.Scan(&m.ID, &m.Name, &mt, &op); err != nil {
		return domain.Modality{}, notFound(err, what)
	}
	m.Maintenance = time.Duration(mt) * time.Second
	m.Optimization = time.Duration(op) * time.Second
	return m, nil
}

func (t *Tx) Modality(ctx context.Context, id string) (domain.Modality, error) {
	row := t.queryRow(ctx, `SELECT id, name, maintenance_sec, optimization_sec FROM modalities WHERE id = ?`, id)
	return t.scanModality(row, "modality "+id)
}

func (t *Tx) ModalityByName(ctx context.Context, name string) (domain.Modality, error) {
	row := t.queryRow(ctx, `SELECT id, name, maintenance_sec, optimization_sec FROM modalities WHERE name = ?`, name)
	return t.scanModality(row, "modality "+name)
}

func (t *Tx) StationAt(ctx context.Context, category string, index int) (domain.Station, error) {
	var r stationRow
	err := t.queryRow(ctx, `SELECT `+stationColumns+` FROM stations sn WHERE sn.category = ? AND sn.idx = ?`,
		category, index).Scan(r.dest()...)
	if err != nil {
		return domain.Station{}, notFound(err, fmt.Sprintf("station %s/%d", category, index))
	}
	return r.value(), nil
}

func (t *Tx) Station(ctx context.Context, id string) (domain.Station, error) {
	var r stationRow
	err := t.queryRow(ctx, `SELECT `+stationColumns+` FROM stations sn WHERE sn.id = ?`, id).Scan(r.dest()...)
	if err != nil {
		return domain.Station{}, notFound(err, "station "+id)
	}
	return r.value(), nil
}

// Stations lists every station ordered by category and index.
func (t *Tx) Stations(ctx context.Context) ([]domain.Station, error) {
	rows, err := t.query(ctx, `SELECT `+stationColumns+` FROM stations sn ORDER BY sn.category, sn.idx`)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	var stations []domain.Station
	for rows.Next() {
		var r stationRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		stations = append(stations, r.value())
	}
	return stations, rows.Err()
}

func (t *Tx) SetStationStatus(ctx context.Context, stationID string, status domain.StationStatus) error {
	res, err := t.exec(ctx, `UPDATE stations SET status = ? WHERE id = ?`, string(status), stationID)
	return expectOne(res, err, "set station status")
}

// Clients

// UpsertClient returns the client identified by (firstName, lastInitial),
// creating it on first use.
func (t *Tx) UpsertClient(ctx context.Context, firstName, lastInitial string, now time.Time) (domain.Client, error) {
	_, err := t.exec(ctx, `
		INSERT INTO clients (id, first_name, last_initial, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (first_name, last_initial) DO NOTHING
	`, uuid.NewString(), firstName, lastInitial, now)
	if err != nil {
		return domain.Client{}, fmt.Errorf("upsert client: %w", err)
	}

	var c domain.Client
	err = t.queryRow(ctx, `
		SELECT id, first_name, last_initial, created_at FROM clients
		WHERE first_name = ? AND last_initial = ?
	`, firstName, lastInitial).Scan(&c.ID, &c.FirstName, &c.LastInitial, &c.CreatedAt)
	if err != nil {
		return domain.Client{}, notFound(err, "client")
	}
	return c, nil
}

func (t *Tx) Client(ctx context.Context, id string) (domain.Client, error) {
	var c domain.Client
	err := t.queryRow(ctx, `SELECT id, first_name, last_initial, created_at FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.FirstName, &c.LastInitial, &c.CreatedAt)
	if err != nil {
		return domain.Client{}, notFound(err, "client "+id)
	}
	return c, nil
}

// Sessions

const sessionColumns = `se.id, se.client_id, se.day, se.mode, se.note, se.seq, se.created_at`

func scanSession(sc interface{ Scan(...any) error }) (domain.Session, error) {
	var s domain.Session
	var mode string
	if err := sc.Scan(&s.ID, &s.ClientID, &s.Day, &mode, &s.Note, &s.Seq, &s.CreatedAt); err != nil {
		return domain.Session{}, err
	}
	s.Mode = domain.Mode(mode)
	return s, nil
}

func (t *Tx) SessionOf(ctx context.Context, clientID, day string) (domain.Session, error) {
	row := t.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions se WHERE se.client_id = ? AND se.day = ?`,
		clientID, day)
	s, err := scanSession(row)
	if err != nil {
		return domain.Session{}, notFound(err, "session")
	}
	return s, nil
}

// UpsertSession creates the client's session for day, or updates mode and
// note of the existing one. New sessions take the next creation sequence
// number, which orders the waiting queue.
func (t *Tx) UpsertSession(ctx context.Context, clientID, day string, mode domain.Mode, note string, now time.Time) (domain.Session, error) {
	_, err := t.exec(ctx, `
		INSERT INTO sessions (id, client_id, day, mode, note, seq, created_at)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sessions), ?)
		ON CONFLICT (client_id, day) DO UPDATE SET mode = excluded.mode, note = excluded.note
	`, uuid.NewString(), clientID, day, string(mode), note, now)
	if err != nil {
		return domain.Session{}, fmt.Errorf("upsert session: %w", err)
	}
	return t.SessionOf(ctx, clientID, day)
}

func (t *Tx) SetSessionNote(ctx context.Context, sessionID, note string) error {
	res, err := t.exec(ctx, `UPDATE sessions SET note = ? WHERE id = ?`, note, sessionID)
	return expectOne(res, err, "set session note")
}

// DeleteSession removes the session and all its steps.
func (t *Tx) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := t.exec(ctx, `DELETE FROM session_steps WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if _, err := t.exec(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Steps

func (t *Tx) scanSteps(rows *sql.Rows) ([]domain.SessionStep, error) {
	defer rows.Close()

	var steps []domain.SessionStep
	for rows.Next() {
		var r stepRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, r.value())
	}
	return steps, rows.Err()
}

func (t *Tx) scanStep(row *sql.Row, what string) (domain.SessionStep, error) {
	var r stepRow
	if err := row.Scan(r.dest()...); err != nil {
		return domain.SessionStep{}, notFound(err, what)
	}
	return r.value(), nil
}

// AddPendingStep adds a PENDING step for the modality. Adding a modality the
// session already has is ignored; added reports whether a row was inserted.
func (t *Tx) AddPendingStep(ctx context.Context, session domain.Session, modalityID string) (added bool, err error) {
	res, err := t.exec(ctx, `
		INSERT INTO session_steps (id, session_id, client_id, modality_id, status, kind, duration)
		VALUES (?, ?, ?, ?, ?, '', 0)
		ON CONFLICT (session_id, modality_id) DO NOTHING
	`, uuid.NewString(), session.ID, session.ClientID, modalityID, string(domain.StepPending))
	if err != nil {
		return false, fmt.Errorf("add step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add step: %w", err)
	}
	return n == 1, nil
}

// RemovePendingStep deletes the session's step for the modality only while it
// is still PENDING.
func (t *Tx) RemovePendingStep(ctx context.Context, sessionID, modalityID string) (bool, error) {
	res, err := t.exec(ctx, `
		DELETE FROM session_steps WHERE session_id = ? AND modality_id = ? AND status = ?
	`, sessionID, modalityID, string(domain.StepPending))
	if err != nil {
		return false, fmt.Errorf("remove step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove step: %w", err)
	}
	return n == 1, nil
}

func (t *Tx) ActiveStepAtStation(ctx context.Context, stationID string) (domain.SessionStep, error) {
	row := t.queryRow(ctx, `SELECT `+stepColumns+` FROM session_steps st WHERE st.station_id = ? AND st.status = ?`,
		stationID, string(domain.StepActive))
	return t.scanStep(row, "active step at station")
}

// ActiveStepOfClient finds the client's running step on any day.
func (t *Tx) ActiveStepOfClient(ctx context.Context, clientID string) (domain.SessionStep, error) {
	row := t.queryRow(ctx, `SELECT `+stepColumns+` FROM session_steps st WHERE st.client_id = ? AND st.status = ?`,
		clientID, string(domain.StepActive))
	return t.scanStep(row, "active step of client")
}

func (t *Tx) ActiveStepsOfSession(ctx context.Context, sessionID string) ([]domain.SessionStep, error) {
	rows, err := t.query(ctx, `SELECT `+stepColumns+` FROM session_steps st WHERE st.session_id = ? AND st.status = ?`,
		sessionID, string(domain.StepActive))
	if err != nil {
		return nil, fmt.Errorf("query active steps: %w", err)
	}
	return t.scanSteps(rows)
}

// NextPendingStep returns the oldest queued PENDING step matching q: same
// modality, session on q.Day whose mode accepts q.Type, optionally limited to
// one client. Clients already running a step elsewhere are skipped.
func (t *Tx) NextPendingStep(ctx context.Context, q StepQuery) (domain.SessionStep, error) {
	row := t.queryRow(ctx, `
		SELECT `+stepColumns+`
		FROM session_steps st
		JOIN sessions se ON se.id = st.session_id
		WHERE st.modality_id = ?
		  AND st.status = ?
		  AND se.day = ?
		  AND se.mode IN (?, ?)
		  AND (? = '' OR se.client_id = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM session_steps busy
			WHERE busy.client_id = se.client_id AND busy.status = ?
		  )
		ORDER BY se.seq ASC
		LIMIT 1
	`,
		q.ModalityID,
		string(domain.StepPending),
		q.Day,
		string(q.Type), string(domain.ModeUnspecified),
		q.ClientID, q.ClientID,
		string(domain.StepActive),
	)
	return t.scanStep(row, "pending step")
}

// ActivateStep moves a PENDING step to ACTIVE on the station.
func (t *Tx) ActivateStep(ctx context.Context, stepID, stationID string, kind domain.SessionType, start time.Time, duration int) error {
	return t.advance(ctx, stepID, domain.StepPending, domain.StepActive,
		`station_id = ?, kind = ?, start_at = ?, duration = ?`,
		stationID, string(kind), start, duration)
}

// RetimeStep restarts the clock of an ACTIVE step.
func (t *Tx) RetimeStep(ctx context.Context, stepID string, kind domain.SessionType, start time.Time, duration int) error {
	res, err := t.exec(ctx, `
		UPDATE session_steps SET kind = ?, start_at = ?, duration = ?
		WHERE id = ? AND status = ?
	`, string(kind), start, duration, stepID, string(domain.StepActive))
	return expectOne(res, err, "retime step")
}

// FinishStep moves an ACTIVE step to DONE.
func (t *Tx) FinishStep(ctx context.Context, stepID string, end time.Time) error {
	return t.advance(ctx, stepID, domain.StepActive, domain.StepDone, `end_at = ?`, end)
}

// advance performs a status transition guarded on the current status, so a
// step never moves backwards and a concurrent transition surfaces as
// ErrConflict.
func (t *Tx) advance(ctx context.Context, stepID string, from, to domain.StepStatus, set string, args ...any) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("step %s: %s -> %s is not a forward transition", stepID, from, to)
	}

	all := make([]any, 0, len(args)+3)
	all = append(all, string(to))
	all = append(all, args...)
	all = append(all, stepID, string(from))

	res, err := t.exec(ctx, `UPDATE session_steps SET status = ?, `+set+` WHERE id = ? AND status = ?`, all...)
	return expectOne(res, err, fmt.Sprintf("step %s -> %s", from, to))
}

// Steps lists every step in the store.
func (t *Tx) Steps(ctx context.Context) ([]domain.SessionStep, error) {
	rows, err := t.query(ctx, `SELECT `+stepColumns+` FROM session_steps st ORDER BY st.session_id, st.modality_id`)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	return t.scanSteps(rows)
}

// Projection reads

// Plans returns every plan of the day in queue order, steps ordered by
// modality name.
func (t *Tx) Plans(ctx context.Context, day string) ([]PlanRecord, error) {
	return t.plans(ctx, `se.day = ?`, day)
}

// Plan returns one client's plan for the day.
func (t *Tx) Plan(ctx context.Context, clientID, day string) (PlanRecord, error) {
	plans, err := t.plans(ctx, `se.day = ? AND se.client_id = ?`, day, clientID)
	if err != nil {
		return PlanRecord{}, err
	}
	if len(plans) == 0 {
		return PlanRecord{}, fmt.Errorf("plan: %w", ErrNotFound)
	}
	return plans[0], nil
}

func (t *Tx) plans(ctx context.Context, where string, args ...any) ([]PlanRecord, error) {
	rows, err := t.query(ctx, `
		SELECT `+sessionColumns+`, c.id, c.first_name, c.last_initial, c.created_at
		FROM sessions se
		JOIN clients c ON c.id = se.client_id
		WHERE `+where+`
		ORDER BY se.seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}

	var plans []PlanRecord
	index := make(map[string]int)
	for rows.Next() {
		var p PlanRecord
		var mode string
		err := rows.Scan(&p.Session.ID, &p.Session.ClientID, &p.Session.Day, &mode, &p.Session.Note,
			&p.Session.Seq, &p.Session.CreatedAt,
			&p.Client.ID, &p.Client.FirstName, &p.Client.LastInitial, &p.Client.CreatedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p.Session.Mode = domain.Mode(mode)
		index[p.Session.ID] = len(plans)
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(plans) == 0 {
		return plans, nil
	}

	stepRows, err := t.query(ctx, `
		SELECT `+stepColumns+`, m.name
		FROM session_steps st
		JOIN sessions se ON se.id = st.session_id
		JOIN modalities m ON m.id = st.modality_id
		WHERE `+where+`
		ORDER BY m.name ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query plan steps: %w", err)
	}
	defer stepRows.Close()

	for stepRows.Next() {
		var r stepRow
		var name string
		if err := stepRows.Scan(append(r.dest(), &name)...); err != nil {
			return nil, fmt.Errorf("scan plan step: %w", err)
		}
		step := r.value()
		i, ok := index[step.SessionID]
		if !ok {
			continue
		}
		plans[i].Steps = append(plans[i].Steps, PlanStepRecord{Step: step, Modality: name})
	}
	return plans, stepRows.Err()
}

// Occupancy returns every station with its running step and occupant.
func (t *Tx) Occupancy(ctx context.Context) ([]OccupancyRecord, error) {
	return t.occupancy(ctx, `1 = 1`)
}

// StationOccupancy returns one station with its running step, if any.
func (t *Tx) StationOccupancy(ctx context.Context, stationID string) (OccupancyRecord, error) {
	recs, err := t.occupancy(ctx, `sn.id = ?`, stationID)
	if err != nil {
		return OccupancyRecord{}, err
	}
	if len(recs) == 0 {
		return OccupancyRecord{}, fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	return recs[0], nil
}

func (t *Tx) occupancy(ctx context.Context, where string, args ...any) ([]OccupancyRecord, error) {
	rows, err := t.query(ctx, `
		SELECT `+stationColumns+`, `+stepColumns+`, c.first_name
		FROM stations sn
		LEFT JOIN session_steps st ON st.station_id = sn.id AND st.status = ?
		LEFT JOIN clients c ON c.id = st.client_id
		WHERE `+where+`
		ORDER BY sn.category, sn.idx
	`, append([]any{string(domain.StepActive)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query occupancy: %w", err)
	}
	defer rows.Close()

	var out []OccupancyRecord
	for rows.Next() {
		var sr stationRow
		var o occupantRow
		if err := rows.Scan(append(sr.dest(), o.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan occupancy: %w", err)
		}
		rec := OccupancyRecord{Station: sr.value()}
		if o.id.Valid {
			step := o.value()
			rec.Step = &step
			rec.ClientFirstName = o.firstName.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// occupantRow scans a step from an outer join, where every column may be NULL.
type occupantRow struct {
	id, sessionID, clientID, modalityID, status, stationID, kind sql.NullString
	startAt, endAt                                               sql.NullTime
	duration                                                     sql.NullInt64
	firstName                                                    sql.NullString
}

func (o *occupantRow) dest() []any {
	return []any{&o.id, &o.sessionID, &o.clientID, &o.modalityID, &o.status,
		&o.stationID, &o.kind, &o.startAt, &o.endAt, &o.duration, &o.firstName}
}

func (o *occupantRow) value() domain.SessionStep {
	s := domain.SessionStep{
		ID:         o.id.String,
		SessionID:  o.sessionID.String,
		ClientID:   o.clientID.String,
		ModalityID: o.modalityID.String,
		Status:     domain.StepStatus(o.status.String),
		StationID:  o.stationID.String,
		Kind:       domain.SessionType(o.kind.String),
		Duration:   int(o.duration.Int64),
	}
	if o.startAt.Valid {
		s.StartAt = o.startAt.Time
	}
	if o.endAt.Valid {
		s.EndAt = o.endAt.Time
	}
	return s
}
