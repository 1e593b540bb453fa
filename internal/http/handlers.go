// Package httpapi is the HTTP surface of the board: JSON endpoints for
// operators and a server-sent event stream for viewers.
package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hperssn/modtrack/internal/broadcast"
	"github.com/hperssn/modtrack/internal/domain"
	"github.com/hperssn/modtrack/internal/engine"
	"github.com/hperssn/modtrack/internal/logging"
)

// Subscriber hands out event subscriptions; *broadcast.Hub implements it.
type Subscriber interface {
	Subscribe() (<-chan broadcast.Event, func())
}

type Server struct {
	engine    *engine.Engine
	events    Subscriber
	logger    logging.Logger
	keepAlive time.Duration
}

func NewServer(e *engine.Engine, events Subscriber, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{engine: e, events: events, logger: logger, keepAlive: 15 * time.Second}
}

// Routes registers the board endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/clients", s.createClient)

	r.Get("/plans", s.listPlans)
	r.Post("/plans", s.upsertPlan)
	r.Patch("/plans", s.patchPlan)
	r.Delete("/plans/{clientId}", s.terminatePlan)
	r.Post("/plans/{clientId}/finish", s.forceFinish)

	r.Get("/stations", s.listStations)
	r.Post("/stations/{category}/{index}/assign", s.assign)
	r.Post("/stations/{category}/{index}/release", s.release)

	r.Get("/events", s.streamEvents)
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirstName   string `json:"firstName"`
		LastInitial string `json:"lastInitial"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.CreateClient(r.Context(), req.FirstName, req.LastInitial)
	if err != nil {
		s.respondFailure(w, r, "create_client", err)
		return
	}
	s.respondJSON(w, res, http.StatusCreated)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.engine.TodayPlans(r.Context())
	if err != nil {
		s.respondFailure(w, r, "list_plans", err)
		return
	}
	s.respondJSON(w, plans, http.StatusOK)
}

func (s *Server) upsertPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID   string   `json:"clientId"`
		Modalities []string `json:"modalities"`
		Mode       string   `json:"mode"`
		Note       string   `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	plan, err := s.engine.CreateOrUpdatePlan(r.Context(), engine.PlanRequest{
		ClientID:   req.ClientID,
		Modalities: req.Modalities,
		Mode:       req.Mode,
		Note:       req.Note,
	})
	if err != nil {
		s.respondFailure(w, r, "upsert_plan", err)
		return
	}
	s.respondJSON(w, plan, http.StatusOK)
}

func (s *Server) patchPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string   `json:"clientId"`
		Add      []string `json:"add"`
		Remove   []string `json:"remove"`
		Note     *string  `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	plan, err := s.engine.PatchPlan(r.Context(), engine.PatchRequest{
		ClientID: req.ClientID,
		Add:      req.Add,
		Remove:   req.Remove,
		Note:     req.Note,
	})
	if err != nil {
		s.respondFailure(w, r, "patch_plan", err)
		return
	}
	s.respondJSON(w, plan, http.StatusOK)
}

// terminatePlan is fire-and-forget: the caller learns only that the request
// was taken, and viewers see the outcome on the stream.
func (s *Server) terminatePlan(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")

	if err := s.engine.TerminatePlan(r.Context(), clientID); err != nil {
		if _, ok := engine.RejectionOf(err); !ok {
			s.respondFailure(w, r, "terminate", err)
			return
		}
	}
	s.logger.Info("plan terminated", "client", clientID, "operator", OperatorFrom(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) forceFinish(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")

	if err := s.engine.ForceFinish(r.Context(), clientID); err != nil {
		s.respondFailure(w, r, "force_finish", err)
		return
	}
	s.logger.Info("plan finished", "client", clientID, "operator", OperatorFrom(r.Context()))
	s.respondJSON(w, engine.AckFor(nil), http.StatusOK)
}

func (s *Server) listStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.engine.Stations(r.Context())
	if err != nil {
		s.respondFailure(w, r, "list_stations", err)
		return
	}
	s.respondJSON(w, stations, http.StatusOK)
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	category, index, ok := s.stationParams(w, r)
	if !ok {
		return
	}

	var req struct {
		Type        string `json:"type"`
		ClientID    string `json:"clientId"`
		DurationSec *int   `json:"durationSec"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	typ, err := domain.ParseSessionType(req.Type)
	if err != nil {
		s.respondJSON(w, engine.Ack{Reason: engine.ReasonUnknownModalityOrType, Message: err.Error()}, http.StatusBadRequest)
		return
	}

	res, err := s.engine.Assign(r.Context(), engine.AssignRequest{
		Category:    category,
		Index:       index,
		Type:        typ,
		ClientID:    req.ClientID,
		DurationSec: req.DurationSec,
	})
	if err != nil {
		s.respondFailure(w, r, "assign", err)
		return
	}

	s.logger.Info("assign", "station", category, "index", index, "client", res.ClientID,
		"retimed", res.Retimed, "operator", OperatorFrom(r.Context()))
	s.respondJSON(w, engine.AckFor(nil), http.StatusOK)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	category, index, ok := s.stationParams(w, r)
	if !ok {
		return
	}

	if err := s.engine.Release(r.Context(), category, index); err != nil {
		s.respondFailure(w, r, "release", err)
		return
	}
	s.logger.Info("release", "station", category, "index", index, "operator", OperatorFrom(r.Context()))
	s.respondJSON(w, engine.AckFor(nil), http.StatusOK)
}

func (s *Server) stationParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	category, err := url.PathUnescape(chi.URLParam(r, "category"))
	if err != nil || category == "" {
		s.respondError(w, "invalid station category", http.StatusBadRequest)
		return "", 0, false
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.respondError(w, "invalid station index", http.StatusBadRequest)
		return "", 0, false
	}
	return category, index, true
}
