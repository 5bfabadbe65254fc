// Package httpserver exposes the fleetadmin push and listing endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetlab/fleetadmin/internal/auth"
	"github.com/fleetlab/fleetadmin/internal/tracker"
)

// Pinger reports backing-store connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	tracker  *tracker.Tracker
	verifier *auth.Verifier
	store    Pinger
}

func New(t *tracker.Tracker, v *auth.Verifier, store Pinger) *Server {
	return &Server{tracker: t, verifier: v, store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Push passes walk the whole pool; give them room.
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)

	r.Route("/fleetadmin", func(r chi.Router) {
		r.Get("/bots", s.handleListBots)
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/push-repair-duts", s.handlePushRepairDuts)
			r.Post("/push-audit-duts", s.handlePushAuditDuts)
			r.Post("/push-repair-labstations", s.handlePushRepairLabstations)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			status["ok"] = false
			status["db"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handlePushRepairDuts(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.PushBotsForAdminTasks(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type pushAuditRequest struct {
	AuditKinds []string `json:"auditKinds"`
}

// allAuditKinds is the default when the request names none.
var allAuditKinds = []tracker.AuditTask{
	tracker.AuditTaskServoUSBKey,
	tracker.AuditTaskDUTStorage,
	tracker.AuditTaskRPMConfig,
}

func (s *Server) handlePushAuditDuts(w http.ResponseWriter, r *http.Request) {
	var req pushAuditRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	tasks := allAuditKinds
	if len(req.AuditKinds) > 0 {
		tasks = make([]tracker.AuditTask, 0, len(req.AuditKinds))
		for _, k := range req.AuditKinds {
			task := tracker.AuditTask(k)
			switch task {
			case tracker.AuditTaskServoUSBKey, tracker.AuditTaskDUTStorage, tracker.AuditTaskRPMConfig:
				tasks = append(tasks, task)
			default:
				respondError(w, http.StatusBadRequest, "unknown audit kind: "+k)
				return
			}
		}
	}

	res, err := s.tracker.PushBotsForAdminAuditTasks(r.Context(), tasks)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handlePushRepairLabstations(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.PushRepairJobsForLabstations(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := tracker.BotSelector{
		DutID:   q.Get("dut_id"),
		DutName: q.Get("dut_name"),
		Model:   q.Get("model"),
		Pools:   q["pool"],
	}

	var sels []tracker.BotSelector
	if sel.DutID != "" || sel.DutName != "" || sel.Model != "" || len(sel.Pools) > 0 {
		sels = []tracker.BotSelector{sel}
	}

	bots, err := s.tracker.ListBots(r.Context(), sels)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"bots": bots})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
