package trigger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/osprey-io/osprey/internal/event"
	"github.com/osprey-io/osprey/internal/ledger"
	"github.com/osprey-io/osprey/internal/memory"
	ospreyotel "github.com/osprey-io/osprey/internal/otel"
	"github.com/osprey-io/osprey/internal/session"
	"github.com/osprey-io/osprey/internal/triage"
)

// Session headers. A caller that holds a session passes both so related
// events share short-term memory; a missing session header starts a fresh
// one for the actor.
const (
	HeaderActor   = "X-Osprey-Actor"
	HeaderSession = "X-Osprey-Session"
	HeaderSource  = "X-Osprey-Source"
)

const requestTimeout = 30 * time.Second

// Evaluator is the triage entry point the server dispatches events to.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *event.Event) (*triage.Verdict, error)
}

// Server is the webhook ingestion boundary. Transport is deliberately thin:
// decode, rate-limit, establish the session, evaluate, encode.
type Server struct {
	router    *chi.Mux
	evaluator Evaluator
	memory    *memory.Store
	ledger    *ledger.Store
	limiter   *RateLimiter
	startTime time.Time
	version   string
}

// NewServer builds the ingestion server. limiter may be nil to disable rate
// limiting (tests).
func NewServer(evaluator Evaluator, mem *memory.Store, led *ledger.Store, limiter *RateLimiter, version string) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		evaluator: evaluator,
		memory:    mem,
		ledger:    led,
		limiter:   limiter,
		startTime: time.Now(),
		version:   version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
	s.router.Use(ospreyotel.Middleware())

	s.router.Get("/ping", s.handlePing)
	s.router.Post("/events", s.handleEvent)
	s.router.Get("/subjects/{subjectID}/actions", s.handleActions)
	s.router.Get("/subjects/{subjectID}/facts", s.handleFacts)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// handleEvent ingests one transaction event and returns the verdict.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	source := r.Header.Get(HeaderSource)
	if source == "" {
		source = r.RemoteAddr
	}
	if s.limiter != nil && !s.limiter.Allow(source) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "reading body"})
		return
	}

	ev, err := event.Parse(body)
	if err != nil {
		// Malformed events are the one fatal input: reject, never guess.
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	actorID := r.Header.Get(HeaderActor)
	if actorID == "" {
		actorID = ev.SubjectID
	}
	sess := session.New(actorID, r.Header.Get(HeaderSession), time.Now().UTC())
	ctx := session.Into(r.Context(), sess)

	verdict, err := s.evaluator.Evaluate(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("event_evaluation_failed")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	w.Header().Set(HeaderSession, sess.SessionID)
	writeJSON(w, http.StatusOK, verdict)
}

// handleActions lists the subject's action ledger records.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	records, err := s.ledger.List(r.Context(), subjectID, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": subjectID,
		"actions":    records,
	})
}

// handleFacts lists the subject's memory facts for an actor's namespace.
// tier selects short_term, long_term, or both when empty.
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	actorID := r.Header.Get(HeaderActor)
	if actorID == "" {
		actorID = subjectID
	}
	facts, err := s.memory.Query(r.Context(), session.NamespaceFor(actorID), subjectID, r.URL.Query().Get("tier"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": subjectID,
		"facts":      facts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response_encode_failed")
	}
}
