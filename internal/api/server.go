// Package api serves the simulation service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/store"
	"github.com/lorenzotomasdiez/roundtable/internal/synthesis"
)

// Simulator is the part of simulation.Service the API drives.
type Simulator interface {
	CreateSession(ctx context.Context, s roundtable.Session) (string, error)
	GetSession(ctx context.Context, id string) (roundtable.Session, error)
	StartConversation(ctx context.Context, sessionID string) (string, error)
	GetConversation(ctx context.Context, id string) (roundtable.Conversation, error)
	ListConversations(ctx context.Context, sessionID string) ([]roundtable.Conversation, error)
	CancelConversation(ctx context.Context, id string) error
	GetSummaries(ctx context.Context, id string) ([]synthesis.PersonaSummary, error)
	GetPersonaInsights(ctx context.Context, id string) ([]synthesis.PersonaInsight, error)
	GetTakeaways(ctx context.Context, id string) (synthesis.Takeaways, error)
}

type Server struct {
	sim    Simulator
	router chi.Router
	port   int
}

func NewServer(sim Simulator, port int) *Server {
	srv := &Server{sim: sim, port: port}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Post("/sessions", srv.handleCreateSession)
		r.Get("/sessions/{sessionID}", srv.handleGetSession)
		r.Post("/sessions/{sessionID}/conversations", srv.handleStartConversation)
		r.Get("/sessions/{sessionID}/conversations", srv.handleListConversations)
		r.Get("/conversations/{conversationID}", srv.handleGetConversation)
		r.Post("/conversations/{conversationID}/cancel", srv.handleCancel)
		r.Get("/conversations/{conversationID}/summaries", srv.handleSummaries)
		r.Get("/conversations/{conversationID}/insights", srv.handleInsights)
		r.Get("/conversations/{conversationID}/takeaways", srv.handleTakeaways)
	})

	srv.router = r
	return srv
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		observability.Logger().Info("starting HTTP API", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// requestLogger carries chi's request id into the logging context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		observability.LoggerFromContext(ctx).Debug("request served",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "roundtable",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var sess roundtable.Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := sess.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.sim.CreateSession(r.Context(), sess)
	if err != nil {
		s.fail(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sim.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	id, err := s.sim.StartConversation(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "start conversation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"conversation_id": id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.sim.ListConversations(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []roundtable.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.sim.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.fail(w, r, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := s.sim.CancelConversation(r.Context(), id); err != nil {
		s.fail(w, r, "cancel conversation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"conversation_id": id, "status": "cancelling"})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	sums, err := s.sim.GetSummaries(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.fail(w, r, "get summaries", err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.sim.GetPersonaInsights(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.fail(w, r, "get insights", err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleTakeaways(w http.ResponseWriter, r *http.Request) {
	t, err := s.sim.GetTakeaways(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.fail(w, r, "get takeaways", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// fail maps service errors to status codes. Unknown errors are logged and
// reported as internal errors.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, roundtable.ErrNotReady), errors.Is(err, roundtable.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		observability.LoggerFromContext(r.Context()).Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
