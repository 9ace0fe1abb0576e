package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lorenzotomasdiez/roundtable/internal/config"
	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/simulation"
)

// hanging never answers, keeping conversations running until cancelled.
type hanging struct{}

func (hanging) Generate(ctx context.Context, _, _ string, cfg llm.Config) (string, error) {
	<-ctx.Done()
	return "", &llm.GenerationError{Backend: "test", Model: cfg.Model, Err: ctx.Err()}
}

func setupServer(t *testing.T, gen llm.Generator) (*Server, *simulation.Service) {
	t.Helper()
	tuning := config.DefaultTuning()
	tuning.MaxRounds = 2
	tuning.BackoffBase = time.Millisecond
	svc := simulation.New(simulation.Options{
		Generator: gen,
		Prompts:   prompt.Default(),
		Tuning:    tuning,
		Model:     "test-model",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return NewServer(svc, 8080), svc
}

func do(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

var session = map[string]any{
	"argument": "The landlord is responsible for the flood damage.",
	"personas": []map[string]any{
		{"id": "a", "name": "Ann", "leadership": "leader", "lean": 0.4},
		{"id": "b", "name": "Bob", "leadership": "follower", "lean": -0.2},
	},
}

func createAndStart(t *testing.T, srv *Server) string {
	t.Helper()
	w := do(srv, "POST", "/api/v1/sessions", session)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	json.NewDecoder(w.Body).Decode(&created)

	w = do(srv, "POST", "/api/v1/sessions/"+created["session_id"]+"/conversations", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start conversation: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started map[string]string
	json.NewDecoder(w.Body).Decode(&started)
	if started["conversation_id"] == "" {
		t.Fatal("expected conversation_id")
	}
	return started["conversation_id"]
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, llm.NewMock())
	w := do(srv, "GET", "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" || body["service"] != "roundtable" {
		t.Errorf("unexpected body %v", body)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
}

func TestCreateSessionRejectsInvalidBody(t *testing.T) {
	srv, _ := setupServer(t, llm.NewMock())

	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: expected 400, got %d", w.Code)
	}

	w = do(srv, "POST", "/api/v1/sessions", map[string]any{"argument": "x", "personas": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty panel: expected 400, got %d", w.Code)
	}
}

func TestStartConversationUnknownSession(t *testing.T) {
	srv, _ := setupServer(t, llm.NewMock())
	w := do(srv, "POST", "/api/v1/sessions/nope/conversations", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv, svc := setupServer(t, llm.NewMock())
	id := createAndStart(t, srv)
	svc.Wait()

	w := do(srv, "GET", "/api/v1/conversations/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get conversation: expected 200, got %d", w.Code)
	}
	var conv roundtable.Conversation
	json.NewDecoder(w.Body).Decode(&conv)
	if conv.ID != id || conv.CompletedAt == nil || len(conv.Statements) == 0 {
		t.Errorf("unexpected conversation: id=%s completed=%v statements=%d", conv.ID, conv.CompletedAt != nil, len(conv.Statements))
	}

	for _, path := range []string{"summaries", "insights", "takeaways"} {
		w := do(srv, "GET", "/api/v1/conversations/"+id+"/"+path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
	}

	w = do(srv, "POST", "/api/v1/conversations/"+id+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel completed conversation: expected 409, got %d", w.Code)
	}

	w = do(srv, "GET", "/api/v1/sessions/"+conv.SessionID+"/conversations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list conversations: expected 200, got %d", w.Code)
	}
	var list []roundtable.Conversation
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("list = %+v", list)
	}
}

func TestResultsConflictWhileRunning(t *testing.T) {
	srv, _ := setupServer(t, hanging{})
	id := createAndStart(t, srv)

	for _, path := range []string{"insights", "takeaways"} {
		w := do(srv, "GET", "/api/v1/conversations/"+id+"/"+path, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("%s while running: expected 409, got %d", path, w.Code)
		}
	}
}

func TestCancelConversation(t *testing.T) {
	srv, svc := setupServer(t, hanging{})
	id := createAndStart(t, srv)

	w := do(srv, "POST", "/api/v1/conversations/"+id+"/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", w.Code)
	}
	svc.Wait()

	w = do(srv, "GET", "/api/v1/conversations/"+id, nil)
	var conv roundtable.Conversation
	json.NewDecoder(w.Body).Decode(&conv)
	if conv.State != roundtable.StateCancelled {
		t.Errorf("State = %s, want cancelled", conv.State)
	}
}

func TestUnknownConversationIsNotFound(t *testing.T) {
	srv, _ := setupServer(t, llm.NewMock())
	for _, path := range []string{"/api/v1/conversations/missing", "/api/v1/conversations/missing/insights"} {
		if w := do(srv, "GET", path, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, w.Code)
		}
	}
}
