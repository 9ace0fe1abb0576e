package simulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lorenzotomasdiez/roundtable/internal/config"
	"github.com/lorenzotomasdiez/roundtable/internal/events"
	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// blocking never answers until its context ends.
type blocking struct{}

func (blocking) Generate(ctx context.Context, _, _ string, cfg llm.Config) (string, error) {
	<-ctx.Done()
	return "", &llm.GenerationError{Backend: "test", Model: cfg.Model, Err: ctx.Err()}
}

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.MaxRounds = 3
	t.BackoffBase = time.Millisecond
	return t
}

func testSession() roundtable.Session {
	return roundtable.Session{
		Argument: "The trucking company is liable for the crash.",
		Personas: []roundtable.PersonaProfile{
			{ID: "a", Name: "Ann", Leadership: roundtable.Leader, Lean: 0.5},
			{ID: "b", Name: "Bob", Leadership: roundtable.Follower, Lean: -0.3},
			{ID: "c", Name: "Cy", Leadership: roundtable.Passive, Lean: 0.1},
		},
	}
}

func newService(t *testing.T, gen llm.Generator) (*Service, *store.Memory, *recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	svc := New(Options{
		Generator: gen,
		Prompts:   prompt.Default(),
		Store:     mem,
		Publisher: rec,
		Tuning:    testTuning(),
		Model:     "test-model",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, mem, rec
}

func start(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	sessID, err := svc.CreateSession(ctx, testSession())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	id, err := svc.StartConversation(ctx, sessID)
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	return id
}

func await(t *testing.T, svc *Service, id string) roundtable.Conversation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conv, err := svc.AwaitConversation(ctx, id)
	if err != nil {
		t.Fatalf("AwaitConversation() error = %v", err)
	}
	return conv
}

func TestCreateSessionAssignsIDAndValidates(t *testing.T) {
	svc, _, _ := newService(t, llm.NewMock())
	id, err := svc.CreateSession(context.Background(), testSession())
	if err != nil || id == "" {
		t.Fatalf("CreateSession() = %q, %v", id, err)
	}
	bad := testSession()
	bad.Personas = bad.Personas[:1]
	if _, err := svc.CreateSession(context.Background(), bad); err == nil {
		t.Fatal("expected validation error for a one-persona panel")
	}
}

func TestStartConversationUnknownSession(t *testing.T) {
	svc, _, _ := newService(t, llm.NewMock())
	if _, err := svc.StartConversation(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConversationRunsToCompletionAndPersists(t *testing.T) {
	svc, mem, rec := newService(t, llm.NewMock())
	id := start(t, svc)
	conv := await(t, svc, id)

	if !conv.Completed() {
		t.Fatalf("conversation not completed: state %s", conv.State)
	}
	if conv.State != roundtable.StateConverged && conv.State != roundtable.StateMaxRoundsReached {
		t.Errorf("State = %s, want converged or max_rounds_reached", conv.State)
	}
	if len(conv.Statements) == 0 {
		t.Fatal("expected statements")
	}
	for i, st := range conv.Statements {
		if st.SequenceNumber != i+1 {
			t.Fatalf("statement %d has sequence %d", i, st.SequenceNumber)
		}
	}

	stored, err := mem.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("store GetConversation() error = %v", err)
	}
	if len(stored.Statements) != len(conv.Statements) || !stored.Completed() {
		t.Errorf("stored %d statements (completed=%v), want %d completed", len(stored.Statements), stored.Completed(), len(conv.Statements))
	}
	if _, err := mem.GetArtifact(context.Background(), id, store.KindSummaries); err != nil {
		t.Errorf("summaries artifact missing: %v", err)
	}

	if rec.count(events.TypeConversationStarted) != 1 || rec.count(events.TypeConversationCompleted) != 1 {
		t.Errorf("expected one started and one completed event, got %d and %d",
			rec.count(events.TypeConversationStarted), rec.count(events.TypeConversationCompleted))
	}
	if got := rec.count(events.TypeStatementAppended); got != len(conv.Statements) {
		t.Errorf("statement events = %d, want %d", got, len(conv.Statements))
	}
}

func TestHooksReceiveEveryStatement(t *testing.T) {
	var mu sync.Mutex
	var seqs []int
	rounds := 0
	svc := New(Options{
		Generator: llm.NewMock(),
		Prompts:   prompt.Default(),
		Tuning:    testTuning(),
		Hooks: Hooks{
			OnStatement: func(_ string, st roundtable.Statement) {
				mu.Lock()
				seqs = append(seqs, st.SequenceNumber)
				mu.Unlock()
			},
			OnRound: func(string, int, roundtable.Verdict) {
				mu.Lock()
				rounds++
				mu.Unlock()
			},
		},
	})
	id := start(t, svc)
	conv := await(t, svc, id)

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != len(conv.Statements) {
		t.Errorf("hook saw %d statements, want %d", len(seqs), len(conv.Statements))
	}
	if rounds != conv.Rounds {
		t.Errorf("hook saw %d rounds, want %d", rounds, conv.Rounds)
	}
}

func TestCancelRunningConversation(t *testing.T) {
	svc, mem, _ := newService(t, blocking{})
	id := start(t, svc)

	if err := svc.CancelConversation(context.Background(), id); err != nil {
		t.Fatalf("CancelConversation() error = %v", err)
	}
	conv := await(t, svc, id)
	if conv.State != roundtable.StateCancelled || conv.Converged {
		t.Errorf("State = %s converged=%v, want cancelled", conv.State, conv.Converged)
	}
	stored, _ := mem.GetConversation(context.Background(), id)
	if stored.State != roundtable.StateCancelled {
		t.Errorf("stored state = %s, want cancelled", stored.State)
	}

	if err := svc.CancelConversation(context.Background(), id); !errors.Is(err, roundtable.ErrInvalidState) {
		t.Errorf("second cancel: expected ErrInvalidState, got %v", err)
	}
	if err := svc.CancelConversation(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestResultsNotReadyWhileRunning(t *testing.T) {
	svc, _, _ := newService(t, blocking{})
	id := start(t, svc)

	conv, err := svc.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Completed() {
		t.Fatal("conversation should still be running")
	}
	if _, err := svc.GetPersonaInsights(context.Background(), id); !errors.Is(err, roundtable.ErrNotReady) {
		t.Errorf("insights: expected ErrNotReady, got %v", err)
	}
	if _, err := svc.GetTakeaways(context.Background(), id); !errors.Is(err, roundtable.ErrNotReady) {
		t.Errorf("takeaways: expected ErrNotReady, got %v", err)
	}
	if _, err := svc.GetSummaries(context.Background(), id); !errors.Is(err, roundtable.ErrNotReady) {
		t.Errorf("summaries: expected ErrNotReady, got %v", err)
	}
}

func TestInsightsAndTakeawaysAreCached(t *testing.T) {
	svc, mem, _ := newService(t, llm.NewMock())
	id := start(t, svc)
	await(t, svc, id)
	ctx := context.Background()

	insights, err := svc.GetPersonaInsights(ctx, id)
	if err != nil {
		t.Fatalf("GetPersonaInsights() error = %v", err)
	}
	if len(insights) != 3 {
		t.Fatalf("got %d insights, want 3", len(insights))
	}
	for _, in := range insights {
		if !in.Available {
			t.Errorf("insight for %s unavailable: %s", in.PersonaID, in.Note)
		}
	}
	if _, err := mem.GetArtifact(ctx, id, store.KindInsights); err != nil {
		t.Errorf("insights not stored: %v", err)
	}
	again, err := svc.GetPersonaInsights(ctx, id)
	if err != nil || len(again) != len(insights) || again[0].PersonaID != insights[0].PersonaID {
		t.Errorf("cached insights = %v, %v", again, err)
	}

	tk, err := svc.GetTakeaways(ctx, id)
	if err != nil {
		t.Fatalf("GetTakeaways() error = %v", err)
	}
	if !tk.Available {
		t.Errorf("takeaways unavailable: %s", tk.Note)
	}
	if _, err := mem.GetArtifact(ctx, id, store.KindTakeaways); err != nil {
		t.Errorf("takeaways not stored: %v", err)
	}
}

func TestConcurrentConversationsAreIndependent(t *testing.T) {
	svc, _, _ := newService(t, llm.NewMock())
	ids := []string{start(t, svc), start(t, svc), start(t, svc)}
	svc.Wait()
	for _, id := range ids {
		conv, err := svc.GetConversation(context.Background(), id)
		if err != nil {
			t.Fatalf("GetConversation(%s) error = %v", id, err)
		}
		if !conv.Completed() {
			t.Errorf("conversation %s not completed", id)
		}
		for _, st := range conv.Statements {
			if st.ConversationID != id {
				t.Errorf("statement %d belongs to %s, want %s", st.SequenceNumber, st.ConversationID, id)
			}
		}
	}
}

func TestShutdownCancelsRuns(t *testing.T) {
	svc, _, _ := newService(t, blocking{})
	id := start(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	conv, err := svc.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.State != roundtable.StateCancelled {
		t.Errorf("State = %s, want cancelled", conv.State)
	}
}
