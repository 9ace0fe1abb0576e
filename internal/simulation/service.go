// Package simulation runs conversations in the background and serves their
// transcripts, insights and takeaways.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lorenzotomasdiez/roundtable/internal/config"
	"github.com/lorenzotomasdiez/roundtable/internal/events"
	"github.com/lorenzotomasdiez/roundtable/internal/keypoints"
	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable/convergence"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable/dissent"
	"github.com/lorenzotomasdiez/roundtable/internal/store"
	"github.com/lorenzotomasdiez/roundtable/internal/synthesis"
)

// Hooks observe a running conversation. All fields are optional and are
// called from the conversation's goroutine.
type Hooks struct {
	OnTurn      func(conversationID string, tc roundtable.TurnContext)
	OnStatement func(conversationID string, st roundtable.Statement)
	OnSkip      func(conversationID string, skip roundtable.SkippedTurn)
	OnRound     func(conversationID string, round int, verdict roundtable.Verdict)
}

// Options configure a Service.
type Options struct {
	Generator llm.Generator
	Prompts   roundtable.PromptRenderer
	Store     store.Store
	Publisher events.Publisher
	Tuning    config.Tuning
	// Model is used by every prompt that does not name its own model and by
	// personas without a model.
	Model string
	Hooks Hooks
}

type run struct {
	engine *roundtable.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Service owns background conversation runs. Independent conversations run
// in parallel; each has its own ledger.
type Service struct {
	opts      Options
	insights  *synthesis.InsightSynthesizer
	takeaways *synthesis.TakeawaysSynthesizer

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	group     singleflight.Group

	mu      sync.Mutex
	running map[string]*run
}

// New creates a Service. A nil Store or Publisher gets the in-memory store or
// the no-op publisher.
func New(opts Options) *Service {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	t := opts.Tuning
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:      opts,
		insights:  synthesis.NewInsightSynthesizer(opts.Generator, opts.Prompts, t.PromptVersion, opts.Model, t.SynthesisConcurrency),
		takeaways: synthesis.NewTakeawaysSynthesizer(opts.Generator, opts.Prompts, t.PromptVersion, opts.Model),
		baseCtx:   ctx,
		cancelAll: cancel,
		running:   make(map[string]*run),
	}
}

// CreateSession validates and stores a session, assigning an id if it has
// none.
func (s *Service) CreateSession(ctx context.Context, sess roundtable.Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if err := sess.Validate(); err != nil {
		return "", err
	}
	if err := s.opts.Store.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("simulation: save session: %w", err)
	}
	return sess.ID, nil
}

// GetSession returns a stored session.
func (s *Service) GetSession(ctx context.Context, id string) (roundtable.Session, error) {
	return s.opts.Store.GetSession(ctx, id)
}

// StartConversation starts a conversation for a stored session and returns
// its id immediately. The run continues after ctx ends; use
// CancelConversation or Shutdown to stop it.
func (s *Service) StartConversation(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.opts.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("simulation: load session %s: %w", sessionID, err)
	}
	engine, err := s.newEngine(sess)
	if err != nil {
		return "", err
	}
	id := engine.Ledger().ID()
	if err := s.opts.Store.CreateConversation(ctx, engine.Ledger().Snapshot()); err != nil {
		return "", fmt.Errorf("simulation: create conversation: %w", err)
	}

	runCtx, cancel := context.WithCancel(observability.WithConversationID(s.baseCtx, id))
	r := &run{engine: engine, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[id] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, sess, r)
	return id, nil
}

func (s *Service) newEngine(sess roundtable.Session) (*roundtable.Engine, error) {
	t := s.opts.Tuning
	ordering, err := roundtable.PolicyByName(t.Ordering, t.ExtraLeaderTurn)
	if err != nil {
		return nil, fmt.Errorf("simulation: %w", err)
	}
	deps := roundtable.Dependencies{
		Generator:   s.opts.Generator,
		Prompts:     s.opts.Prompts,
		Extractor:   keypoints.NewExtractor(s.opts.Generator, s.opts.Prompts, t.PromptVersion, s.opts.Model),
		Stance:      keypoints.NewStanceEstimator(s.opts.Generator, s.opts.Prompts, t.PromptVersion, s.opts.Model),
		Dissent:     dissent.NewDetector(t.Dissent.Window, t.Dissent.Threshold, t.Dissent.MinSamples),
		Convergence: convergence.NewEvaluator(t.Convergence.Window, t.Convergence.MinRounds),
		Ordering:    ordering,
		Composer:    roundtable.NewComposer(t.TranscriptBudget, t.LengthBudgets),
	}
	ledger := roundtable.NewLedger(uuid.NewString(), sess.ID)
	return roundtable.NewEngine(sess, ledger, deps, t.Settings(s.opts.Model)), nil
}

func (s *Service) execute(ctx context.Context, sess roundtable.Session, r *run) {
	defer s.wg.Done()
	defer close(r.done)
	defer r.cancel()

	e := r.engine
	id := e.Ledger().ID()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()
	log := observability.LoggerFromContext(ctx)
	// Persistence outlives cancellation so a cancelled run is still recorded.
	persistCtx := context.WithoutCancel(ctx)
	hooks := s.opts.Hooks

	e.OnTurn = func(tc roundtable.TurnContext) {
		if hooks.OnTurn != nil {
			hooks.OnTurn(id, tc)
		}
	}
	e.OnState = func(state roundtable.State) {
		if state != roundtable.StateRoundInProgress {
			return
		}
		if err := s.opts.Store.UpdateProgress(persistCtx, id, state, 0); err != nil {
			log.Warn("failed to record conversation start", "error", err)
		}
		s.publish(persistCtx, log, events.New(events.TypeConversationStarted, id, map[string]any{
			"session_id": sess.ID,
			"personas":   len(sess.Personas),
			"max_rounds": s.opts.Tuning.MaxRounds,
		}))
	}
	e.OnStatement = func(st roundtable.Statement) {
		if err := s.opts.Store.AppendStatement(persistCtx, st); err != nil {
			log.Warn("failed to persist statement", "sequence", st.SequenceNumber, "error", err)
		}
		s.publish(persistCtx, log, events.New(events.TypeStatementAppended, id, map[string]any{
			"sequence_number": st.SequenceNumber,
			"round":           st.Round,
			"persona_id":      st.PersonaID,
			"is_dissent":      st.IsDissent,
			"key_points":      len(st.KeyPoints),
		}))
		if hooks.OnStatement != nil {
			hooks.OnStatement(id, st)
		}
	}
	e.OnSkip = func(skip roundtable.SkippedTurn) {
		s.publish(persistCtx, log, events.New(events.TypeTurnSkipped, id, skip))
		if hooks.OnSkip != nil {
			hooks.OnSkip(id, skip)
		}
	}
	e.OnRound = func(round int, v roundtable.Verdict) {
		if err := s.opts.Store.UpdateProgress(persistCtx, id, roundtable.StateRoundInProgress, round); err != nil {
			log.Warn("failed to record round progress", "round", round, "error", err)
		}
		if hooks.OnRound != nil {
			hooks.OnRound(id, round, v)
		}
	}

	if _, err := e.Run(ctx); err != nil {
		log.Warn("conversation ended with error", "error", err)
	}
	conv := e.Ledger().Snapshot()
	if !conv.Completed() {
		if c, err := e.Ledger().Complete(roundtable.StateFailed, false, "failed before start"); err == nil {
			conv = c
		}
	}

	if err := s.opts.Store.CompleteConversation(persistCtx, conv); err != nil {
		log.Error("failed to persist completed conversation", "error", err)
		return
	}
	if data, err := json.Marshal(synthesis.Summarize(conv, sess.Personas)); err == nil {
		if err := s.opts.Store.PutArtifact(persistCtx, id, store.KindSummaries, data); err != nil {
			log.Warn("failed to persist summaries", "error", err)
		}
	}
	s.publish(persistCtx, log, events.New(events.TypeConversationCompleted, id, map[string]any{
		"state":              conv.State,
		"converged":          conv.Converged,
		"convergence_reason": conv.ConvergenceReason,
		"rounds":             conv.Rounds,
		"statements":         len(conv.Statements),
		"skipped":            len(conv.Skipped),
	}))
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, e events.Event) {
	if err := s.opts.Publisher.Publish(ctx, e); err != nil {
		log.Warn("failed to publish event", "event_type", e.EventType, "error", err)
	}
}

func (s *Service) live(id string) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[id]
	return r, ok
}

// GetConversation returns the live ledger while the conversation runs and the
// stored copy afterwards. It is safe to poll.
func (s *Service) GetConversation(ctx context.Context, id string) (roundtable.Conversation, error) {
	if r, ok := s.live(id); ok {
		return r.engine.Ledger().Snapshot(), nil
	}
	return s.opts.Store.GetConversation(ctx, id)
}

// ListConversations returns the conversations of a session without their
// statements.
func (s *Service) ListConversations(ctx context.Context, sessionID string) ([]roundtable.Conversation, error) {
	if _, err := s.opts.Store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.opts.Store.ListConversations(ctx, sessionID)
}

// AwaitConversation blocks until the conversation finishes or ctx ends.
func (s *Service) AwaitConversation(ctx context.Context, id string) (roundtable.Conversation, error) {
	if r, ok := s.live(id); ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return roundtable.Conversation{}, ctx.Err()
		}
	}
	return s.GetConversation(ctx, id)
}

// CancelConversation stops a running conversation. The conversation is
// completed as cancelled with every statement appended so far.
func (s *Service) CancelConversation(ctx context.Context, id string) error {
	if r, ok := s.live(id); ok {
		r.cancel()
		return nil
	}
	conv, err := s.opts.Store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	return &roundtable.InvalidStateError{ConversationID: id, Op: "cancel", Reason: fmt.Sprintf("conversation already %s", conv.State)}
}

// completed loads a conversation and its session, failing with a
// NotReadyError until the conversation has completed.
func (s *Service) completed(ctx context.Context, id string) (roundtable.Conversation, roundtable.Session, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return roundtable.Conversation{}, roundtable.Session{}, err
	}
	if !conv.Completed() {
		return roundtable.Conversation{}, roundtable.Session{}, &roundtable.NotReadyError{ConversationID: id, State: conv.State}
	}
	sess, err := s.opts.Store.GetSession(ctx, conv.SessionID)
	if err != nil {
		return roundtable.Conversation{}, roundtable.Session{}, fmt.Errorf("simulation: load session: %w", err)
	}
	return conv, sess, nil
}

func (s *Service) summaries(ctx context.Context, conv roundtable.Conversation, sess roundtable.Session) []synthesis.PersonaSummary {
	var sums []synthesis.PersonaSummary
	if err := s.artifact(ctx, conv.ID, store.KindSummaries, &sums); err == nil {
		return sums
	}
	return synthesis.Summarize(conv, sess.Personas)
}

// GetSummaries returns the deterministic per-persona summaries.
func (s *Service) GetSummaries(ctx context.Context, id string) ([]synthesis.PersonaSummary, error) {
	conv, sess, err := s.completed(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.summaries(ctx, conv, sess), nil
}

// GetPersonaInsights returns insights for every persona, synthesizing and
// storing them on first request. Model failures yield placeholder insights.
func (s *Service) GetPersonaInsights(ctx context.Context, id string) ([]synthesis.PersonaInsight, error) {
	conv, sess, err := s.completed(ctx, id)
	if err != nil {
		return nil, err
	}
	var cached []synthesis.PersonaInsight
	if err := s.artifact(ctx, id, store.KindInsights, &cached); err == nil {
		return cached, nil
	}

	v, err, _ := s.group.Do(store.KindInsights+"/"+id, func() (any, error) {
		insights, err := s.insights.SynthesizeAll(ctx, conv, sess, s.summaries(ctx, conv, sess))
		if err != nil {
			return nil, err
		}
		s.saveArtifact(ctx, id, store.KindInsights, insights)
		return insights, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]synthesis.PersonaInsight), nil
}

// GetTakeaways returns the attorney takeaways, synthesizing and storing them
// on first request.
func (s *Service) GetTakeaways(ctx context.Context, id string) (synthesis.Takeaways, error) {
	conv, sess, err := s.completed(ctx, id)
	if err != nil {
		return synthesis.Takeaways{}, err
	}
	var cached synthesis.Takeaways
	if err := s.artifact(ctx, id, store.KindTakeaways, &cached); err == nil {
		return cached, nil
	}

	v, err, _ := s.group.Do(store.KindTakeaways+"/"+id, func() (any, error) {
		t, err := s.takeaways.Synthesize(ctx, conv, sess, s.summaries(ctx, conv, sess))
		if err != nil {
			return nil, err
		}
		s.saveArtifact(ctx, id, store.KindTakeaways, t)
		return t, nil
	})
	if err != nil {
		return synthesis.Takeaways{}, err
	}
	return v.(synthesis.Takeaways), nil
}

func (s *Service) artifact(ctx context.Context, id, kind string, v any) error {
	data, err := s.opts.Store.GetArtifact(ctx, id, kind)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// saveArtifact stores synthesized output. Placeholder results are not
// cached so a later request can try again.
func (s *Service) saveArtifact(ctx context.Context, id, kind string, v any) {
	switch x := v.(type) {
	case []synthesis.PersonaInsight:
		for _, in := range x {
			if !in.Available {
				return
			}
		}
	case synthesis.Takeaways:
		if !x.Available {
			return
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.opts.Store.PutArtifact(ctx, id, kind, data); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to store artifact", "kind", kind, "conversation_id", id, "error", err)
	}
}

// Wait blocks until every background run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels every running conversation and waits for them to be
// recorded, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("simulation: shutdown timed out"), ctx.Err())
	}
}
