package roundtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
)

const (
	defaultGenerationAttempts = 3
	defaultTranscriptBudget   = 6000
)

// Settings are the tuning knobs of one conversation run.
type Settings struct {
	// MaxRounds is the hard cap after which the run ends unconverged.
	MaxRounds int
	// GenerationAttempts is the total number of tries per turn.
	GenerationAttempts int
	BackoffBase        time.Duration
	CallTimeout        time.Duration
	RoundTimeout       time.Duration
	PromptVersion      string
	DefaultModel       string
}

// Dependencies are the collaborators the engine drives.
type Dependencies struct {
	Generator   llm.Generator
	Prompts     PromptRenderer
	Extractor   KeyPointExtractor
	Stance      StanceEstimator
	Dissent     DissentDetector
	Convergence ConvergenceEvaluator
	Ordering    OrderingPolicy
	Composer    *Composer
}

// Result holds the complete output of a run.
type Result struct {
	Conversation Conversation
	Verdict      Verdict
}

// Engine orchestrates one conversation: it picks speakers, composes their
// context, calls the model, appends statements, tracks dissent and decides
// when to stop.
type Engine struct {
	session     Session
	deps        Dependencies
	settings    Settings
	ledger      *Ledger
	logger      *slog.Logger
	backoffFunc func(attempt int) time.Duration
	pending     *DissentSignal

	OnTurn      func(TurnContext)
	OnStatement func(Statement)
	OnSkip      func(SkippedTurn)
	OnState     func(State)
	OnRound     func(round int, verdict Verdict)
}

// NewEngine creates an engine for session. A nil ledger gets a fresh one.
func NewEngine(session Session, ledger *Ledger, deps Dependencies, settings Settings) *Engine {
	if ledger == nil {
		ledger = NewLedger(uuid.NewString(), session.ID)
	}
	if deps.Ordering == nil {
		deps.Ordering = RoundRobin{}
	}
	if deps.Composer == nil {
		deps.Composer = NewComposer(defaultTranscriptBudget, nil)
	}
	if settings.GenerationAttempts <= 0 {
		settings.GenerationAttempts = defaultGenerationAttempts
	}
	if settings.BackoffBase <= 0 {
		settings.BackoffBase = time.Second
	}
	e := &Engine{
		session:  session,
		deps:     deps,
		settings: settings,
		ledger:   ledger,
		logger:   observability.WithFields("conversation_id", ledger.ID(), "session_id", session.ID),
	}
	e.backoffFunc = func(attempt int) time.Duration {
		return e.settings.BackoffBase << uint(attempt)
	}
	return e
}

// Ledger exposes the conversation ledger for live reads.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Run drives rounds until the panel converges, the round cap is hit, or ctx
// is cancelled. Cancellation completes the conversation as cancelled and
// returns the context error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.session.Validate(); err != nil {
		return nil, err
	}
	if e.settings.MaxRounds < 1 {
		return nil, fmt.Errorf("roundtable: max rounds must be >= 1, got %d", e.settings.MaxRounds)
	}
	if err := e.ledger.Start(); err != nil {
		return nil, err
	}
	e.emitState(StateRoundInProgress)

	var verdict Verdict
	for round := 1; round <= e.settings.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return e.abort(err)
		}
		e.logger.Info("round started", "round", round)
		if err := e.runRound(ctx, round); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.abort(ctxErr)
			}
			return e.fail(err)
		}
		e.ledger.EndRound(round)

		verdict = e.deps.Convergence.Evaluate(e.ledger.Snapshot())
		e.logger.Info("round finished", "round", round, "converged", verdict.Converged, "reason", verdict.Reason)
		if e.OnRound != nil {
			e.OnRound(round, verdict)
		}
		if verdict.Converged {
			return e.finish(StateConverged, true, verdict.Reason, verdict)
		}
	}

	reason := fmt.Sprintf("round cap (%d) reached without consensus", e.settings.MaxRounds)
	if verdict.Reason != "" {
		reason += ": " + verdict.Reason
	}
	return e.finish(StateMaxRoundsReached, false, reason, verdict)
}

func (e *Engine) runRound(ctx context.Context, round int) error {
	roundCtx := ctx
	if e.settings.RoundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, e.settings.RoundTimeout)
		defer cancel()
	}

	for _, persona := range e.deps.Ordering.Order(round, e.session.Personas) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("roundtable: %w", err)
		}
		if err := e.takeTurn(ctx, roundCtx, round, persona); err != nil {
			return err
		}
	}
	return nil
}

// takeTurn runs one persona turn. Model calls happen on roundCtx; ctx is the
// conversation context and decides between a skip and a cancellation.
func (e *Engine) takeTurn(ctx, roundCtx context.Context, round int, persona PersonaProfile) error {
	log := e.logger.With("round", round, "persona", persona.ID)

	view := e.ledger.View()
	var directive *DissentSignal
	if e.pending != nil && e.pending.PersonaID != persona.ID {
		directive = e.pending
	}
	tc := e.deps.Composer.Compose(e.session, view, persona, round, directive)
	if e.OnTurn != nil {
		e.OnTurn(tc)
	}

	rendered, err := e.deps.Prompts.Render(prompt.Turn, e.settings.PromptVersion, tc.Variables())
	if err != nil {
		return fmt.Errorf("roundtable: rendering turn for %s: %w", persona.ID, err)
	}
	cfg := rendered.Config
	if persona.Model != "" {
		cfg.Model = persona.Model
	} else if cfg.Model == "" {
		cfg.Model = e.settings.DefaultModel
	}

	content, attempts, err := e.generate(roundCtx, log, rendered.System, rendered.User, cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("roundtable: %w", ctxErr)
		}
		skip := SkippedTurn{Round: round, PersonaID: persona.ID, Attempts: attempts, Reason: err.Error()}
		e.ledger.RecordSkip(skip)
		log.Warn("turn skipped", "attempts", attempts, "error", err)
		if e.OnSkip != nil {
			e.OnSkip(skip)
		}
		return nil
	}

	keyPoints := e.extract(roundCtx, log, content)
	position := e.position(roundCtx, log, persona, content, view)
	candidate := Statement{
		Round:       round,
		PersonaID:   persona.ID,
		PersonaName: persona.Name,
		Content:     content,
		KeyPoints:   keyPoints,
		Position:    position,
	}
	signal := e.deps.Dissent.Detect(candidate, e.deps.Dissent.Estimate(view.Statements), view.Established)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("roundtable: %w", err)
	}
	respondsTo := 0
	if directive != nil {
		respondsTo = directive.SequenceNumber
	}
	st, err := e.ledger.Append(StatementDraft{
		Round:              round,
		PersonaID:          persona.ID,
		PersonaName:        persona.Name,
		Content:            content,
		KeyPoints:          keyPoints,
		AddressedPersonaID: DetectAddressee(content, persona, e.session.Personas, directive),
		IsDissent:          signal != nil,
		RespondsTo:         respondsTo,
		Position:           position,
		BasedOn:            view.Len(),
	})
	if err != nil {
		return fmt.Errorf("roundtable: append for %s: %w", persona.ID, err)
	}

	if directive != nil {
		e.pending = nil
	}
	if signal != nil {
		signal.SequenceNumber = st.SequenceNumber
		e.pending = signal
		log.Info("dissent flagged", "sequence", st.SequenceNumber, "divergence", signal.Divergence, "new_points", len(signal.KeyPoints))
	}
	if e.OnStatement != nil {
		e.OnStatement(st)
	}
	return nil
}

// generate calls the backend with per-call timeouts, retrying with backoff.
// A provider Retry-After longer than the backoff wins. It returns the number
// of attempts made.
func (e *Engine) generate(ctx context.Context, log *slog.Logger, system, user string, cfg llm.Config) (string, int, error) {
	var (
		lastErr    error
		retryAfter time.Duration
	)
	for attempt := 0; attempt < e.settings.GenerationAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", attempt, &llm.GenerationError{Backend: "engine", Model: cfg.Model, Err: ctx.Err()}
			case <-time.After(max(e.backoffFunc(attempt-1), retryAfter)):
			}
		}
		if err := ctx.Err(); err != nil {
			return "", attempt, &llm.GenerationError{Backend: "engine", Model: cfg.Model, Err: err}
		}

		callCtx, cancel := e.callContext(ctx)
		text, err := e.deps.Generator.Generate(callCtx, system, user, cfg)
		cancel()

		if err == nil {
			if text = strings.TrimSpace(text); text != "" {
				return text, attempt + 1, nil
			}
			err = &llm.GenerationError{Backend: "engine", Model: cfg.Model, Retryable: true, Err: llm.ErrEmptyOutput}
		}
		lastErr = err
		log.Debug("generation attempt failed", "attempt", attempt+1, "error", err)

		retryAfter = 0
		var ge *llm.GenerationError
		if errors.As(err, &ge) {
			if !ge.Retryable {
				return "", attempt + 1, err
			}
			retryAfter = ge.RetryAfter
		}
	}
	return "", e.settings.GenerationAttempts, lastErr
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.settings.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.settings.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) extract(ctx context.Context, log *slog.Logger, content string) []string {
	if e.deps.Extractor == nil {
		return nil
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	points, err := e.deps.Extractor.Extract(callCtx, content)
	if err != nil {
		log.Warn("key point extraction degraded to none", "error", err)
		return nil
	}
	return points
}

// position estimates the statement's stance, falling back to the persona's
// last known position and then to their starting lean.
func (e *Engine) position(ctx context.Context, log *slog.Logger, persona PersonaProfile, content string, view View) float64 {
	fallback := persona.Lean
	for i := len(view.Statements) - 1; i >= 0; i-- {
		if view.Statements[i].PersonaID == persona.ID {
			fallback = view.Statements[i].Position
			break
		}
	}
	if e.deps.Stance == nil {
		return fallback
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	pos, err := e.deps.Stance.Estimate(callCtx, e.session.Argument, persona, content)
	if err != nil {
		log.Warn("stance estimate unavailable", "error", err)
		return fallback
	}
	return clamp(pos)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func (e *Engine) noteSkips() {
	n := len(e.ledger.Snapshot().Skipped)
	if n == 0 {
		return
	}
	word := "turns"
	if n == 1 {
		word = "turn"
	}
	e.ledger.AddNote(fmt.Sprintf("%d %s skipped due to generation errors", n, word))
}

func (e *Engine) finish(state State, converged bool, reason string, verdict Verdict) (*Result, error) {
	e.noteSkips()
	conv, err := e.ledger.Complete(state, converged, reason)
	if err != nil {
		return nil, err
	}
	e.emitState(state)
	e.logger.Info("conversation completed", "state", state, "rounds", conv.Rounds, "statements", len(conv.Statements), "reason", reason)
	return &Result{Conversation: conv, Verdict: verdict}, nil
}

func (e *Engine) abort(cause error) (*Result, error) {
	e.noteSkips()
	if _, err := e.ledger.Complete(StateCancelled, false, "cancelled: "+cause.Error()); err == nil {
		e.emitState(StateCancelled)
	}
	e.logger.Warn("conversation cancelled", "error", cause)
	return nil, fmt.Errorf("roundtable: %w", cause)
}

func (e *Engine) fail(cause error) (*Result, error) {
	if _, err := e.ledger.Complete(StateFailed, false, "failed: "+cause.Error()); err == nil {
		e.emitState(StateFailed)
	}
	e.logger.Error("conversation failed", "error", cause)
	return nil, cause
}

func (e *Engine) emitState(s State) {
	if e.OnState != nil {
		e.OnState(s)
	}
}
