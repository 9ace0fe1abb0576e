package roundtable

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
)

var (
	speakerRe = regexp.MustCompile(`You are ([^,]+),`)
	roundRe   = regexp.MustCompile(`This is round (\d+) of`)
)

func speakerOf(system string) string {
	if m := speakerRe.FindStringSubmatch(system); len(m) > 1 {
		return m[1]
	}
	return ""
}

func roundOf(user string) int {
	if m := roundRe.FindStringSubmatch(user); len(m) > 1 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

type funcGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, speaker string, round, call int) (string, error)
}

func (g *funcGenerator) Generate(ctx context.Context, system, user string, cfg llm.Config) (string, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	return g.fn(ctx, speakerOf(system), roundOf(user), call)
}

func uniqueLines() *funcGenerator {
	return &funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		return fmt.Sprintf("%s makes point %d in round %d", speaker, call, round), nil
	}}
}

type splitExtractor struct {
	err error
}

func (x splitExtractor) Extract(_ context.Context, text string) ([]string, error) {
	if x.err != nil {
		return nil, &ExtractionError{Err: x.err}
	}
	var out []string
	for _, p := range strings.Split(text, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

type leanStance struct{}

func (leanStance) Estimate(_ context.Context, _ string, p PersonaProfile, _ string) (float64, error) {
	return p.Lean, nil
}

// onceDetector flags the first statement by one persona.
type onceDetector struct {
	personaID string
	fired     bool
}

func (d *onceDetector) Estimate(history []Statement) ConsensusEstimate {
	return ConsensusEstimate{Samples: len(history)}
}

func (d *onceDetector) Detect(c Statement, _ ConsensusEstimate, est *EstablishedPoints) *DissentSignal {
	if d.fired || c.PersonaID != d.personaID {
		return nil
	}
	novel := est.Novel(c.KeyPoints)
	if len(novel) == 0 {
		return nil
	}
	d.fired = true
	return &DissentSignal{PersonaID: c.PersonaID, PersonaName: c.PersonaName, KeyPoints: novel}
}

type roundEvaluator struct {
	convergeAt int
	reason     string
}

func (e roundEvaluator) Evaluate(conv Conversation) Verdict {
	if e.convergeAt > 0 && conv.Rounds >= e.convergeAt {
		return Verdict{Converged: true, Reason: "settled"}
	}
	return Verdict{Reason: e.reason}
}

func newTestEngine(gen llm.Generator, deps Dependencies, settings Settings) *Engine {
	deps.Generator = gen
	deps.Prompts = prompt.Default()
	if deps.Extractor == nil {
		deps.Extractor = splitExtractor{}
	}
	if deps.Stance == nil {
		deps.Stance = leanStance{}
	}
	if deps.Dissent == nil {
		deps.Dissent = &onceDetector{}
	}
	if deps.Convergence == nil {
		deps.Convergence = roundEvaluator{}
	}
	if settings.MaxRounds == 0 {
		settings.MaxRounds = 3
	}
	e := NewEngine(testSession(), NewLedger("conv", "s"), deps, settings)
	e.backoffFunc = func(int) time.Duration { return 0 }
	return e
}

func TestRunConvergesAndStops(t *testing.T) {
	var states []State
	e := newTestEngine(uniqueLines(), Dependencies{Convergence: roundEvaluator{convergeAt: 2}}, Settings{MaxRounds: 6})
	e.OnState = func(s State) { states = append(states, s) }

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	conv := res.Conversation
	if conv.State != StateConverged || !conv.Converged || conv.ConvergenceReason != "settled" {
		t.Errorf("unexpected outcome: state=%s converged=%v reason=%q", conv.State, conv.Converged, conv.ConvergenceReason)
	}
	if conv.Rounds != 2 || len(conv.Statements) != 6 {
		t.Errorf("rounds=%d statements=%d, want 2 and 6", conv.Rounds, len(conv.Statements))
	}
	for i, s := range conv.Statements {
		if s.SequenceNumber != i+1 {
			t.Errorf("statement %d has sequence %d", i, s.SequenceNumber)
		}
	}
	if conv.CompletedAt == nil || conv.StartedAt == nil {
		t.Error("expected start and completion timestamps")
	}
	if len(states) != 2 || states[0] != StateRoundInProgress || states[1] != StateConverged {
		t.Errorf("state transitions = %v", states)
	}
}

func TestRunRoundCapIsNormalOutcome(t *testing.T) {
	e := newTestEngine(uniqueLines(), Dependencies{Convergence: roundEvaluator{reason: "round 2 introduced 3 new point(s)"}}, Settings{MaxRounds: 2})
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	conv := res.Conversation
	if conv.State != StateMaxRoundsReached || conv.Converged {
		t.Errorf("state=%s converged=%v", conv.State, conv.Converged)
	}
	want := "round cap (2) reached without consensus: round 2 introduced 3 new point(s)"
	if conv.ConvergenceReason != want {
		t.Errorf("reason = %q, want %q", conv.ConvergenceReason, want)
	}
}

func TestExtractionFailureDegradesToNoKeyPoints(t *testing.T) {
	e := newTestEngine(uniqueLines(), Dependencies{Extractor: splitExtractor{err: errors.New("model down")}}, Settings{MaxRounds: 1})
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Conversation.Statements) != 3 {
		t.Fatalf("statements = %d, want 3", len(res.Conversation.Statements))
	}
	for _, s := range res.Conversation.Statements {
		if len(s.KeyPoints) != 0 {
			t.Errorf("statement %d has key points %v, want none", s.SequenceNumber, s.KeyPoints)
		}
	}
}

func TestComposerSeesReplayedEstablishedPoints(t *testing.T) {
	var seen []TurnContext
	e := newTestEngine(&funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		// Points repeat across speakers so the index grows unevenly.
		return fmt.Sprintf("claim %d; claim %d", call%4, round), nil
	}}, Dependencies{Dissent: &onceDetector{personaID: "c"}}, Settings{MaxRounds: 4})
	e.OnTurn = func(tc TurnContext) { seen = append(seen, tc) }

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	stmts := res.Conversation.Statements
	if len(seen) != len(stmts) {
		t.Fatalf("composed %d turns for %d statements", len(seen), len(stmts))
	}
	for _, tc := range seen {
		replayed := ReplayBefore(stmts, tc.BasedOn+1).Points()
		if strings.Join(replayed, "|") != strings.Join(tc.EstablishedPoints, "|") {
			t.Errorf("turn based on %d: composer saw %v, replay gives %v", tc.BasedOn, tc.EstablishedPoints, replayed)
		}
	}
}

func TestDissentDirectiveIsSingleUse(t *testing.T) {
	var seen []TurnContext
	e := newTestEngine(uniqueLines(), Dependencies{Dissent: &onceDetector{personaID: "c"}}, Settings{MaxRounds: 2})
	e.OnTurn = func(tc TurnContext) { seen = append(seen, tc) }

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	stmts := res.Conversation.Statements
	// Round 1 order is a, b, c; round 2 order is b, c, a.
	if !stmts[2].IsDissent || stmts[2].PersonaID != "c" {
		t.Fatalf("statement #3 should be c's dissent: %+v", stmts[2])
	}
	if seen[3].Dissent == nil || seen[3].Dissent.PersonaID != "c" || seen[3].Dissent.SequenceNumber != 3 {
		t.Errorf("next speaker context missing directive: %+v", seen[3].Dissent)
	}
	if stmts[3].AddressedPersonaID != "c" {
		t.Errorf("next statement addressed %q, want c", stmts[3].AddressedPersonaID)
	}
	if stmts[3].RespondsTo != 3 {
		t.Errorf("next statement responds to %d, want 3", stmts[3].RespondsTo)
	}
	for i := 4; i < len(seen); i++ {
		if seen[i].Dissent != nil {
			t.Errorf("turn %d still carries the directive", i+1)
		}
	}
}

func TestRetriesWithBackoffThenSucceeds(t *testing.T) {
	fails := 0
	gen := &funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		if speaker == "Bob" && fails < 2 {
			fails++
			return "", &llm.GenerationError{Backend: "test", Retryable: true, Err: errors.New("503")}
		}
		return fmt.Sprintf("%s point %d", speaker, call), nil
	}}
	e := newTestEngine(gen, Dependencies{}, Settings{MaxRounds: 1})
	var delays []int
	e.backoffFunc = func(attempt int) time.Duration {
		delays = append(delays, attempt)
		return 0
	}

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Conversation.Statements) != 3 || len(res.Conversation.Skipped) != 0 {
		t.Errorf("statements=%d skipped=%d", len(res.Conversation.Statements), len(res.Conversation.Skipped))
	}
	if len(delays) != 2 || delays[0] != 0 || delays[1] != 1 {
		t.Errorf("backoff attempts = %v, want [0 1]", delays)
	}
}

func TestRetryWaitsForProviderRetryAfter(t *testing.T) {
	const retryAfter = 40 * time.Millisecond
	limited := false
	gen := &funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		if speaker == "Bob" && !limited {
			limited = true
			return "", &llm.GenerationError{Backend: "test", Retryable: true, RetryAfter: retryAfter, Err: errors.New("429")}
		}
		return fmt.Sprintf("%s point %d", speaker, call), nil
	}}
	e := newTestEngine(gen, Dependencies{}, Settings{MaxRounds: 1})

	start := time.Now()
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < retryAfter {
		t.Errorf("retry waited %v, want at least %v", elapsed, retryAfter)
	}
	if len(res.Conversation.Statements) != 3 || len(res.Conversation.Skipped) != 0 {
		t.Errorf("statements=%d skipped=%d", len(res.Conversation.Statements), len(res.Conversation.Skipped))
	}
}

func TestNonRetryableErrorSkipsAfterOneAttempt(t *testing.T) {
	gen := &funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		if speaker == "Bob" {
			return "", &llm.GenerationError{Backend: "test", Retryable: false, Err: errors.New("400 bad model")}
		}
		return fmt.Sprintf("%s point %d", speaker, call), nil
	}}
	e := newTestEngine(gen, Dependencies{}, Settings{MaxRounds: 1})
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	skipped := res.Conversation.Skipped
	if len(skipped) != 1 || skipped[0].PersonaID != "b" || skipped[0].Attempts != 1 {
		t.Errorf("skipped = %+v", skipped)
	}
	if len(res.Conversation.Notes) != 1 || res.Conversation.Notes[0] != "1 turn skipped due to generation errors" {
		t.Errorf("notes = %v", res.Conversation.Notes)
	}
}

func TestEmptyOutputCountsAsFailure(t *testing.T) {
	gen := &funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		if speaker == "Cy" {
			return "   ", nil
		}
		return fmt.Sprintf("%s point %d", speaker, call), nil
	}}
	e := newTestEngine(gen, Dependencies{}, Settings{MaxRounds: 1})
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Conversation.Skipped) != 1 || res.Conversation.Skipped[0].Attempts != 3 {
		t.Errorf("skipped = %+v, want one skip after 3 attempts", res.Conversation.Skipped)
	}
}

func TestRoundTimeoutSkipsSlowPersona(t *testing.T) {
	gen := &funcGenerator{fn: func(ctx context.Context, speaker string, round, call int) (string, error) {
		if speaker == "Bob" {
			<-ctx.Done()
			return "", &llm.GenerationError{Backend: "test", Retryable: true, Err: ctx.Err()}
		}
		return fmt.Sprintf("%s point %d", speaker, call), nil
	}}
	deps := Dependencies{
		Generator:   gen,
		Prompts:     prompt.Default(),
		Extractor:   splitExtractor{},
		Dissent:     &onceDetector{},
		Convergence: roundEvaluator{},
	}
	session := Session{ID: "s", Argument: "arg", Personas: []PersonaProfile{ann, cy, bob}}
	e := NewEngine(session, nil, deps, Settings{MaxRounds: 1, RoundTimeout: 50 * time.Millisecond})
	e.backoffFunc = func(int) time.Duration { return 0 }

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		res, err = e.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("round timeout did not bound the slow persona")
	}
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	conv := res.Conversation
	if len(conv.Statements) != 2 {
		t.Errorf("statements = %d, want 2", len(conv.Statements))
	}
	if len(conv.Skipped) != 1 || conv.Skipped[0].PersonaID != "b" {
		t.Errorf("skipped = %+v, want b", conv.Skipped)
	}
}

func TestCancellationAppendsNoPartialStatement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &funcGenerator{fn: func(_ context.Context, speaker string, round, call int) (string, error) {
		if call == 4 {
			cancel()
		}
		return fmt.Sprintf("%s point %d", speaker, call), nil
	}}
	e := newTestEngine(gen, Dependencies{}, Settings{MaxRounds: 5})

	res, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res != nil {
		t.Error("expected nil result on cancellation")
	}
	conv := e.Ledger().Snapshot()
	if len(conv.Statements) != 3 {
		t.Errorf("statements = %d, want 3 (the cancelled turn must not be appended)", len(conv.Statements))
	}
	if conv.State != StateCancelled || conv.CompletedAt == nil {
		t.Errorf("state=%s completedAt=%v", conv.State, conv.CompletedAt)
	}
	if _, err := e.Ledger().Append(StatementDraft{PersonaID: "a", BasedOn: 3}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("append after cancellation should be invalid, got %v", err)
	}
}

type brokenRenderer struct{}

func (brokenRenderer) Render(string, string, map[string]any) (prompt.Rendered, error) {
	return prompt.Rendered{}, errors.New("template missing")
}

func TestRenderFailureFailsConversation(t *testing.T) {
	deps := Dependencies{
		Generator:   uniqueLines(),
		Prompts:     brokenRenderer{},
		Dissent:     &onceDetector{},
		Convergence: roundEvaluator{},
	}
	e := NewEngine(testSession(), nil, deps, Settings{MaxRounds: 2})
	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := e.Ledger().Snapshot().State; got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestRunRejectsInvalidSession(t *testing.T) {
	e := NewEngine(Session{Argument: "x", Personas: []PersonaProfile{ann}}, nil, Dependencies{}, Settings{MaxRounds: 1})
	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("expected validation error for single-persona panel")
	}
}

func TestPersonaModelOverridesDefaultModel(t *testing.T) {
	var models []string
	session := testSession()
	session.Personas[0].Model = "persona-model"
	deps := Dependencies{
		Generator: llmFunc(func(_ context.Context, system, user string, cfg llm.Config) (string, error) {
			models = append(models, cfg.Model)
			return fmt.Sprintf("%s point %d", speakerOf(system), len(models)), nil
		}),
		Prompts:     prompt.Default(),
		Dissent:     &onceDetector{},
		Convergence: roundEvaluator{},
	}
	e := NewEngine(session, nil, deps, Settings{MaxRounds: 1, DefaultModel: "fallback-model"})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(models) != 3 || models[0] != "persona-model" || models[1] != "fallback-model" {
		t.Errorf("models = %v", models)
	}
}

type llmFunc func(ctx context.Context, system, user string, cfg llm.Config) (string, error)

func (f llmFunc) Generate(ctx context.Context, system, user string, cfg llm.Config) (string, error) {
	return f(ctx, system, user, cfg)
}
