package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// Tuning holds every product-tuning parameter of a simulation. It is read
// from a YAML file; fields the file omits keep their defaults.
type Tuning struct {
	MaxRounds          int                       `yaml:"max_rounds"`
	GenerationAttempts int                       `yaml:"generation_attempts"`
	BackoffBase        time.Duration             `yaml:"backoff_base"`
	CallTimeout        time.Duration             `yaml:"call_timeout"`
	RoundTimeout       time.Duration             `yaml:"round_timeout"`
	TranscriptBudget   int                       `yaml:"transcript_budget"`
	LengthBudgets      []roundtable.LengthBudget `yaml:"length_budgets"`
	Ordering           string                    `yaml:"ordering"`
	ExtraLeaderTurn    bool                      `yaml:"extra_leader_turn"`
	Dissent            DissentTuning             `yaml:"dissent"`
	Convergence        ConvergenceTuning         `yaml:"convergence"`
	// SynthesisConcurrency bounds parallel persona insight generation.
	SynthesisConcurrency int    `yaml:"synthesis_concurrency"`
	PromptVersion        string `yaml:"prompt_version"`
	// PromptCatalog optionally replaces the embedded prompt catalog.
	PromptCatalog string `yaml:"prompt_catalog"`
}

type DissentTuning struct {
	Window     int     `yaml:"window"`
	Threshold  float64 `yaml:"threshold"`
	MinSamples int     `yaml:"min_samples"`
}

type ConvergenceTuning struct {
	Window    int `yaml:"window"`
	MinRounds int `yaml:"min_rounds"`
}

// DefaultTuning returns the defaults used when no tuning file is given.
func DefaultTuning() Tuning {
	return Tuning{
		MaxRounds:          8,
		GenerationAttempts: 3,
		BackoffBase:        time.Second,
		CallTimeout:        60 * time.Second,
		RoundTimeout:       5 * time.Minute,
		TranscriptBudget:   6000,
		LengthBudgets:      roundtable.DefaultLengthBudgets(),
		Ordering:           "round-robin",
		Dissent: DissentTuning{
			Window:     6,
			Threshold:  0.6,
			MinSamples: 3,
		},
		Convergence: ConvergenceTuning{
			Window:    2,
			MinRounds: 2,
		},
		SynthesisConcurrency: 4,
	}
}

// LoadTuning reads path over the defaults. An empty path yields the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("config: reading tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("config: parsing tuning file %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.MaxRounds < 1 {
		return fmt.Errorf("config: MaxRounds must be >= 1, got %d", t.MaxRounds)
	}
	if t.Convergence.MinRounds < 1 {
		return fmt.Errorf("config: convergence MinRounds must be >= 1, got %d", t.Convergence.MinRounds)
	}
	if t.MaxRounds < t.Convergence.MinRounds {
		return fmt.Errorf("config: MaxRounds (%d) must be >= MinRounds (%d)", t.MaxRounds, t.Convergence.MinRounds)
	}
	if t.Convergence.Window < 1 {
		return fmt.Errorf("config: convergence Window must be >= 1, got %d", t.Convergence.Window)
	}
	if t.GenerationAttempts < 1 {
		return fmt.Errorf("config: GenerationAttempts must be >= 1, got %d", t.GenerationAttempts)
	}
	if t.BackoffBase < 0 || t.CallTimeout < 0 || t.RoundTimeout < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	if t.TranscriptBudget < 1 {
		return fmt.Errorf("config: TranscriptBudget must be >= 1, got %d", t.TranscriptBudget)
	}
	if t.Dissent.Window < 1 || t.Dissent.MinSamples < 1 {
		return fmt.Errorf("config: dissent Window and MinSamples must be >= 1")
	}
	if t.Dissent.Threshold <= 0 || t.Dissent.Threshold > 2 {
		return fmt.Errorf("config: dissent Threshold must be in (0, 2], got %.2f", t.Dissent.Threshold)
	}
	if _, err := roundtable.PolicyByName(t.Ordering, t.ExtraLeaderTurn); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if t.SynthesisConcurrency < 1 {
		return fmt.Errorf("config: SynthesisConcurrency must be >= 1, got %d", t.SynthesisConcurrency)
	}
	for _, b := range t.LengthBudgets {
		if b.FromRound < 1 || b.Guidance == "" {
			return fmt.Errorf("config: length budget entries need from_round >= 1 and guidance")
		}
	}
	return nil
}

// Settings maps the tuning onto engine settings.
func (t Tuning) Settings(defaultModel string) roundtable.Settings {
	return roundtable.Settings{
		MaxRounds:          t.MaxRounds,
		GenerationAttempts: t.GenerationAttempts,
		BackoffBase:        t.BackoffBase,
		CallTimeout:        t.CallTimeout,
		RoundTimeout:       t.RoundTimeout,
		PromptVersion:      t.PromptVersion,
		DefaultModel:       defaultModel,
	}
}
