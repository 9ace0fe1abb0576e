package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lorenzotomasdiez/roundtable/internal/config"
	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/models"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/openrouter"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// flagEnv maps persistent flags onto the environment variables config.Load
// reads, so flags win over the environment.
var flagEnv = map[string]string{
	"backend":    "ROUNDTABLE_BACKEND",
	"model":      "ROUNDTABLE_MODEL",
	"api-key":    "ROUNDTABLE_API_KEY",
	"tuning":     "ROUNDTABLE_TUNING_FILE",
	"output-dir": "ROUNDTABLE_OUTPUT_DIR",
	"log-level":  "ROUNDTABLE_LOG_LEVEL",
}

// loadConfig reads the .env file, applies flag overrides, loads the config
// and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	envFile, _ := flags.GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	for flag, env := range flagEnv {
		if v, _ := flags.GetString(flag); v != "" {
			os.Setenv(env, v)
		}
	}
	if n, _ := flags.GetInt("max-rounds"); n > 0 {
		os.Setenv("ROUNDTABLE_MAX_ROUNDS", strconv.Itoa(n))
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	observability.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// backend is a ready generator plus the OpenRouter client when that backend
// is in use.
type backend struct {
	gen        llm.Generator
	openrouter *openrouter.Client
}

func newBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Backend {
	case config.BackendOpenRouter:
		client := openrouter.NewClient(cfg.APIKey)
		return backend{gen: llm.NewOpenRouter(client), openrouter: client}, nil
	case config.BackendOpenAI:
		return backend{gen: llm.NewOpenAI(cfg.APIKey)}, nil
	case config.BackendGemini:
		g, err := llm.NewGemini(ctx, llm.GeminiOptions{
			APIKey:   cfg.APIKey,
			Project:  cfg.GeminiProject,
			Location: cfg.GeminiLocation,
		})
		if err != nil {
			return backend{}, err
		}
		return backend{gen: g}, nil
	case config.BackendMock:
		return backend{gen: llm.NewMock()}, nil
	}
	return backend{}, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// rotateModels gives personas without a model distinct free OpenRouter
// models. Other backends leave the panel unchanged.
func rotateModels(ctx context.Context, b backend, sess roundtable.Session) roundtable.Session {
	if b.openrouter == nil {
		return sess
	}
	sess.Personas = models.Load(ctx, b.openrouter).AssignModels(sess.Personas)
	return sess
}

func loadPrompts(t config.Tuning) (*prompt.Catalog, error) {
	if t.PromptCatalog == "" {
		return prompt.Default(), nil
	}
	return prompt.Load(t.PromptCatalog)
}

func loadSession(path string) (roundtable.Session, error) {
	var sess roundtable.Session
	data, err := os.ReadFile(path)
	if err != nil {
		return sess, fmt.Errorf("reading session: %w", err)
	}
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return sess, fmt.Errorf("parsing session %s: %w", path, err)
	}
	if err := sess.Validate(); err != nil {
		return sess, err
	}
	return sess, nil
}
