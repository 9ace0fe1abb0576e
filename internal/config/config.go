package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Backends a Config may select.
const (
	BackendOpenRouter = "openrouter"
	BackendOpenAI     = "openai"
	BackendGemini     = "gemini"
	BackendMock       = "mock"
)

var defaultModels = map[string]string{
	BackendOpenRouter: "meta-llama/llama-3.3-70b-instruct:free",
	BackendOpenAI:     "gpt-4o-mini",
	BackendGemini:     "gemini-2.0-flash",
	BackendMock:       "mock",
}

var apiKeyFallbacks = map[string][]string{
	BackendOpenRouter: {"OPENROUTER_API_KEY"},
	BackendOpenAI:     {"OPENAI_API_KEY"},
	BackendGemini:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

type Config struct {
	Backend        string
	APIKey         string
	Model          string
	GeminiProject  string
	GeminiLocation string
	OutputDir      string
	TuningFile     string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	NATSURL        string
	Port           int
	Tuning         Tuning
}

func Load() (*Config, error) {
	backend := strings.ToLower(envString("ROUNDTABLE_BACKEND", BackendOpenRouter))
	if _, ok := defaultModels[backend]; !ok {
		return nil, fmt.Errorf("config: unknown backend %q", backend)
	}

	apiKey := os.Getenv("ROUNDTABLE_API_KEY")
	for _, key := range apiKeyFallbacks[backend] {
		if apiKey != "" {
			break
		}
		apiKey = os.Getenv(key)
	}
	project := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if apiKey == "" && backend != BackendMock && !(backend == BackendGemini && project != "") {
		names := append([]string{"ROUNDTABLE_API_KEY"}, apiKeyFallbacks[backend]...)
		return nil, fmt.Errorf("config: %s is required for backend %s", strings.Join(names, " or "), backend)
	}

	port, err := envInt("ROUNDTABLE_PORT", 8080)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("config: Port must be in 1..65535, got %d", port)
	}

	tuningFile := os.Getenv("ROUNDTABLE_TUNING_FILE")
	tuning, err := LoadTuning(tuningFile)
	if err != nil {
		return nil, err
	}
	maxRounds, err := envInt("ROUNDTABLE_MAX_ROUNDS", tuning.MaxRounds)
	if err != nil {
		return nil, err
	}
	tuning.MaxRounds = maxRounds
	if err := tuning.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		Backend:        backend,
		APIKey:         apiKey,
		Model:          envString("ROUNDTABLE_MODEL", defaultModels[backend]),
		GeminiProject:  project,
		GeminiLocation: envString("GOOGLE_CLOUD_LOCATION", "us-central1"),
		OutputDir:      envString("ROUNDTABLE_OUTPUT_DIR", "output"),
		TuningFile:     tuningFile,
		LogLevel:       envString("ROUNDTABLE_LOG_LEVEL", "info"),
		LogFormat:      envString("ROUNDTABLE_LOG_FORMAT", "text"),
		DatabaseURL:    os.Getenv("ROUNDTABLE_DATABASE_URL"),
		NATSURL:        os.Getenv("ROUNDTABLE_NATS_URL"),
		Port:           port,
		Tuning:         tuning,
	}, nil
}

func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: opening .env: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return scanner.Err()
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, s, err)
	}
	return v, nil
}
