// Package prompt renders versioned prompt templates into system and user text
// plus generation parameters.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Prompt ids used by the engine and synthesizers.
const (
	Turn           = "turn"
	KeyPoints      = "keypoints"
	Stance         = "stance"
	PersonaInsight = "persona_insight"
	Takeaways      = "takeaways"
)

// Rendered is the output of Render.
type Rendered struct {
	System string
	User   string
	Config llm.Config
}

type entry struct {
	ID          string  `yaml:"id"`
	Version     string  `yaml:"version"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	JSON        bool    `yaml:"json"`
	SchemaName  string  `yaml:"schema_name"`
	System      string  `yaml:"system"`
	User        string  `yaml:"user"`

	system *template.Template
	user   *template.Template
}

type catalogFile struct {
	DefaultVersion string  `yaml:"default_version"`
	Prompts        []entry `yaml:"prompts"`
}

// Catalog holds parsed prompt templates keyed by id and version.
type Catalog struct {
	defaultVersion string
	entries        map[string]*entry
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"add":   func(a, b int) int { return a + b },
	"lower": strings.ToLower,
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("prompt: built-in catalog: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: reading catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("prompt: parsing catalog: %w", err)
	}
	if f.DefaultVersion == "" {
		return nil, fmt.Errorf("prompt: catalog has no default_version")
	}

	c := &Catalog{defaultVersion: f.DefaultVersion, entries: make(map[string]*entry)}
	for i := range f.Prompts {
		e := f.Prompts[i]
		if e.ID == "" || e.Version == "" {
			return nil, fmt.Errorf("prompt: entry %d missing id or version", i)
		}
		var err error
		if e.system, err = template.New(e.ID + ".system").Funcs(funcs).Option("missingkey=error").Parse(e.System); err != nil {
			return nil, fmt.Errorf("prompt: %s/%s system: %w", e.ID, e.Version, err)
		}
		if e.user, err = template.New(e.ID + ".user").Funcs(funcs).Option("missingkey=error").Parse(e.User); err != nil {
			return nil, fmt.Errorf("prompt: %s/%s user: %w", e.ID, e.Version, err)
		}
		key := e.ID + "@" + e.Version
		if _, dup := c.entries[key]; dup {
			return nil, fmt.Errorf("prompt: duplicate entry %s", key)
		}
		c.entries[key] = &e
	}
	return c, nil
}

// Render executes the templates for id at version (the catalog default when
// version is empty). Output is a pure function of its inputs.
func (c *Catalog) Render(id, version string, vars map[string]any) (Rendered, error) {
	if version == "" {
		version = c.defaultVersion
	}
	e, ok := c.entries[id+"@"+version]
	if !ok {
		return Rendered{}, fmt.Errorf("prompt: unknown prompt %s@%s", id, version)
	}

	var sys, usr bytes.Buffer
	if err := e.system.Execute(&sys, vars); err != nil {
		return Rendered{}, fmt.Errorf("prompt: rendering %s@%s: %w", id, version, err)
	}
	if err := e.user.Execute(&usr, vars); err != nil {
		return Rendered{}, fmt.Errorf("prompt: rendering %s@%s: %w", id, version, err)
	}

	return Rendered{
		System: strings.TrimSpace(sys.String()),
		User:   strings.TrimSpace(usr.String()),
		Config: llm.Config{
			Model:       e.Model,
			Temperature: e.Temperature,
			MaxTokens:   e.MaxTokens,
			JSON:        e.JSON,
			SchemaName:  e.SchemaName,
		},
	}, nil
}

// DefaultVersion returns the version used when none is requested.
func (c *Catalog) DefaultVersion() string { return c.defaultVersion }
