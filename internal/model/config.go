package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	"github.com/CZERTAINLY/Overseer/internal/service"

	_ "embed"
)

const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen          = "127.0.0.1:8787"
	DefaultShutdownTimeout = 10 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	root   cue.Value
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	root = cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if root.Err() != nil {
		panic(root.Err())
	}

	if err := root.Validate(); err != nil {
		panic(err)
	}

	schema = root.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Helpers []Helper `json:"helpers,omitempty" yaml:"helpers,omitempty"`
	Service Service  `json:"service" yaml:"service"`
}

// Helper is the launch configuration of one helper process.
type Helper struct {
	Name    string            `json:"name" yaml:"name"`
	Path    string            `json:"path" yaml:"path"` // executable path or name from $PATH
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // values starting with $ are expanded
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Grace   string            `json:"grace,omitempty" yaml:"grace,omitempty"` // SIGTERM to SIGKILL delay
	Enabled *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Restart *Restart          `json:"restart,omitempty" yaml:"restart,omitempty"`
	Probe   *Probe            `json:"probe,omitempty" yaml:"probe,omitempty"`
}

// Restart policy applied by the host after a helper exited.
type Restart struct {
	Policy  string `json:"policy" yaml:"policy"` // "never" | "on-failure" | "always"
	Max     int    `json:"max,omitempty" yaml:"max,omitempty"`
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Probe checks a helper is ready to serve.
type Probe struct {
	URL     string `json:"url" yaml:"url"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Service struct {
	Verbose         bool      `json:"verbose,omitempty" yaml:"verbose"`
	Log             string    `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Listen          string    `json:"listen,omitempty" yaml:"listen,omitempty"`
	MaxHelpers      int       `json:"max_helpers,omitempty" yaml:"max_helpers,omitempty"`
	ShutdownTimeout string    `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	Outcomes        *Outcomes `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
}

// Outcomes configures additional destinations of helper outcomes.
type Outcomes struct {
	Stdout  bool   `json:"stdout,omitempty" yaml:"stdout"`
	Webhook string `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	seen := make(map[string]struct{}, len(out.Helpers))
	for _, h := range out.Helpers {
		if _, ok := seen[h.Name]; ok {
			return Config{}, fmt.Errorf("helpers: duplicate name %q", h.Name)
		}
		seen[h.Name] = struct{}{}
	}

	return out, nil
}

// DefaultConfig is stored when no configuration file exists. It describes
// the RAG API helper disabled, so the first run launches nothing.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Helpers: []Helper{
			{
				Name:    "rag-api",
				Path:    "python3",
				Args:    []string{"backend1.py"},
				Env:     map[string]string{"PINECONE_API_KEY": "$PINECONE_API_KEY"},
				Grace:   "5s",
				Enabled: ptr(false),
				Restart: &Restart{Policy: RestartOnFailure, Max: 3, Backoff: "1s"},
				Probe:   &Probe{URL: "http://localhost:8000/docs", Timeout: "30s"},
			},
		},
		Service: Service{
			Log:             LogStderr,
			Listen:          DefaultListen,
			ShutdownTimeout: "10s",
		},
	}
}

// IsEnabled reports whether the helper is started by the host. Helpers are
// enabled unless stated otherwise.
func (h Helper) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Command converts the helper configuration to a service.Command. Env
// values starting with $ are expanded from the current environment.
func (h Helper) Command() (service.Command, error) {
	grace, err := parseOptional(h.Grace)
	if err != nil {
		return service.Command{}, fmt.Errorf("helper %s: grace: %w", h.Name, err)
	}

	keys := make([]string, 0, len(h.Env))
	for k := range h.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := h.Env[k]
		if len(v) > 0 && v[0] == '$' {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}

	return service.Command{
		Name:  h.Name,
		Path:  h.Path,
		Args:  slices.Clone(h.Args),
		Env:   env,
		Dir:   h.Dir,
		Grace: grace,
	}, nil
}

// ShutdownTimeoutDuration returns the configured shutdown timeout or DefaultShutdownTimeout.
func (s Service) ShutdownTimeoutDuration() (time.Duration, error) {
	if s.ShutdownTimeout == "" {
		return DefaultShutdownTimeout, nil
	}
	return ParseDuration(s.ShutdownTimeout)
}

func parseOptional(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return ParseDuration(s)
}

func ptr[T any](v T) *T {
	return &v
}
