package service

import (
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultGrace is the time between SIGTERM and SIGKILL when a helper is canceled.
const DefaultGrace = 5 * time.Second

// Command is the launch configuration of a single helper process.
type Command struct {
	Name  string
	Path  string
	Args  []string
	Env   []string
	Dir   string
	Grace time.Duration
}

// LookPathFunc resolves an executable name to a path, see exec.LookPath.
type LookPathFunc func(file string) (string, error)

// validate checks the command and returns a copy with a resolved path,
// defaulted name and grace period. It never touches the launcher.
func (c Command) validate(lookPath LookPathFunc) (Command, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Command{}, &ConfigError{Field: "path", Reason: "executable path is empty"}
	}
	path := c.Path
	if c.Dir != "" && !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		// exec resolves such paths against the working directory of the child
		abs, err := filepath.Abs(filepath.Join(c.Dir, path))
		if err != nil {
			return Command{}, &ConfigError{Field: "dir", Reason: "cannot resolve " + c.Dir, Err: err}
		}
		path = abs
	}
	resolved, err := lookPath(path)
	if err != nil {
		return Command{}, &ConfigError{Field: "path", Reason: "cannot resolve " + c.Path, Err: err}
	}
	if c.Grace < 0 {
		return Command{}, &ConfigError{Field: "grace", Reason: "negative duration " + c.Grace.String()}
	}
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return Command{}, &ConfigError{Field: "env", Reason: "entry " + kv + " is not KEY=VALUE"}
		}
	}

	ret := Command{
		Name:  c.Name,
		Path:  resolved,
		Args:  append([]string(nil), c.Args...),
		Env:   append([]string(nil), c.Env...),
		Dir:   c.Dir,
		Grace: c.Grace,
	}
	if ret.Name == "" {
		ret.Name = filepath.Base(c.Path)
	}
	if ret.Grace == 0 {
		ret.Grace = DefaultGrace
	}
	return ret, nil
}

// Validate reports whether the command would be accepted by Supervise
// using exec.LookPath for path resolution.
func (c Command) Validate() error {
	_, err := c.validate(exec.LookPath)
	return err
}
