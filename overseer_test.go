package overseer_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	overseerPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}
	if runtime.GOOS == "windows" {
		slog.Warn("integration tests need a POSIX shell")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("overseer-ci") {
		slog.Warn("integration tests skipped, run go build -race -cover -covermode=atomic -o overseer-ci ./cmd/overseer/ first")
		os.Exit(0)
	}

	var err error
	overseerPath, err = filepath.Abs("overseer-ci")
	if err != nil {
		slog.Error("can't get abspath for overseer-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for overseer-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for overseer-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestOverseerRun(t *testing.T) {
	dir := tmpDir(t)

	const config = `
version: 0
helpers:
  - name: hello
    path: sh
    args: ["-c", "echo hello from $GREETER"]
    env:
      GREETER: overseer
  - name: missing
    path: /nonexistent/rag-api
service:
  verbose: true
  log: stderr
  outcomes:
    stdout: true
`
	cfgPath := filepath.Join(dir, "overseer.yaml")
	creat(t, cfgPath, []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, overseerPath, "run", "--config", cfgPath)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	scanner := bufio.NewScanner(stdout)
	require.True(t, scanner.Scan(), "no outcome on stdout")
	var outcome map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &outcome))
	require.Equal(t, "hello", outcome["name"])
	require.Equal(t, "exited", outcome["kind"])
	require.Equal(t, map[string]any{"code": float64(0)}, outcome["exit"])

	require.NoError(t, cmd.Process.Signal(syscall.SIGINT))
	for scanner.Scan() {
	}
	err = cmd.Wait()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	require.Contains(t, stderr.String(), "hello from overseer")
	require.Contains(t, stderr.String(), "invalid helper configuration")
}

func TestOverseerCheck(t *testing.T) {
	dir := tmpDir(t)

	var testCases = []struct {
		scenario string
		config   string
		ok       bool
	}{
		{
			scenario: "valid",
			config:   "version: 0\nhelpers: [{name: shell, path: sh}]\nservice: {log: discard}\n",
			ok:       true,
		},
		{
			scenario: "missing executable",
			config:   "version: 0\nhelpers: [{name: rag, path: /nonexistent/rag-api}]\nservice: {log: discard}\n",
		},
		{
			scenario: "schema violation",
			config:   "version: 0\nhelpers: [{name: rag, path: \"\"}]\nservice: {}\n",
		},
	}

	for i, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfgPath := filepath.Join(dir, fmt.Sprintf("overseer-%d.yaml", i))
			creat(t, cfgPath, []byte(tc.config))

			cmd := exec.CommandContext(t.Context(), overseerPath, "check")
			cmd.Env = append(os.Environ(), "OVERSEERCONFIG="+cfgPath)
			out, err := cmd.CombinedOutput()
			if tc.ok {
				require.NoError(t, err, string(out))
			} else {
				require.Error(t, err, string(out))
			}
		})
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
