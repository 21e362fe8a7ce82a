package service_test

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/service"

	"github.com/stretchr/testify/require"
)

type lines struct {
	mx  sync.Mutex
	got map[string][]string
}

func (l *lines) output(_ context.Context, _, stream, line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.got == nil {
		l.got = make(map[string][]string)
	}
	l.got[stream] = append(l.got[stream], line)
}

func (l *lines) stream(name string) []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.got[name]
}

func shell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipped, needs a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestExecLauncher(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	cases := []struct {
		scenario string
		script   string
		env      []string
		exit     service.Exit
		stdout   []string
		stderr   []string
	}{
		{
			scenario: "success",
			script:   "echo ready; echo warming up >&2",
			exit:     service.Exit{Code: 0},
			stdout:   []string{"ready"},
			stderr:   []string{"warming up"},
		},
		{
			scenario: "exit code",
			script:   "echo failed >&2; exit 7",
			exit:     service.Exit{Code: 7},
			stderr:   []string{"failed"},
		},
		{
			scenario: "env and partial line",
			script:   `printf 'port=%s\nno newline' "$OVERSEER_TEST_PORT"`,
			env:      []string{"OVERSEER_TEST_PORT=8000"},
			exit:     service.Exit{Code: 0},
			stdout:   []string{"port=8000", "no newline"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var out lines
			launcher := service.ExecLauncher{Output: out.output}

			proc, err := launcher.Launch(t.Context(), service.Command{
				Name: "test",
				Path: sh,
				Args: []string{"-c", tc.script},
				Env:  tc.env,
			})
			require.NoError(t, err)
			require.NotZero(t, proc.Pid())

			exit, err := proc.Wait()
			require.NoError(t, err)
			require.Equal(t, tc.exit, exit)
			require.Equal(t, tc.stdout, out.stream("stdout"))
			require.Equal(t, tc.stderr, out.stream("stderr"))

			require.ErrorIs(t, proc.Terminate(), os.ErrProcessDone)
			require.ErrorIs(t, proc.Kill(), os.ErrProcessDone)
		})
	}
}

func TestExecLauncherDir(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	dir := t.TempDir()

	var out lines
	launcher := service.ExecLauncher{Output: out.output}
	proc, err := launcher.Launch(t.Context(), service.Command{Name: "pwd", Path: sh, Args: []string{"-c", "test -d \"$PWD\" && pwd -P"}, Dir: dir})
	require.NoError(t, err)
	exit, err := proc.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, exit.Code)
	require.Len(t, out.stream("stdout"), 1)
}

func TestExecLauncherTerminateGroup(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	var out lines
	launcher := service.ExecLauncher{Output: out.output}
	// the shell waits for its child, both live in one process group
	proc, err := launcher.Launch(t.Context(), service.Command{
		Name: "group",
		Path: sh,
		Args: []string{"-c", "echo started; sleep 30 & wait"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(out.stream("stdout")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, proc.Terminate())

	done := make(chan service.Exit, 1)
	go func() {
		exit, _ := proc.Wait()
		done <- exit
	}()
	select {
	case exit := <-done:
		require.True(t, exit.Signaled())
		require.Equal(t, "SIGTERM", exit.Signal)
	case <-time.After(10 * time.Second):
		_ = proc.Kill()
		<-done
		t.Fatal("process group survived SIGTERM")
	}
}

func TestExecLauncherStartError(t *testing.T) {
	t.Parallel()
	launcher := service.NewExecLauncher()
	_, err := launcher.Launch(t.Context(), service.Command{Name: "missing", Path: "/nonexistent/overseer/helper"})
	require.Error(t, err)
}
