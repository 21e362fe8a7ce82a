package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Launcher creates helper processes. ExecLauncher is the production
// implementation, servicetest.FakeLauncher records calls in unit tests.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// Process is a created OS process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and releases its OS resources.
	// The error is set only when the exit status can't be obtained.
	Wait() (Exit, error)
	// Terminate asks the process (group) to stop.
	Terminate() error
	// Kill stops the process (group) immediately.
	Kill() error
}

// OutputFunc receives helper output line by line. Stream is "stdout" or "stderr".
type OutputFunc func(ctx context.Context, name, stream, line string)

// waitDelay bounds how long Wait keeps copying output after the helper
// exited, grandchildren may keep the pipes open.
const waitDelay = 2 * time.Second

// ExecLauncher starts helpers with os/exec in their own process group.
type ExecLauncher struct {
	Output OutputFunc
}

func NewExecLauncher() ExecLauncher {
	return ExecLauncher{}
}

func (l ExecLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	output := l.Output
	if output == nil {
		output = logOutput
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay

	stdout := &lineWriter{emit: func(line string) { output(ctx, c.Name, "stdout", line) }}
	stderr := &lineWriter{emit: func(line string) { output(ctx, c.Name, "stderr", line) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func logOutput(ctx context.Context, name, stream, line string) {
	if stream == "stderr" {
		slog.WarnContext(ctx, "helper stderr", "helper", name, "line", line)
		return
	}
	slog.DebugContext(ctx, "helper stdout", "helper", name, "line", line)
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *lineWriter
	stderr *lineWriter

	mx     sync.Mutex
	waited bool
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (Exit, error) {
	err := p.cmd.Wait()
	p.mx.Lock()
	p.waited = true
	p.mx.Unlock()
	p.stdout.Flush()
	p.stderr.Flush()

	exit, ok := exitOf(p.cmd.ProcessState)
	if !ok {
		return Exit{Code: -1}, err
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
	case errors.Is(err, exec.ErrWaitDelay):
		// output pipes held open by a grandchild, the helper itself is gone
	default:
		return exit, err
	}
	return exit, nil
}

func (p *execProcess) Terminate() error {
	return p.signal(false)
}

func (p *execProcess) Kill() error {
	return p.signal(true)
}

func (p *execProcess) signal(kill bool) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.waited {
		return os.ErrProcessDone
	}
	return signalGroup(p.cmd.Process, kill)
}

// lineWriter splits written bytes into lines. exec copies output from a
// single goroutine per stream, the mutex covers Flush from Wait.
type lineWriter struct {
	mx   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(w.buf[:idx], []byte{'\r'})
		w.emit(string(line))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
