// Package servicetest provides test doubles for the service package, so
// supervision can be tested without creating real processes.
package servicetest

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Overseer/internal/service"
)

// LookPath returns a service.LookPathFunc resolving only the given names.
// With no names every non-empty path resolves to itself.
func LookPath(names ...string) service.LookPathFunc {
	return func(file string) (string, error) {
		if len(names) == 0 {
			return file, nil
		}
		for _, n := range names {
			if n == file {
				return file, nil
			}
		}
		return "", &os.PathError{Op: "lookpath", Path: file, Err: os.ErrNotExist}
	}
}

// FakeLauncher records every Launch call. Without LaunchFunc each launch
// returns a FakeProcess which exits with status 0 right away.
type FakeLauncher struct {
	LaunchFunc func(ctx context.Context, cmd service.Command) (service.Process, error)

	mx    sync.Mutex
	calls []service.Command
	pid   atomic.Int64
}

func (l *FakeLauncher) Launch(ctx context.Context, cmd service.Command) (service.Process, error) {
	l.mx.Lock()
	l.calls = append(l.calls, cmd)
	l.mx.Unlock()

	if l.LaunchFunc != nil {
		return l.LaunchFunc(ctx, cmd)
	}
	p := NewFakeProcess(int(l.pid.Add(1)) + 1000)
	p.Exit(service.Exit{Code: 0})
	return p, nil
}

// Calls returns a copy of the commands passed to Launch.
func (l *FakeLauncher) Calls() []service.Command {
	l.mx.Lock()
	defer l.mx.Unlock()
	ret := make([]service.Command, len(l.calls))
	copy(ret, l.calls)
	return ret
}

// FailingLauncher returns a LaunchFunc which always fails with err.
func FailingLauncher(err error) func(context.Context, service.Command) (service.Process, error) {
	return func(context.Context, service.Command) (service.Process, error) {
		return nil, err
	}
}

// FakeProcess is a process which runs until Exit is called. Terminate and
// Kill make it exit as if signalled, unless IgnoreTerminate is set.
type FakeProcess struct {
	IgnoreTerminate bool

	pid        int
	once       sync.Once
	exited     chan struct{}
	exit       service.Exit
	terminated atomic.Int32
	killed     atomic.Int32
}

func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{
		pid:    pid,
		exited: make(chan struct{}),
	}
}

func (p *FakeProcess) Pid() int { return p.pid }

// Exit makes Wait return e. Only the first call has an effect.
func (p *FakeProcess) Exit(e service.Exit) {
	p.once.Do(func() {
		p.exit = e
		close(p.exited)
	})
}

func (p *FakeProcess) Wait() (service.Exit, error) {
	<-p.exited
	return p.exit, nil
}

func (p *FakeProcess) Terminate() error {
	if p.hasExited() {
		return os.ErrProcessDone
	}
	p.terminated.Add(1)
	if !p.IgnoreTerminate {
		p.Exit(service.Exit{Code: -1, Signal: "SIGTERM"})
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	if p.hasExited() {
		return os.ErrProcessDone
	}
	p.killed.Add(1)
	p.Exit(service.Exit{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (p *FakeProcess) Terminated() int { return int(p.terminated.Load()) }

func (p *FakeProcess) Killed() int { return int(p.killed.Load()) }

func (p *FakeProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// ErrLaunch is a generic launch failure for tests.
var ErrLaunch = errors.New("fake launch failure")

var (
	_ service.Launcher = (*FakeLauncher)(nil)
	_ service.Process  = (*FakeProcess)(nil)
)
