package service

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a supervised helper.
type State int

const (
	StateLaunching State = iota
	StateRunning
	StateFailedToLaunch
	StateExited
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateFailedToLaunch:
		return "failed-to-launch"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal returns true for states which never change again.
func (s State) Terminal() bool {
	return s == StateFailedToLaunch || s == StateExited
}

// Handle represents one supervised helper process. It is written only by the
// supervision goroutine; callers get a read only view plus Cancel.
type Handle struct {
	id  string
	cmd Command

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	mx      sync.RWMutex
	state   State
	pid     int
	outcome Outcome
}

func newHandle(id string, cmd Command) *Handle {
	return &Handle{
		id:     id,
		cmd:    cmd,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateLaunching,
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Name() string { return h.cmd.Name }

// Command returns a copy of the validated command with a resolved path.
func (h *Handle) Command() Command {
	c := h.cmd
	c.Args = append([]string(nil), h.cmd.Args...)
	c.Env = append([]string(nil), h.cmd.Env...)
	return c
}

func (h *Handle) State() State {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.state
}

// Pid returns 0 until the process is running.
func (h *Handle) Pid() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.pid
}

// Done is closed once the outcome has been reported to the sink.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome and true once Done is closed.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
	default:
		return Outcome{}, false
	}
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.outcome, true
}

// Cancel asks the supervisor to terminate the helper. The helper is still
// waited for and its exit reported. Safe to call from any goroutine, repeatedly.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancel)
	})
}

func (h *Handle) canceled() bool {
	select {
	case <-h.cancel:
		return true
	default:
		return false
	}
}

func (h *Handle) setRunning(pid int) {
	h.mx.Lock()
	h.state = StateRunning
	h.pid = pid
	h.mx.Unlock()
}

func (h *Handle) finish(o Outcome) {
	h.mx.Lock()
	if o.Kind == OutcomeLaunchFailed {
		h.state = StateFailedToLaunch
	} else {
		h.state = StateExited
	}
	h.outcome = o
	h.mx.Unlock()
}
