package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/Overseer/internal/log"
)

// Supervisor launches helper processes in the background and reports their
// outcomes to a Sink. It holds no global state, so a host may run several.
type Supervisor struct {
	sink     Sink
	launcher Launcher
	lookPath LookPathFunc
	max      int
	sem      *semaphore.Weighted

	mx      sync.Mutex
	closed  bool
	handles map[string]*Handle
	wg      sync.WaitGroup
}

type Option func(*Supervisor)

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithLookPath replaces exec.LookPath used to validate Command.Path.
func WithLookPath(f LookPathFunc) Option {
	return func(s *Supervisor) {
		s.lookPath = f
	}
}

// WithMaxHelpers limits the number of helpers supervised at once; 0 means no limit.
func WithMaxHelpers(n int) Option {
	return func(s *Supervisor) {
		s.max = n
	}
}

func NewSupervisor(sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		sink:     sink,
		launcher: NewExecLauncher(),
		lookPath: exec.LookPath,
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = MultiSink{}
	}
	if s.max > 0 {
		s.sem = semaphore.NewWeighted(int64(s.max))
	}
	return s
}

// Supervise validates cmd and schedules its launch. It returns as soon as the
// supervision goroutine exists: the helper may not be running yet. Launch
// failures and exits are reported to the sink only.
//
// Returned errors wrap ErrInvalidConfig or ErrSchedulingFailed; in both cases
// nothing has been launched.
func (s *Supervisor) Supervise(ctx context.Context, cmd Command) (*Handle, error) {
	c, err := cmd.validate(s.lookPath)
	if err != nil {
		slog.WarnContext(ctx, "helper configuration rejected", "path", cmd.Path, "error", err)
		return nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %w", ErrSchedulingFailed, ErrSupervisorClosed)
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %w: max %d", ErrSchedulingFailed, ErrLimitReached, s.max)
	}

	h := newHandle(uuid.NewString(), c)
	s.handles[h.id] = h

	// the helper outlives the request which asked for it
	bgCtx := log.ContextAttrs(context.WithoutCancel(ctx), slog.Group("helper",
		slog.String("name", c.Name),
		slog.String("handle_id", h.id),
	))
	s.wg.Go(func() {
		s.supervise(bgCtx, h)
	})
	slog.DebugContext(ctx, "helper scheduled", "name", c.Name, "handle_id", h.id)
	return h, nil
}

// Handles returns the helpers which have not reported an outcome yet.
func (s *Supervisor) Handles() []*Handle {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		ret = append(ret, h)
	}
	slices.SortFunc(ret, func(a, b *Handle) int {
		if c := strings.Compare(a.Name(), b.Name()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
	return ret
}

// Running returns the number of helpers in StateRunning.
func (s *Supervisor) Running() int {
	var n int
	for _, h := range s.Handles() {
		if h.State() == StateRunning {
			n++
		}
	}
	return n
}

// Shutdown rejects further Supervise calls, cancels all helpers and waits
// until their outcomes are reported or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mx.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mx.Unlock()

	slog.DebugContext(ctx, "shutting down supervisor", "helpers", len(handles))
	for _, h := range handles {
		h.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for helpers to exit: %w", ctx.Err())
	}
}

func (s *Supervisor) supervise(ctx context.Context, h *Handle) {
	o := s.run(ctx, h)
	h.finish(o)

	s.mx.Lock()
	delete(s.handles, h.id)
	s.mx.Unlock()
	if s.sem != nil {
		s.sem.Release(1)
	}

	s.report(ctx, o)
	close(h.done)
}

func (s *Supervisor) report(ctx context.Context, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "outcome sink panicked", "panic", fmt.Sprint(r))
		}
	}()
	s.sink.Report(ctx, o)
}

func (s *Supervisor) run(ctx context.Context, h *Handle) Outcome {
	c := h.cmd
	o := Outcome{
		HandleID: h.id,
		Name:     c.Name,
		Path:     c.Path,
		Args:     slices.Clone(c.Args),
	}

	if h.canceled() {
		o.Kind = OutcomeLaunchFailed
		o.Canceled = true
		o.Stopped = time.Now().UTC()
		o.Err = &LaunchError{Path: c.Path, Err: ErrCanceled}
		slog.InfoContext(ctx, "helper canceled before launch")
		return o
	}

	slog.DebugContext(ctx, "launching helper", "path", c.Path, "args", c.Args, "dir", c.Dir)
	o.Started = time.Now().UTC()
	proc, err := s.launcher.Launch(ctx, c)
	if err != nil {
		o.Kind = OutcomeLaunchFailed
		o.Stopped = time.Now().UTC()
		o.Err = &LaunchError{Path: c.Path, Err: err}
		slog.ErrorContext(ctx, "helper launch failed", "error", err)
		return o
	}
	o.Pid = proc.Pid()
	h.setRunning(o.Pid)
	slog.InfoContext(ctx, "helper running", "pid", o.Pid)

	exited := make(chan struct{})
	var canceled bool
	var watch sync.WaitGroup
	watch.Go(func() {
		canceled = s.watchCancel(ctx, h, proc, exited)
	})

	exit, err := proc.Wait()
	close(exited)
	watch.Wait()

	o.Kind = OutcomeExited
	o.Stopped = time.Now().UTC()
	o.Exit = exit
	o.Canceled = canceled
	switch {
	case err != nil:
		o.Err = fmt.Errorf("waiting for helper: %w", err)
		slog.ErrorContext(ctx, "helper wait failed", "error", err)
	case !o.Success():
		o.Err = &ExitError{Exit: exit}
		if canceled {
			slog.InfoContext(ctx, "helper terminated", "exit", exit.String())
		} else {
			slog.ErrorContext(ctx, "helper exited abnormally", "exit", exit.String(), "runtime", o.Runtime())
		}
	default:
		slog.InfoContext(ctx, "helper exited", "runtime", o.Runtime())
	}
	return o
}

// watchCancel terminates proc when h is canceled, escalating to kill after
// the grace period. It reports whether the exit was caused by the cancel.
func (s *Supervisor) watchCancel(ctx context.Context, h *Handle, proc Process, exited <-chan struct{}) bool {
	select {
	case <-exited:
		return false
	case <-h.cancel:
	}

	slog.InfoContext(ctx, "terminating helper", "grace", h.cmd.Grace)
	if err := proc.Terminate(); errors.Is(err, os.ErrProcessDone) {
		// exited on its own before the signal
		return false
	} else if err != nil {
		slog.WarnContext(ctx, "terminating helper failed", "error", err)
	}

	timer := time.NewTimer(h.cmd.Grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		slog.WarnContext(ctx, "helper ignored termination: killing")
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.ErrorContext(ctx, "killing helper failed", "error", err)
		}
		<-exited
	}
	return true
}
