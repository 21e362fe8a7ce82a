package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/CZERTAINLY/Overseer/internal/probe"
	"github.com/CZERTAINLY/Overseer/internal/service"
)

// StartResult reports whether supervision of a helper was scheduled.
type StartResult struct {
	Name     string `json:"name"`
	HandleID string `json:"handle_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StartHelpers supervises every enabled helper. A helper which can't be
// supervised is reported in the result and does not stop the others.
func (h *Host) StartHelpers(ctx context.Context) []StartResult {
	h.mx.Lock()
	var helpers []*helper
	for _, name := range h.order {
		if hs := h.helpers[name]; hs.cfg.IsEnabled() {
			helpers = append(helpers, hs)
		}
	}
	h.mx.Unlock()

	ret := make([]StartResult, 0, len(helpers))
	for _, hs := range helpers {
		res := StartResult{Name: hs.cfg.Name}
		id, err := h.start(ctx, hs)
		if err != nil {
			res.Error = err.Error()
		}
		res.HandleID = id
		ret = append(ret, res)
	}
	slog.InfoContext(ctx, "helpers started", "count", len(ret))
	return ret
}

func (h *Host) start(ctx context.Context, hs *helper) (string, error) {
	cmd, err := hs.cfg.Command()
	if err != nil {
		slog.ErrorContext(ctx, "helper configuration", "helper", hs.cfg.Name, "error", err)
		return "", err
	}
	handle, err := h.supervisor.Supervise(ctx, cmd)
	if err != nil {
		slog.ErrorContext(ctx, "helper not started", "helper", hs.cfg.Name, "error", err)
		return "", err
	}

	h.mx.Lock()
	// the outcome may have been processed already
	if hs.last == nil || hs.last.HandleID != handle.ID() {
		hs.handle = handle
		hs.ready = false
	}
	h.mx.Unlock()

	if p := hs.cfg.Probe; p != nil {
		h.wg.Go(func() {
			h.probe(hs, handle, *p)
		})
	}
	return handle.ID(), nil
}

func (h *Host) probe(hs *helper, handle *service.Handle, p model.Probe) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		select {
		case <-handle.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var timeout time.Duration
	if p.Timeout != "" {
		d, err := model.ParseDuration(p.Timeout)
		if err != nil {
			slog.WarnContext(ctx, "invalid probe timeout", "helper", hs.cfg.Name, "error", err)
		}
		timeout = d
	}

	err := probe.HTTP{URL: p.URL, Timeout: timeout}.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "helper not ready", "helper", hs.cfg.Name, "handle_id", handle.ID(), "error", err)
		}
		return
	}

	h.mx.Lock()
	if hs.handle == handle {
		hs.ready = true
	}
	h.mx.Unlock()
	slog.InfoContext(ctx, "helper ready", "helper", hs.cfg.Name, "handle_id", handle.ID(), "url", p.URL)
}

func (h *Host) onOutcome(ctx context.Context, o service.Outcome) {
	if o.Success() {
		slog.InfoContext(ctx, "helper finished", "outcome", o)
	} else {
		slog.WarnContext(ctx, "helper failed", "outcome", o)
	}

	h.mx.Lock()
	hs, ok := h.helpers[o.Name]
	if !ok {
		h.mx.Unlock()
		return
	}
	if hs.handle != nil && hs.handle.ID() == o.HandleID {
		hs.handle = nil
		hs.ready = false
	}
	hs.last = &o
	restart := h.ctx.Err() == nil &&
		shouldRestart(hs.cfg.Restart, o) &&
		(hs.cfg.Restart.Max == 0 || hs.restarts < hs.cfg.Restart.Max)
	var delay time.Duration
	if restart {
		hs.restarts++
		delay = hs.backoff.NextBackOff()
	}
	restarts := hs.restarts
	h.mx.Unlock()

	if !restart {
		return
	}
	slog.InfoContext(ctx, "restarting helper", "helper", o.Name, "restart", restarts, "delay", delay)
	h.wg.Go(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-h.ctx.Done():
			return
		case <-timer.C:
		}
		_, _ = h.start(h.ctx, hs)
	})
}

// shouldRestart applies the policy to an outcome. Canceled helpers are
// never restarted.
func shouldRestart(r *model.Restart, o service.Outcome) bool {
	if r == nil || o.Canceled {
		return false
	}
	switch r.Policy {
	case model.RestartAlways:
		return true
	case model.RestartOnFailure:
		return !o.Success()
	default:
		return false
	}
}

func newBackoff(r *model.Restart) (backoff.BackOff, error) {
	initial := defaultBackoff
	if r != nil && r.Backoff != "" {
		d, err := model.ParseDuration(r.Backoff)
		if err != nil {
			return nil, err
		}
		initial = d
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max(maxBackoff, initial)
	b.MaxElapsedTime = 0
	b.Reset()
	return b, nil
}

// HelperStatus is a snapshot of one configured helper.
type HelperStatus struct {
	Name     string           `json:"name"`
	Enabled  bool             `json:"enabled"`
	HandleID string           `json:"handle_id,omitempty"`
	State    string           `json:"state"`
	Pid      int              `json:"pid,omitempty"`
	Ready    bool             `json:"ready"`
	Restarts int              `json:"restarts"`
	Last     *service.Outcome `json:"last_outcome,omitempty"`
}

// Status returns the helpers in configuration order.
func (h *Host) Status() []HelperStatus {
	h.mx.Lock()
	defer h.mx.Unlock()
	ret := make([]HelperStatus, 0, len(h.order))
	for _, name := range h.order {
		hs := h.helpers[name]
		st := HelperStatus{
			Name:     name,
			Enabled:  hs.cfg.IsEnabled(),
			State:    "stopped",
			Ready:    hs.ready,
			Restarts: hs.restarts,
			Last:     hs.last,
		}
		if hs.handle != nil {
			st.HandleID = hs.handle.ID()
			st.State = hs.handle.State().String()
			st.Pid = hs.handle.Pid()
		}
		ret = append(ret, st)
	}
	return ret
}
