// Package host runs the configured helpers on behalf of the application:
// it owns the Supervisor, consumes the outcomes, restarts helpers according
// to their policy and serves the control API.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Overseer/internal/invoke"
	"github.com/CZERTAINLY/Overseer/internal/metrics"
	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/CZERTAINLY/Overseer/internal/service"
)

// Commands registered to the invoke registry.
const (
	CmdStartHelpers = "start_helpers"
	CmdHelpers      = "helpers"
)

const (
	outcomeBuffer  = 64
	defaultBackoff = time.Second
	maxBackoff     = time.Minute
)

type options struct {
	launcher service.Launcher
	lookPath service.LookPathFunc
	registry *prometheus.Registry
	stdout   io.Writer
}

type Option func(*options)

// WithLauncher replaces the launcher of the supervisor, used by tests.
func WithLauncher(l service.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithLookPath replaces exec.LookPath of the supervisor.
func WithLookPath(f service.LookPathFunc) Option {
	return func(o *options) {
		o.lookPath = f
	}
}

// WithRegistry registers the metrics to reg instead of a new registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithOutcomeWriter replaces os.Stdout for service.outcomes.stdout.
func WithOutcomeWriter(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

type Host struct {
	cfg             model.Config
	supervisor      *service.Supervisor
	outcomes        *service.ChanSink
	sinks           service.MultiSink
	commands        *invoke.Registry
	prom            *prometheus.Registry
	shutdownTimeout time.Duration

	// ctx lives until Run returns, probes and pending restarts use it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mx      sync.Mutex
	helpers map[string]*helper
	order   []string
}

type helper struct {
	cfg      model.Helper
	handle   *service.Handle
	restarts int
	backoff  backoff.BackOff
	ready    bool
	last     *service.Outcome
}

func New(ctx context.Context, cfg model.Config, opts ...Option) (*Host, error) {
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	shutdownTimeout, err := cfg.Service.ShutdownTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("service.shutdown_timeout: %w", err)
	}

	h := &Host{
		cfg:             cfg,
		outcomes:        service.NewChanSink(outcomeBuffer),
		commands:        invoke.NewRegistry(),
		prom:            o.registry,
		shutdownTimeout: shutdownTimeout,
		helpers:         make(map[string]*helper, len(cfg.Helpers)),
	}
	if h.prom == nil {
		h.prom = prometheus.NewRegistry()
		h.prom.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, hc := range cfg.Helpers {
		if _, ok := h.helpers[hc.Name]; ok {
			return nil, fmt.Errorf("helpers: duplicate name %q", hc.Name)
		}
		bo, err := newBackoff(hc.Restart)
		if err != nil {
			return nil, fmt.Errorf("helper %s: restart.backoff: %w", hc.Name, err)
		}
		h.helpers[hc.Name] = &helper{cfg: hc, backoff: bo}
		h.order = append(h.order, hc.Name)
	}

	metricsSink, err := metrics.New(h.prom, func() float64 {
		return float64(h.supervisor.Running())
	})
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	h.sinks = service.MultiSink{metricsSink}
	if out := cfg.Service.Outcomes; out != nil {
		if out.Stdout {
			h.sinks = append(h.sinks, service.NewWriterSink(o.stdout))
		}
		if out.Webhook != "" {
			webhook, err := service.NewWebhookSink(out.Webhook)
			if err != nil {
				return nil, fmt.Errorf("service.outcomes.webhook: %w", err)
			}
			h.sinks = append(h.sinks, webhook)
		}
	}
	// last, so the host reacts after every other sink observed the outcome
	h.sinks = append(h.sinks, h.outcomes)

	sopts := []service.Option{service.WithMaxHelpers(cfg.Service.MaxHelpers)}
	if o.launcher != nil {
		sopts = append(sopts, service.WithLauncher(o.launcher))
	}
	if o.lookPath != nil {
		sopts = append(sopts, service.WithLookPath(o.lookPath))
	}
	h.supervisor = service.NewSupervisor(h.sinks, sopts...)

	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))

	err = errors.Join(
		h.commands.Register(CmdStartHelpers, func(ctx context.Context, _ json.RawMessage) (any, error) {
			return h.StartHelpers(ctx), nil
		}, invoke.Once()),
		h.commands.Register(CmdHelpers, func(context.Context, json.RawMessage) (any, error) {
			return h.Status(), nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Invoke runs a registered command, see CmdStartHelpers.
func (h *Host) Invoke(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	return h.commands.Invoke(ctx, name, payload)
}

// Run consumes outcomes and serves the control API until ctx is done. Then
// it shuts down every helper.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.loop(gctx)
	})
	if h.cfg.Service.Listen != "" {
		g.Go(func() error {
			return h.serve(gctx, h.cfg.Service.Listen)
		})
	}
	err := g.Wait()
	return errors.Join(err, h.shutdown(ctx))
}

func (h *Host) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-h.outcomes.C():
			h.onOutcome(ctx, o)
		}
	}
}

func (h *Host) shutdown(ctx context.Context) error {
	h.cancel()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()
	slog.InfoContext(ctx, "stopping helpers", "timeout", h.shutdownTimeout)
	err := h.supervisor.Shutdown(sctx)
	h.wg.Wait()

	for {
		select {
		case o := <-h.outcomes.C():
			h.onOutcome(ctx, o)
			continue
		default:
		}
		break
	}
	if dropped := h.outcomes.Dropped(); dropped > 0 {
		slog.WarnContext(ctx, "outcomes were dropped", "count", dropped)
	}
	return errors.Join(err, service.CloseSinks(h.sinks...))
}
