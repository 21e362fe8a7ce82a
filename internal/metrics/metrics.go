// Package metrics exposes helper supervision as Prometheus metrics. Sink
// implements service.Sink and is fed with the same outcomes as the host.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CZERTAINLY/Overseer/internal/service"
)

const namespace = "overseer"

// exit results
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultSignaled = "signaled"
	ResultCanceled = "canceled"
)

type Sink struct {
	launches       *prometheus.CounterVec
	launchFailures *prometheus.CounterVec
	exits          *prometheus.CounterVec
	runtime        *prometheus.HistogramVec
}

// New registers the helper metrics to reg. The running func backs the
// overseer_helpers_running gauge and may be nil.
func New(reg prometheus.Registerer, running func() float64) (*Sink, error) {
	s := &Sink{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "launches_total",
			Help:      "Helpers started by the operating system",
		}, []string{"helper"}),
		launchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "launch_failures_total",
			Help:      "Helpers the operating system refused to start",
		}, []string{"helper"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "exits_total",
			Help:      "Helper exits by result (success, failure, signaled, canceled)",
		}, []string{"helper", "result"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "helper",
			Name:      "runtime_seconds",
			Help:      "Time between helper start and exit",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
		}, []string{"helper"}),
	}

	collectors := []prometheus.Collector{s.launches, s.launchFailures, s.exits, s.runtime}
	if running != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "helpers_running",
			Help:      "Helpers currently running",
		}, running))
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) Report(_ context.Context, o service.Outcome) {
	switch o.Kind {
	case service.OutcomeLaunchFailed:
		s.launchFailures.WithLabelValues(o.Name).Inc()
	case service.OutcomeExited:
		s.launches.WithLabelValues(o.Name).Inc()
		s.exits.WithLabelValues(o.Name, Result(o)).Inc()
		s.runtime.WithLabelValues(o.Name).Observe(o.Runtime().Seconds())
	}
}

// Result classifies an exited helper for the exits_total result label.
func Result(o service.Outcome) string {
	switch {
	case o.Canceled:
		return ResultCanceled
	case o.Success():
		return ResultSuccess
	case o.Exit.Signaled():
		return ResultSignaled
	default:
		return ResultFailure
	}
}
