package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/metrics"
	"github.com/CZERTAINLY/Overseer/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSink(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewPedanticRegistry()
	sink, err := metrics.New(reg, func() float64 { return 2 })
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exited := func(exit service.Exit, canceled bool) service.Outcome {
		return service.Outcome{
			Name:     "rag-api",
			Kind:     service.OutcomeExited,
			Exit:     exit,
			Canceled: canceled,
			Started:  start,
			Stopped:  start.Add(3 * time.Second),
		}
	}

	sink.Report(t.Context(), exited(service.Exit{Code: 0}, false))
	sink.Report(t.Context(), exited(service.Exit{Code: 1}, false))
	sink.Report(t.Context(), exited(service.Exit{Code: -1, Signal: "SIGSEGV"}, false))
	sink.Report(t.Context(), exited(service.Exit{Code: -1, Signal: "SIGTERM"}, true))
	sink.Report(t.Context(), service.Outcome{Name: "indexer", Kind: service.OutcomeLaunchFailed})

	expected := `
# HELP overseer_helper_exits_total Helper exits by result (success, failure, signaled, canceled)
# TYPE overseer_helper_exits_total counter
overseer_helper_exits_total{helper="rag-api",result="canceled"} 1
overseer_helper_exits_total{helper="rag-api",result="failure"} 1
overseer_helper_exits_total{helper="rag-api",result="signaled"} 1
overseer_helper_exits_total{helper="rag-api",result="success"} 1
# HELP overseer_helper_launch_failures_total Helpers the operating system refused to start
# TYPE overseer_helper_launch_failures_total counter
overseer_helper_launch_failures_total{helper="indexer"} 1
# HELP overseer_helper_launches_total Helpers started by the operating system
# TYPE overseer_helper_launches_total counter
overseer_helper_launches_total{helper="rag-api"} 4
# HELP overseer_helpers_running Helpers currently running
# TYPE overseer_helpers_running gauge
overseer_helpers_running 2
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"overseer_helper_exits_total",
		"overseer_helper_launch_failures_total",
		"overseer_helper_launches_total",
		"overseer_helpers_running",
	)
	require.NoError(t, err)
	n, err := testutil.GatherAndCount(reg, "overseer_helper_runtime_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewRegisterTwice(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg, nil)
	require.NoError(t, err)
	_, err = metrics.New(reg, nil)
	require.Error(t, err)
}

func TestResult(t *testing.T) {
	t.Parallel()
	require.Equal(t, metrics.ResultSuccess, metrics.Result(service.Outcome{Kind: service.OutcomeExited}))
	require.Equal(t, metrics.ResultFailure, metrics.Result(service.Outcome{Kind: service.OutcomeExited, Exit: service.Exit{Code: 2}}))
	require.Equal(t, metrics.ResultSignaled, metrics.Result(service.Outcome{Kind: service.OutcomeExited, Exit: service.Exit{Code: -1, Signal: "SIGKILL"}}))
	require.Equal(t, metrics.ResultCanceled, metrics.Result(service.Outcome{Kind: service.OutcomeExited, Canceled: true}))
}
