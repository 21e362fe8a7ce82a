package invoke_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CZERTAINLY/Overseer/internal/invoke"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	reg := invoke.NewRegistry()
	err := reg.Register("start_helpers", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return "started", nil
	}, invoke.Once())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, already atomic.Int32
	for range 8 {
		wg.Go(func() {
			_, err := reg.Invoke(t.Context(), "start_helpers", nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, invoke.ErrAlreadyInvoked):
				already.Add(1)
			}
		})
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(7), already.Load())
	require.Equal(t, int32(1), calls.Load())
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := invoke.NewRegistry()
	echo := func(_ context.Context, payload json.RawMessage) (any, error) {
		return string(payload), nil
	}
	require.NoError(t, reg.Register("echo", echo))
	require.ErrorIs(t, reg.Register("echo", echo), invoke.ErrDuplicate)
	require.Error(t, reg.Register("", echo))
	require.Error(t, reg.Register("nil", nil))

	for range 2 {
		got, err := reg.Invoke(t.Context(), "echo", json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		require.Equal(t, `{"a":1}`, got)
	}

	_, err := reg.Invoke(t.Context(), "missing", nil)
	require.ErrorIs(t, err, invoke.ErrUnknownCommand)
	require.Equal(t, []string{"echo"}, reg.Names())
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	reg := invoke.NewRegistry()
	require.NoError(t, reg.Register("start_helpers", func(_ context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"payload": payload != nil}, nil
	}, invoke.Once()))
	require.NoError(t, reg.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("helper config is broken")
	}))

	r := gin.New()
	reg.Routes(r)

	var testCases = []struct {
		scenario string
		method   string
		path     string
		body     string
		status   int
		code     string
	}{
		{"first invocation", http.MethodPost, "/invoke/start_helpers", "", http.StatusOK, ""},
		{"second invocation", http.MethodPost, "/invoke/start_helpers", "", http.StatusConflict, "ALREADY_INVOKED"},
		{"unknown", http.MethodPost, "/invoke/nope", "", http.StatusNotFound, "UNKNOWN_COMMAND"},
		{"failure", http.MethodPost, "/invoke/fail", `{}`, http.StatusInternalServerError, "INVOKE_FAILED"},
		{"not json", http.MethodPost, "/invoke/fail", `{`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"list", http.MethodGet, "/invoke", "", http.StatusOK, ""},
	}

	// order matters, the once command is consumed by the first case
	for _, tc := range testCases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, tc.status, w.Code, tc.scenario)
		if tc.code != "" {
			var resp invoke.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), tc.scenario)
			require.Equal(t, tc.code, resp.Code, tc.scenario)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/invoke", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.JSONEq(t, `{"commands":["fail","start_helpers"]}`, w.Body.String())
}
