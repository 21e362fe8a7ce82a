// Package invoke registers named commands a remote client (a UI, a script)
// may invoke on the host, and exposes them over HTTP.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrAlreadyInvoked = errors.New("command already invoked")
	ErrDuplicate      = errors.New("command already registered")
)

// Func handles an invocation. Payload is the raw JSON body, nil when the
// caller sent none. The result is encoded as JSON.
type Func func(ctx context.Context, payload json.RawMessage) (any, error)

type Opt func(*command)

// Once makes the command invocable at most once per Registry. The first
// invocation counts even when it fails.
func Once() Opt {
	return func(c *command) {
		c.once = true
	}
}

type command struct {
	name    string
	fn      Func
	once    bool
	invoked atomic.Bool
}

type Registry struct {
	mx       sync.RWMutex
	commands map[string]*command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*command)}
}

func (r *Registry) Register(name string, fn Func, opts ...Opt) error {
	if name == "" || fn == nil {
		return errors.New("command name and func are required")
	}
	c := &command{name: name, fn: fn}
	for _, opt := range opts {
		opt(c)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.commands[name] = c
	return nil
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]string, 0, len(r.commands))
	for name := range r.commands {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret
}

func (r *Registry) Invoke(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	r.mx.RLock()
	c, ok := r.commands[name]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if c.once && !c.invoked.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInvoked, name)
	}

	slog.DebugContext(ctx, "invoking command", "command", name)
	return c.fn(ctx, payload)
}

// ErrorResponse is the body of every failed invocation.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Response is the body of a successful invocation.
type Response struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
}

// Routes adds POST /invoke/:name and GET /invoke to g.
func (r *Registry) Routes(g gin.IRouter) {
	g.GET("/invoke", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"commands": r.Names()})
	})
	g.POST("/invoke/:name", r.handleInvoke)
}

func (r *Registry) handleInvoke(c *gin.Context) {
	name := c.Param("name")
	logger := slog.With("handler", "invoke", "command", name)

	raw, err := c.GetRawData()
	if err != nil {
		logger.WarnContext(c.Request.Context(), "reading request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	var payload json.RawMessage
	if len(raw) > 0 {
		if !json.Valid(raw) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Request body must be JSON", Code: "INVALID_REQUEST"})
			return
		}
		payload = raw
	}

	result, err := r.Invoke(c.Request.Context(), name, payload)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_COMMAND"})
	case errors.Is(err, ErrAlreadyInvoked):
		logger.WarnContext(c.Request.Context(), "command invoked again")
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "ALREADY_INVOKED"})
	case err != nil:
		logger.ErrorContext(c.Request.Context(), "command failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INVOKE_FAILED"})
	default:
		c.JSON(http.StatusOK, Response{Command: name, Result: result})
	}
}
