package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidConfig is returned by Supervise when a Command fails validation.
	// Nothing is launched.
	ErrInvalidConfig = errors.New("invalid helper configuration")
	// ErrSchedulingFailed is returned by Supervise when the background
	// supervision can't be scheduled.
	ErrSchedulingFailed = errors.New("scheduling helper supervision failed")
	// ErrSupervisorClosed is wrapped in ErrSchedulingFailed after Shutdown.
	ErrSupervisorClosed = errors.New("supervisor is shut down")
	// ErrLimitReached is wrapped in ErrSchedulingFailed when WithMaxHelpers is exceeded.
	ErrLimitReached = errors.New("helper limit reached")
	// ErrCanceled is the launch failure reason when Cancel happened before
	// the process was created.
	ErrCanceled = errors.New("canceled before launch")
)

// ConfigError describes a Command field which failed validation.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := ErrInvalidConfig.Error() + ": " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidConfig}
	}
	return []error{ErrInvalidConfig, e.Err}
}

// LaunchError is reported through the sink when the OS refuses to create the process.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Exit describes how a process exited: its status code, or the signal which
// terminated it. Code is -1 when Signal is set.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (e Exit) String() string {
	if e.Signal == "" && e.Code == 0 {
		return "exited normally"
	}
	bits := []string{"status=" + strconv.Itoa(e.Code)}
	if e.Signal != "" {
		bits = append(bits, "signal="+e.Signal)
	}
	return "exited with " + strings.Join(bits, ", ")
}

// Signaled returns true if a signal terminated the process.
func (e Exit) Signaled() bool {
	return e.Signal != ""
}

// ExitError is the Outcome.Err of a helper which did not exit cleanly.
type ExitError struct {
	Exit Exit
}

func (e *ExitError) Error() string {
	return "helper " + e.Exit.String()
}
