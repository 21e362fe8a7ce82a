package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type OutcomeKind int

const (
	OutcomeLaunchFailed OutcomeKind = iota + 1
	OutcomeExited
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeLaunchFailed:
		return "launch_failed"
	case OutcomeExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the single terminal event of a supervised helper.
type Outcome struct {
	HandleID string
	Name     string
	Path     string
	Args     []string
	Pid      int
	Kind     OutcomeKind
	Exit     Exit
	Canceled bool
	Started  time.Time
	Stopped  time.Time
	Err      error
}

// Success is true for a helper which exited with status 0.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeExited && !o.Exit.Signaled() && o.Exit.Code == 0
}

// Runtime is zero for helpers which never started.
func (o Outcome) Runtime() time.Duration {
	if o.Started.IsZero() || o.Stopped.IsZero() {
		return 0
	}
	return o.Stopped.Sub(o.Started)
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("handle_id", o.HandleID),
		slog.String("name", o.Name),
		slog.String("kind", o.Kind.String()),
		slog.String("path", o.Path),
	}
	if o.Pid != 0 {
		attrs = append(attrs, slog.Int("pid", o.Pid))
	}
	if o.Kind == OutcomeExited {
		attrs = append(attrs, slog.Int("exit_code", o.Exit.Code))
		if o.Exit.Signal != "" {
			attrs = append(attrs, slog.String("signal", o.Exit.Signal))
		}
		attrs = append(attrs, slog.Duration("runtime", o.Runtime()))
	}
	if o.Canceled {
		attrs = append(attrs, slog.Bool("canceled", true))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

type outcomeJSON struct {
	HandleID string      `json:"handle_id"`
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Args     []string    `json:"args,omitempty"`
	Pid      int         `json:"pid,omitempty"`
	Kind     OutcomeKind `json:"kind"`
	Exit     *Exit       `json:"exit,omitempty"`
	Canceled bool        `json:"canceled,omitempty"`
	Started  *time.Time  `json:"started,omitempty"`
	Stopped  time.Time   `json:"stopped"`
	Error    string      `json:"error,omitempty"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	v := outcomeJSON{
		HandleID: o.HandleID,
		Name:     o.Name,
		Path:     o.Path,
		Args:     o.Args,
		Pid:      o.Pid,
		Kind:     o.Kind,
		Canceled: o.Canceled,
		Stopped:  o.Stopped,
	}
	if o.Kind == OutcomeExited {
		exit := o.Exit
		v.Exit = &exit
	}
	if !o.Started.IsZero() {
		started := o.Started
		v.Started = &started
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return json.Marshal(v)
}
