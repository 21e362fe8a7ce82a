package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Sink receives the terminal Outcome of every supervised helper exactly once.
// Report is called from the supervision goroutine and must not block
// indefinitely.
type Sink interface {
	Report(ctx context.Context, o Outcome)
}

// Closer is implemented by sinks holding resources.
type Closer interface {
	Close() error
}

// CloseSinks closes all sinks implementing Closer.
func CloseSinks(sinks ...Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ChanSink hands outcomes over a buffered channel. A full buffer drops the
// outcome rather than blocking the supervision goroutine.
type ChanSink struct {
	ch      chan Outcome
	dropped atomic.Int64
}

func NewChanSink(capacity int) *ChanSink {
	if capacity < 1 {
		capacity = 1
	}
	return &ChanSink{ch: make(chan Outcome, capacity)}
}

func (s *ChanSink) Report(ctx context.Context, o Outcome) {
	select {
	case s.ch <- o:
	default:
		s.dropped.Add(1)
		slog.WarnContext(ctx, "outcome channel full: dropping", "outcome", o)
	}
}

// C returns the channel outcomes are delivered to. It is never closed.
func (s *ChanSink) C() <-chan Outcome {
	return s.ch
}

// Dropped returns the number of outcomes lost to a full buffer.
func (s *ChanSink) Dropped() int64 {
	return s.dropped.Load()
}

// FuncSink calls f for every outcome. A panicking f is recovered and logged.
type FuncSink func(ctx context.Context, o Outcome)

func (f FuncSink) Report(ctx context.Context, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "outcome callback panicked", "panic", fmt.Sprint(r), "handle_id", o.HandleID)
		}
	}()
	f(ctx, o)
}

// WriterSink writes every outcome as a JSON line.
type WriterSink struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Report(ctx context.Context, o Outcome) {
	b, err := json.Marshal(o)
	if err != nil {
		slog.ErrorContext(ctx, "encoding outcome", "error", err)
		return
	}
	b = append(b, '\n')

	s.mx.Lock()
	defer s.mx.Unlock()
	w := s.w
	if w == nil {
		w = os.Stdout
	}
	if _, err := w.Write(b); err != nil {
		slog.ErrorContext(ctx, "writing outcome", "error", err)
	}
}

// MultiSink reports to every sink in order.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, o Outcome) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, o)
		}
	}
}

func (m MultiSink) Close() error {
	return CloseSinks(m...)
}
