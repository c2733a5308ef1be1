// Package notify publishes lifecycle notifications to one or more sinks after the engine has
// committed the change they describe.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Notification kinds.
const (
	KindReceived            = "received"
	KindRequiresSignature   = "requires-signature"
	KindSigned              = "signed"
	KindResponded           = "responded"
	KindAnnulled            = "annulled"
	KindObservationCreated  = "observation-created"
	KindObservationResolved = "observation-resolved"
	KindResubmitted         = "resubmitted"
)

// Event is one notification addressed to a single user.
type Event struct {
	Kind      string         `json:"kind"`
	UsuarioID string         `json:"id_usuario"`
	TramiteID string         `json:"id_tramite,omitempty"`
	Titulo    string         `json:"titulo"`
	Mensaje   string         `json:"mensaje"`
	Datos     map[string]any `json:"datos,omitempty"`
	At        time.Time      `json:"at"`
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Named pairs a sink with the label used in logs and metrics.
type Named struct {
	Name string
	Sink Sink
}

// SinkError reports which sink failed.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("notify sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// Fanout publishes to every sink concurrently. A failing sink does not stop the others; all
// failures are joined into the returned error as *SinkError values.
type Fanout struct {
	Sinks   []Named
	Timeout time.Duration
}

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range f.Sinks {
		s := s
		g.Go(func() error {
			if err := s.Sink.Publish(ctx, ev); err != nil {
				mu.Lock()
				errs = append(errs, &SinkError{Sink: s.Name, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// LogSink writes events to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("notification",
		zap.String("kind", ev.Kind),
		zap.String("usuario", ev.UsuarioID),
		zap.String("tramite", ev.TramiteID),
		zap.String("titulo", ev.Titulo),
	)
	return nil
}
