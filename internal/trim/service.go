package trim

import (
	"context"

	"github.com/heimdex/heimdex-trim/internal/media"
)

// Executor runs a function on the event loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Service is the goroutine-safe face of an Orchestrator. Every call is
// marshalled onto the event loop.
type Service struct {
	exec Executor
	orch *Orchestrator
	bus  *Bus
}

// NewService wraps orch, which must have been created with bus as its
// notifier.
func NewService(exec Executor, orch *Orchestrator, bus *Bus) *Service {
	return &Service{exec: exec, orch: orch, bus: bus}
}

// BeginExport starts an export of [start, end) on the loaded source.
func (s *Service) BeginExport(ctx context.Context, start, end float64) (string, error) {
	var (
		id  string
		err error
	)
	if derr := s.exec.Do(ctx, func() { id, err = s.orch.BeginExport(start, end) }); derr != nil {
		return "", derr
	}
	return id, err
}

// CancelExport cancels the active export, if any.
func (s *Service) CancelExport(ctx context.Context) error {
	return s.exec.Do(ctx, s.orch.CancelExport)
}

// Status returns the current state and the latest session snapshot.
func (s *Service) Status(ctx context.Context) (State, *Session, error) {
	var (
		state   State
		session Session
		ok      bool
	)
	err := s.exec.Do(ctx, func() {
		state = s.orch.State()
		session, ok = s.orch.Session()
	})
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return state, nil, nil
	}
	return state, &session, nil
}

// SetSource swaps the loaded source. Refused while exporting.
func (s *Service) SetSource(ctx context.Context, src media.Source) error {
	var err error
	if derr := s.exec.Do(ctx, func() { err = s.orch.SetSource(src) }); derr != nil {
		return derr
	}
	return err
}

// Source returns the loaded source.
func (s *Service) Source(ctx context.Context) (media.Source, error) {
	var src media.Source
	err := s.exec.Do(ctx, func() { src = s.orch.Source() })
	return src, err
}

// ReportConflict fails the active export with a source state conflict.
func (s *Service) ReportConflict(ctx context.Context, cause error) error {
	return s.exec.Do(ctx, func() { s.orch.ReportConflict(cause) })
}

// Subscribe opens a notification subscription.
func (s *Service) Subscribe() *Subscription {
	return s.bus.Subscribe()
}
