// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"log/slog"
	"sync"
)

// State is the supervisor state.
type State int

const (
	Healthy State = iota
	Degraded
	Reinitializing
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Reinitializing:
		return "reinitializing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Supervisor turns failed application checks into a single reinitialization.
//
//	Healthy -> Degraded -> Reinitializing -> Healthy
//	                                      -> Failed
//
// Reports are ignored outside Healthy, so at most one reinitialization runs
// at a time. Failed is terminal.
type Supervisor struct {
	reinit func(ctx context.Context) error
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	err    error
	failed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor in the Healthy state.
func NewSupervisor(reinit func(ctx context.Context) error, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reinit: reinit,
		logger: logger.With(slog.String("component", "supervisor")),
		failed: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed is closed when the supervisor enters Failed.
func (s *Supervisor) Failed() <-chan struct{} {
	return s.failed
}

// Err returns the error that moved the supervisor to Failed.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Report implements Reporter.
func (s *Supervisor) Report(_ context.Context, h AppHealth) {
	if h.Healthy() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Healthy || s.ctx.Err() != nil {
		return
	}
	s.transition(Degraded)

	s.wg.Add(1)
	go s.reinitialize()
}

func (s *Supervisor) reinitialize() {
	defer s.wg.Done()

	s.mu.Lock()
	s.transition(Reinitializing)
	s.mu.Unlock()

	err := s.reinit(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.ctx.Err() != nil {
			s.logger.Info("reinitialization cancelled")
			return
		}
		s.err = err
		s.logger.Error("reinitialization failed", slog.String("error", err.Error()))
		s.transition(Failed)
		close(s.failed)
		return
	}
	s.transition(Healthy)
}

// transition must be called with mu held.
func (s *Supervisor) transition(to State) {
	s.logger.Info("supervisor state changed",
		slog.String("from", s.state.String()),
		slog.String("to", to.String()))
	s.state = to
}

// Stop cancels a running reinitialization and waits for it.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}
