// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry maps queue names to queue handles on one shared broker.
// It is the only owner of the broker connection.
type Registry struct {
	broker    Broker
	cfg       Config
	logger    *slog.Logger
	observers []Observer

	group  singleflight.Group
	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool
}

// NewRegistry creates a registry. The log observer is always attached;
// extra observers receive the same events.
func NewRegistry(broker Broker, cfg Config, logger *slog.Logger, observers ...Observer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	obs := append([]Observer{NewLogObserver(logger)}, observers...)
	return &Registry{
		broker:    broker,
		cfg:       cfg,
		logger:    logger,
		observers: obs,
		queues:    make(map[string]*Queue),
	}
}

// GetOrCreate returns the cached handle for name, opening it on first use.
// Concurrent first calls share one open; the first handle created is kept.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Queue, error) {
	if q, ok, err := r.lookup(name); ok || err != nil {
		return q, err
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		if q, ok, err := r.lookup(name); ok || err != nil {
			return q, err
		}

		backend, err := r.broker.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue %s: %w", name, err)
		}
		if r.cfg.DrainOnOpen {
			if err := backend.Drain(ctx); err != nil {
				backend.Close()
				return nil, fmt.Errorf("failed to drain queue %s: %w", name, err)
			}
		}

		q := newQueue(name, backend, r.cfg, r.logger, r.observers)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			backend.Close()
			return nil, ErrClosed
		}
		r.queues[name] = q
		r.logger.Info("queue created", slog.String("queue", name))
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Queue), nil
}

func (r *Registry) lookup(name string) (*Queue, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	q, ok := r.queues[name]
	return q, ok, nil
}

// Get returns the handle for name if it was created.
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// List returns a snapshot of all known queues, sorted by name.
func (r *Registry) List() []*Queue {
	r.mu.RLock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// CheckBrokerConnectivity pings the broker. It never panics and reports
// false on any failure.
func (r *Registry) CheckBrokerConnectivity(ctx context.Context) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("broker ping panicked", slog.Any("panic", rec))
			ok = false
		}
	}()

	if err := r.broker.Ping(ctx); err != nil {
		r.logger.Warn("broker ping failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Snapshot returns the health view of the named queue.
func (r *Registry) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	q, ok := r.Get(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("queue %s not found", name)
	}
	return q.Snapshot(ctx)
}

// StopAll stops processing on every queue without closing them.
func (r *Registry) StopAll() {
	for _, q := range r.List() {
		q.Stop()
	}
}

// CloseAll closes every queue and then the broker. A failing queue is
// logged and does not prevent the others or the broker from closing.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()

	var errs []error
	expired := false
	for _, q := range queues {
		// Queues are closed even past the deadline so no worker outlives the broker.
		if err := ctx.Err(); err != nil && !expired {
			expired = true
			errs = append(errs, err)
		}
		if err := q.Close(); err != nil {
			r.logger.Error("failed to close queue",
				slog.String("queue", q.name),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("queue closed", slog.String("queue", q.name))
	}

	if err := r.broker.Close(); err != nil {
		r.logger.Error("failed to close broker", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}

	return errors.Join(errs...)
}
