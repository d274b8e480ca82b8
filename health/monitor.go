// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health watches the liveness of recurring jobs and of the whole
// application, and supervises recovery.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/valwatch/queue"
)

// Registry is the queue view the monitor needs.
type Registry interface {
	Snapshot(ctx context.Context, name string) (queue.Snapshot, error)
	CheckBrokerConnectivity(ctx context.Context) bool
}

// Pinger checks that a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter receives every application check result.
type Reporter interface {
	Report(ctx context.Context, h AppHealth)
}

// Job is a watched recurring job and the function that schedules it again.
type Job struct {
	Queue   string
	Produce func(ctx context.Context) error
}

// AppHealth is the result of one application check.
type AppHealth struct {
	Broker        bool                      `json:"broker"`
	Store         bool                      `json:"store"`
	Queues        map[string]queue.Snapshot `json:"queues"`
	StalledQueues []string                  `json:"stalled_queues,omitempty"`
	CheckedAt     time.Time                 `json:"checked_at"`
}

// Healthy is the strict conjunction of all checks.
func (h AppHealth) Healthy() bool {
	return h.Broker && h.Store && len(h.StalledQueues) == 0
}

// Config holds the check intervals.
type Config struct {
	JobInterval time.Duration
	AppInterval time.Duration
	// CheckTimeout bounds one round of checks.
	CheckTimeout time.Duration
}

// Monitor runs the job and application checks on tickers.
type Monitor struct {
	cfg      Config
	registry Registry
	store    Pinger
	jobs     []Job
	reporter Reporter
	logger   *slog.Logger

	mu      sync.RWMutex
	last    AppHealth
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. reporter may be nil.
func NewMonitor(cfg Config, registry Registry, store Pinger, jobs []Job, reporter Reporter, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobInterval <= 0 {
		cfg.JobInterval = 5 * time.Minute
	}
	if cfg.AppInterval <= 0 {
		cfg.AppInterval = time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		jobs:     jobs,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "health")),
	}
}

// Start launches both check loops. It is a no-op while running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(2)
	go m.loop(m.cfg.JobInterval, m.stopCh, func(ctx context.Context) { m.CheckJobs(ctx) })
	go m.loop(m.cfg.AppInterval, m.stopCh, func(ctx context.Context) {
		h := m.CheckApp(ctx)
		if m.reporter != nil {
			m.reporter.Report(ctx, h)
		}
	})
	m.logger.Info("health monitor started",
		slog.Duration("job_interval", m.cfg.JobInterval),
		slog.Duration("app_interval", m.cfg.AppInterval))
}

// Stop halts both loops and waits for a running check to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// Running reports whether the loops are active.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Last returns the latest application check result.
func (m *Monitor) Last() AppHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) loop(interval time.Duration, stopCh <-chan struct{}, check func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
			check(ctx)
			cancel()
		}
	}
}

// CheckJobs reschedules every watched job whose queue is stalled, once per
// call, and returns the queues it rescheduled.
func (m *Monitor) CheckJobs(ctx context.Context) []string {
	var restarted []string
	for _, job := range m.jobs {
		snap, err := m.registry.Snapshot(ctx, job.Queue)
		if err != nil {
			m.logger.Error("failed to read queue counts",
				slog.String("queue", job.Queue),
				slog.String("error", err.Error()))
			continue
		}
		if !snap.Stalled() {
			continue
		}

		m.logger.Warn("job stalled, scheduling it again", slog.String("queue", job.Queue))
		if err := job.Produce(ctx); err != nil {
			m.logger.Error("failed to reschedule stalled job",
				slog.String("queue", job.Queue),
				slog.String("error", err.Error()))
			continue
		}
		restarted = append(restarted, job.Queue)
	}
	return restarted
}

// CheckApp probes the broker, the store and every watched queue.
func (m *Monitor) CheckApp(ctx context.Context) AppHealth {
	h := AppHealth{
		Broker:    m.registry.CheckBrokerConnectivity(ctx),
		Store:     m.pingStore(ctx),
		Queues:    make(map[string]queue.Snapshot, len(m.jobs)),
		CheckedAt: time.Now(),
	}
	for _, job := range m.jobs {
		snap, err := m.registry.Snapshot(ctx, job.Queue)
		if err != nil || snap.Stalled() {
			h.StalledQueues = append(h.StalledQueues, job.Queue)
		}
		if err == nil {
			h.Queues[job.Queue] = snap
		}
	}
	sort.Strings(h.StalledQueues)

	if !h.Healthy() {
		m.logger.Warn("application unhealthy",
			slog.Bool("broker", h.Broker),
			slog.Bool("store", h.Store),
			slog.Any("stalled_queues", h.StalledQueues))
	}

	m.mu.Lock()
	m.last = h
	m.mu.Unlock()
	return h
}

func (m *Monitor) pingStore(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("store ping panicked", slog.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	if err := m.store.Ping(ctx); err != nil {
		m.logger.Error("store ping failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
