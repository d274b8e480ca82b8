// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle starts, supervises and stops the application.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/valwatch/health"
	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/pkg/retry"
	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
	"github.com/absmach/valwatch/stream"
)

// ErrStartupExhausted is returned when every startup attempt failed.
var ErrStartupExhausted = errors.New("startup attempts exhausted")

// Stream is the event-stream client.
type Stream interface {
	Connect(ctx context.Context) error
	Events() <-chan stream.Event
	Close() error
}

// Job is a queue with its processor. A positive Every makes it recurring.
type Job struct {
	Queue   string
	Every   time.Duration
	Options queue.Options
	Handler queue.Handler
}

// Env is what job processors are built from on every startup.
type Env struct {
	Store    storage.Store
	Producer *Controller
}

// Deps are the collaborators of the controller.
type Deps struct {
	OpenStore  func(ctx context.Context) (storage.Store, error)
	OpenBroker func(ctx context.Context) (queue.Broker, error)
	// NewStream may be nil when no event stream is configured.
	NewStream func() Stream
	Notifier  notifier.Service
	Jobs      func(env Env) []Job
	// EventQueue receives the events of the stream.
	EventQueue string
	Queue      queue.Config
	Observers  []queue.Observer
}

// Config holds the startup and shutdown policy.
type Config struct {
	MaxStartAttempts uint
	StartBaseDelay   time.Duration
	JobRetryInterval time.Duration
	Health           health.Config
}

// Controller owns the startup sequence, the running components and their
// teardown. Reinitialization replaces the registry, the stream and the
// monitor while store and notifier are kept when they still answer.
type Controller struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	activity   *queue.ActivityTracker
	supervisor *health.Supervisor

	// guards the fields below
	mu              sync.RWMutex
	store           storage.Store
	notifierStarted bool
	registry        *queue.Registry
	producer        *queue.Producer
	stream          Stream
	monitor         *health.Monitor
	lastHealth      health.AppHealth
	cancelRun       context.CancelFunc
	runWG           sync.WaitGroup
	shutdown        bool
}

// New creates a controller.
func New(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxStartAttempts == 0 {
		cfg.MaxStartAttempts = 3
	}
	if cfg.StartBaseDelay <= 0 {
		cfg.StartBaseDelay = time.Second
	}
	if cfg.JobRetryInterval <= 0 {
		cfg.JobRetryInterval = 5 * time.Second
	}
	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(slog.String("component", "lifecycle")),
		activity: queue.NewActivityTracker(),
	}
	c.supervisor = health.NewSupervisor(c.Reinitialize, logger)
	return c
}

// Start runs the startup sequence, retrying the whole sequence with an
// exponential delay. It returns ErrStartupExhausted when every attempt failed.
func (c *Controller) Start(ctx context.Context) error {
	policy := retry.Policy{
		Kind:        retry.Exponential,
		Delay:       c.cfg.StartBaseDelay,
		MaxAttempts: c.cfg.MaxStartAttempts,
		Notify: func(err error, attempt int, next time.Duration) {
			c.logger.Error("startup failed, retrying",
				slog.Int("attempt", attempt),
				slog.Uint64("max_attempts", uint64(c.cfg.MaxStartAttempts)),
				slog.Duration("next", next),
				slog.String("error", err.Error()))
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := c.startOnce(ctx); err != nil {
			c.teardown(context.Background())
			return err
		}
		return nil
	})
	switch {
	case err == nil:
		c.logger.Info("application started")
		return nil
	case errors.Is(err, retry.ErrExhausted):
		return fmt.Errorf("%w: %w", ErrStartupExhausted, err)
	default:
		return err
	}
}

func (c *Controller) startOnce(ctx context.Context) error {
	c.mu.Lock()
	stopped := c.shutdown
	c.mu.Unlock()
	if stopped {
		return retry.Permanent(errors.New("controller is shut down"))
	}

	store, err := c.connectStore(ctx)
	if err != nil {
		return err
	}

	if c.deps.NewStream != nil {
		s := c.deps.NewStream()
		if err := s.Connect(ctx); err != nil {
			s.Close()
			return fmt.Errorf("failed to connect event stream: %w", err)
		}
		c.mu.Lock()
		c.stream = s
		c.mu.Unlock()
		c.logger.Info("event stream connected")
	}

	if err := c.startNotifier(ctx); err != nil {
		return err
	}

	broker, err := c.deps.OpenBroker(ctx)
	if err != nil {
		return fmt.Errorf("failed to open queue broker: %w", err)
	}
	observers := append([]queue.Observer{c.activity}, c.deps.Observers...)
	registry := queue.NewRegistry(broker, c.deps.Queue, c.logger, observers...)
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.registry = registry
	c.producer = queue.NewProducer(registry)
	c.cancelRun = cancel
	s := c.stream
	c.mu.Unlock()

	jobs := c.deps.Jobs(Env{Store: store, Producer: c})
	var eventOpts queue.Options
	for _, job := range jobs {
		if job.Queue == c.deps.EventQueue {
			eventOpts = job.Options
		}
		q, err := registry.GetOrCreate(ctx, job.Queue)
		if err != nil {
			return err
		}
		if err := q.Process(runCtx, job.Handler); err != nil {
			return err
		}
	}
	if s != nil {
		if _, err := registry.GetOrCreate(ctx, c.deps.EventQueue); err != nil {
			return err
		}
		c.runWG.Add(1)
		go c.forward(runCtx, s.Events(), eventOpts)
	}
	c.logger.Info("queues ready", slog.Int("count", len(jobs)))

	var watched []health.Job
	for _, job := range jobs {
		if job.Every <= 0 {
			continue
		}
		add := c.addFunc(job)
		if err := add(ctx); err != nil {
			c.logger.Error("failed to register job, retrying in background",
				slog.String("queue", job.Queue),
				slog.Duration("interval", c.cfg.JobRetryInterval),
				slog.String("error", err.Error()))
			c.runWG.Add(1)
			go c.retryJob(runCtx, job.Queue, add)
		}
		watched = append(watched, health.Job{Queue: job.Queue, Produce: add})
	}

	monitor := health.NewMonitor(c.cfg.Health, registry, store, watched, c.supervisor, c.logger)
	c.mu.Lock()
	c.monitor = monitor
	c.mu.Unlock()
	monitor.Start()
	return nil
}

// connectStore reuses the store while it answers and opens it otherwise.
func (c *Controller) connectStore(ctx context.Context) (storage.Store, error) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()

	if store != nil {
		if err := store.Ping(ctx); err == nil {
			return store, nil
		}
		c.logger.Warn("store does not answer, reconnecting")
		store.Close()
	}

	store, err := c.deps.OpenStore(ctx)
	c.mu.Lock()
	c.store = store
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to connect store: %w", err)
	}
	c.logger.Info("store connected")
	return store, nil
}

func (c *Controller) startNotifier(ctx context.Context) error {
	c.mu.Lock()
	started := c.notifierStarted
	c.mu.Unlock()
	if started {
		return nil
	}
	if err := c.deps.Notifier.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}
	c.mu.Lock()
	c.notifierStarted = true
	c.mu.Unlock()
	c.logger.Info("notifier started")
	return nil
}

// addFunc returns the producer function of a recurring job.
func (c *Controller) addFunc(job Job) func(context.Context) error {
	opts := job.Options
	opts.RepeatEvery = job.Every
	return func(ctx context.Context) error {
		return c.AddJob(ctx, job.Queue, nil, opts)
	}
}

// retryJob registers a job every JobRetryInterval until it succeeds or ctx
// ends.
func (c *Controller) retryJob(ctx context.Context, name string, add func(context.Context) error) {
	defer c.runWG.Done()
	policy := retry.ConstantPolicy(c.cfg.JobRetryInterval)
	policy.Notify = func(err error, attempt int, _ time.Duration) {
		c.logger.Warn("job registration retry failed",
			slog.String("queue", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	if err := retry.Do(ctx, policy, add); err != nil {
		return
	}
	c.logger.Info("job registered after retry", slog.String("queue", name))
}

// forward enqueues stream events on the event queue.
func (c *Controller) forward(ctx context.Context, events <-chan stream.Event, opts queue.Options) {
	defer c.runWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := stream.Encode(ev)
			if err != nil {
				c.logger.Error("failed to encode stream event", slog.String("error", err.Error()))
				continue
			}
			if err := c.AddJob(ctx, c.deps.EventQueue, payload, opts); err != nil {
				c.logger.Error("failed to enqueue stream event",
					slog.String("kind", string(ev.Kind())),
					slog.String("error", err.Error()))
			}
		}
	}
}

// AddJob enqueues on the current registry. It fails with
// queue.ErrQueueUnavailable while no registry is running.
func (c *Controller) AddJob(ctx context.Context, name string, payload []byte, opts queue.Options) error {
	c.mu.RLock()
	p := c.producer
	c.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: %s: not running", queue.ErrQueueUnavailable, name)
	}
	return p.AddJob(ctx, name, payload, opts)
}

// Reinitialize stops the running components and runs the startup sequence
// again. Called by the supervisor.
func (c *Controller) Reinitialize(ctx context.Context) error {
	c.logger.Warn("reinitializing application")
	c.teardown(ctx)
	return c.Start(ctx)
}

// teardown stops the monitor, queue processing, job retries and the
// forwarder, then closes the queues, the broker and the stream. Store and
// notifier stay open.
func (c *Controller) teardown(ctx context.Context) error {
	c.mu.Lock()
	monitor := c.monitor
	c.monitor = nil
	c.mu.Unlock()

	// The monitor is stopped outside the lock; a running check may call
	// AddJob.
	if monitor != nil {
		monitor.Stop()
		c.mu.Lock()
		c.lastHealth = monitor.Last()
		c.mu.Unlock()
	}

	c.mu.Lock()
	registry := c.registry
	cancel := c.cancelRun
	s := c.stream
	c.registry, c.producer, c.cancelRun, c.stream = nil, nil, nil, nil
	c.mu.Unlock()

	var errs []error
	if registry != nil {
		registry.StopAll()
	}
	if cancel != nil {
		cancel()
	}
	c.runWG.Wait()

	if registry != nil {
		if err := registry.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queues: %w", err))
		}
	}
	if s != nil {
		if err := s.Close(); err != nil {
			c.logger.Error("failed to close event stream", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("failed to close event stream: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops everything in reverse startup order. The returned error
// joins every step that failed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()

	c.supervisor.Stop()
	c.logger.Info("supervisor stopped")

	var errs []error
	if err := c.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("queues and event stream closed")

	c.mu.Lock()
	store := c.store
	c.store = nil
	started := c.notifierStarted
	c.notifierStarted = false
	c.mu.Unlock()

	if store != nil {
		if err := store.Close(); err != nil {
			c.logger.Error("failed to close store", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		} else {
			c.logger.Info("store closed")
		}
	}
	if started {
		if err := c.deps.Notifier.Stop(); err != nil {
			c.logger.Error("failed to stop notifier", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("failed to stop notifier: %w", err))
		} else {
			c.logger.Info("notifier stopped")
		}
	}

	return errors.Join(errs...)
}

// Failed is closed when the supervisor gives up.
func (c *Controller) Failed() <-chan struct{} {
	return c.supervisor.Failed()
}

// Err returns the error that made the supervisor give up.
func (c *Controller) Err() error {
	return c.supervisor.Err()
}

// State returns the supervisor state.
func (c *Controller) State() health.State {
	return c.supervisor.State()
}

// Last returns the latest application check result.
func (c *Controller) Last() health.AppHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.monitor != nil {
		if h := c.monitor.Last(); !h.CheckedAt.IsZero() {
			return h
		}
	}
	return c.lastHealth
}

// LastCompleted returns the last completion time per queue.
func (c *Controller) LastCompleted() map[string]time.Time {
	return c.activity.All()
}

// Registry returns the running registry, or nil.
func (c *Controller) Registry() *queue.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

// Store returns the connected store, or nil.
func (c *Controller) Store() storage.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}
