// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the job table and the lifecycle collaborators from
// the configuration.
package wiring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/valwatch/chain"
	"github.com/absmach/valwatch/checker"
	"github.com/absmach/valwatch/config"
	"github.com/absmach/valwatch/dispatch"
	"github.com/absmach/valwatch/health"
	"github.com/absmach/valwatch/lifecycle"
	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/notifier/telegram"
	"github.com/absmach/valwatch/queue"
	qmemory "github.com/absmach/valwatch/queue/memory"
	qredis "github.com/absmach/valwatch/queue/redis"
	"github.com/absmach/valwatch/storage"
	"github.com/absmach/valwatch/storage/badger"
	"github.com/absmach/valwatch/storage/memory"
	"github.com/absmach/valwatch/storage/sqlstore"
	"github.com/absmach/valwatch/stream"
)

// Option overrides a collaborator built from the configuration.
type Option func(*builder)

// WithNotifier replaces the Telegram notifier.
func WithNotifier(n notifier.Service) Option {
	return func(b *builder) { b.notifier = n }
}

// WithChain replaces the LCD client.
func WithChain(c checker.ChainReader) Option {
	return func(b *builder) { b.chain = c }
}

// WithProber replaces the RPC status client.
func WithProber(p checker.StatusProber) Option {
	return func(b *builder) { b.prober = p }
}

// WithObservers adds queue observers, such as metrics.
func WithObservers(obs ...queue.Observer) Option {
	return func(b *builder) { b.observers = append(b.observers, obs...) }
}

// WithRecorder receives every dispatch cycle.
func WithRecorder(r dispatch.Recorder) Option {
	return func(b *builder) { b.recorder = r }
}

type builder struct {
	cfg       *config.Config
	logger    *slog.Logger
	notifier  notifier.Service
	chain     checker.ChainReader
	prober    checker.StatusProber
	observers []queue.Observer
	recorder  dispatch.Recorder
}

// Build returns the controller configuration and dependencies for cfg.
func Build(cfg *config.Config, logger *slog.Logger, opts ...Option) (lifecycle.Config, lifecycle.Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &builder{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(b)
	}

	if b.notifier == nil {
		tg, err := telegram.New(telegram.Config{
			Token:            cfg.Telegram.Token,
			APIURL:           cfg.Telegram.APIURL,
			Timeout:          cfg.Telegram.Timeout,
			Rate:             cfg.Telegram.Rate,
			Burst:            cfg.Telegram.Burst,
			FailureThreshold: cfg.Telegram.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Telegram.CircuitBreaker.ResetTimeout,
		}, nil, logger)
		if err != nil {
			return lifecycle.Config{}, lifecycle.Deps{}, fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		b.notifier = tg
	}
	if b.chain == nil {
		b.chain = chain.New(cfg.Chain.LCDURLs, cfg.Chain.RequestTimeout, logger)
	}
	if b.prober == nil {
		b.prober = chain.NewRPCClient(cfg.Chain.RequestTimeout)
	}

	lcfg := lifecycle.Config{
		MaxStartAttempts: uint(cfg.Lifecycle.MaxStartAttempts),
		StartBaseDelay:   cfg.Lifecycle.StartBaseDelay,
		JobRetryInterval: cfg.Lifecycle.JobRetryInterval,
		Health: health.Config{
			JobInterval: cfg.Health.JobCheckInterval,
			AppInterval: cfg.Health.AppCheckInterval,
		},
	}

	deps := lifecycle.Deps{
		OpenStore:  OpenStore(cfg.Storage),
		OpenBroker: OpenBroker(cfg.Broker),
		NewStream:  b.newStream(),
		Notifier:   b.notifier,
		Jobs:       b.jobs,
		EventQueue: checker.EventResultQueue,
		Queue: queue.Config{
			PollInterval: cfg.Broker.PollInterval,
			Concurrency:  cfg.Broker.Concurrency,
			DrainOnOpen:  cfg.Broker.DrainOnOpen,
		},
		// The registry attaches its own log observer.
		Observers: b.observers,
	}
	return lcfg, deps, nil
}

// OpenStore returns an opener for the configured outbox backend.
func OpenStore(cfg config.StorageConfig) func(ctx context.Context) (storage.Store, error) {
	if cfg.Type == "memory" {
		mem := memory.New()
		return func(context.Context) (storage.Store, error) {
			return mem, nil
		}
	}
	return func(ctx context.Context) (storage.Store, error) {
		switch cfg.Type {
		case "badger":
			s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
			if err != nil {
				return nil, fmt.Errorf("failed to open badger store at %s: %w", cfg.BadgerDir, err)
			}
			return s, nil
		case sqlstore.SQLite, sqlstore.Postgres:
			return sqlstore.New(ctx, cfg.Type, cfg.DSN)
		default:
			return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
		}
	}
}

// OpenBroker returns an opener for the configured queue broker. A redis
// broker must answer a ping before it is handed out. The memory broker is
// shared by every startup so pending jobs survive a reinitialization.
func OpenBroker(cfg config.BrokerConfig) func(ctx context.Context) (queue.Broker, error) {
	if cfg.Type == "memory" {
		mem := qmemory.New()
		return func(context.Context) (queue.Broker, error) {
			mem.Reopen()
			return mem, nil
		}
	}
	return func(ctx context.Context) (queue.Broker, error) {
		b := NewRedisBroker(cfg)
		if err := b.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
		}
		return b, nil
	}
}

// NewRedisBroker creates a redis broker without checking the connection.
func NewRedisBroker(cfg config.BrokerConfig) *qredis.Broker {
	return qredis.New(qredis.Config{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		Prefix:      cfg.Prefix,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

func (b *builder) newStream() func() lifecycle.Stream {
	if len(b.cfg.Chain.WSURLs) == 0 {
		return nil
	}
	scfg := stream.Config{
		URLs:  b.cfg.Chain.WSURLs,
		Voter: b.cfg.Chain.VoterAddress,
	}
	return func() lifecycle.Stream {
		return stream.New(scfg, b.logger)
	}
}

// QueueNames lists the queues the configuration runs, in job table order.
func QueueNames(cfg *config.Config) []string {
	b := &builder{cfg: cfg, logger: slog.Default()}
	var names []string
	for _, j := range b.jobs(lifecycle.Env{Store: memory.New()}) {
		names = append(names, j.Queue)
	}
	return names
}

// jobs builds the job table. Checkers keep their transition state in memory,
// so every startup begins from a clean state.
func (b *builder) jobs(env lifecycle.Env) []lifecycle.Job {
	cfg := b.cfg
	outbox := checker.NewOutbox(env.Store.Notifications(), cfg.Telegram.ChatIDs)

	var dopts []dispatch.Option
	if b.recorder != nil {
		dopts = append(dopts, dispatch.WithRecorder(b.recorder))
	}
	// Every job needs a producer. Env without one only lists the table.
	var producer dispatch.Producer = noProducer{}
	if env.Producer != nil {
		producer = env.Producer
	}
	disp := dispatch.New(env.Store.Notifications(), b.notifier, producer, dispatch.Config{
		Queue:         dispatch.Queue,
		MaxRetries:    cfg.Dispatcher.MaxRetries,
		RetryPriority: cfg.Dispatcher.RetryPriority,
		RetryAttempts: cfg.Dispatcher.RetryAttempts,
		RetryBackoff:  cfg.Dispatcher.RetryBackoff,
		Concurrency:   cfg.Dispatcher.Concurrency,
	}, b.logger, dopts...)

	jobs := []lifecycle.Job{
		{Queue: dispatch.Queue, Every: cfg.Jobs.SendNotifications, Handler: disp.Handle},
	}

	balance := checker.NewBalance(checker.BalanceConfig{
		Address:   cfg.Chain.VoterAddress,
		Denom:     cfg.Chain.Denom,
		Threshold: cfg.Chain.BalanceThreshold,
	}, b.chain, outbox, b.logger)
	jobs = append(jobs, lifecycle.Job{Queue: checker.BalanceQueue, Every: cfg.Jobs.Balance, Handler: balance.Handle})

	if cfg.Chain.ConsensusAddress != "" {
		uptime := checker.NewUptime(checker.UptimeConfig{
			Operator:  cfg.Chain.OperatorAddress,
			Consensus: cfg.Chain.ConsensusAddress,
			Moniker:   cfg.Chain.Moniker,
			Thresholds: checker.UptimeThresholds{
				Low:    cfg.Chain.UptimeThreshold.Low,
				Medium: cfg.Chain.UptimeThreshold.Medium,
				High:   cfg.Chain.UptimeThreshold.High,
			},
		}, b.chain, outbox, b.logger)
		jobs = append(jobs, lifecycle.Job{Queue: checker.UptimeQueue, Every: cfg.Jobs.Uptime, Handler: uptime.Handle})
	}

	votes := checker.NewPollVote(cfg.Chain.VoterAddress, cfg.Chain.PollVoteLookback, env.Store.PollVotes(), outbox, b.logger)
	jobs = append(jobs, lifecycle.Job{Queue: checker.PollVoteQueue, Every: cfg.Jobs.PollVote, Handler: votes.Handle})

	if len(cfg.Chain.RPCEndpoints) > 0 {
		endpoints := make([]checker.Endpoint, 0, len(cfg.Chain.RPCEndpoints))
		for _, ep := range cfg.Chain.RPCEndpoints {
			endpoints = append(endpoints, checker.Endpoint{Name: ep.Name, URL: ep.URL})
		}
		rpc := checker.NewRPCHealth(endpoints, cfg.Chain.MaxBlockLag, b.prober, outbox, b.logger)
		jobs = append(jobs, lifecycle.Job{Queue: checker.RPCHealthQueue, Every: cfg.Jobs.RPCHealth, Handler: rpc.Handle})
	}

	if len(cfg.Chain.WSURLs) > 0 {
		events := checker.NewEventResult(cfg.Chain.VoterAddress, cfg.Chain.OperatorAddress, env.Store.PollVotes(), outbox, b.logger)
		jobs = append(jobs, lifecycle.Job{
			Queue:   checker.EventResultQueue,
			Options: queue.Options{Attempts: 3, Backoff: queue.Backoff{Kind: queue.BackoffFixed, Delay: cfg.Lifecycle.JobRetryInterval}},
			Handler: events.Handle,
		})
	}

	return jobs
}

type noProducer struct{}

func (noProducer) AddJob(context.Context, string, []byte, queue.Options) error {
	return queue.ErrQueueUnavailable
}
