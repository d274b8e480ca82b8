// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
)

// Uptime levels, from best to worst.
const (
	LevelOK       = "OK"
	LevelWarning  = "WARNING"
	LevelDegraded = "DEGRADED"
	LevelCritical = "CRITICAL"
)

// UptimeThresholds are percentages with 0 < Low <= Medium <= High <= 100.
type UptimeThresholds struct {
	Low    float64
	Medium float64
	High   float64
}

// Level maps an uptime percentage to a level.
func (t UptimeThresholds) Level(uptime float64) string {
	switch {
	case uptime >= t.High:
		return LevelOK
	case uptime >= t.Medium:
		return LevelWarning
	case uptime >= t.Low:
		return LevelDegraded
	default:
		return LevelCritical
	}
}

// UptimeConfig configures the validator uptime check.
type UptimeConfig struct {
	Operator   string
	Consensus  string
	Moniker    string
	Thresholds UptimeThresholds
}

// Uptime reports changes of the validator uptime level, both worse and
// recovered.
type Uptime struct {
	cfg    UptimeConfig
	chain  ChainReader
	outbox *Outbox
	logger *slog.Logger

	mu    sync.Mutex
	level string
}

// NewUptime creates the uptime checker. The initial level is OK.
func NewUptime(cfg UptimeConfig, chain ChainReader, outbox *Outbox, logger *slog.Logger) *Uptime {
	return &Uptime{
		cfg:    cfg,
		chain:  chain,
		outbox: outbox,
		logger: componentLogger(logger, UptimeQueue),
		level:  LevelOK,
	}
}

// Handle is the job processor.
func (u *Uptime) Handle(ctx context.Context, _ *queue.Job) error {
	uptime, err := u.chain.Uptime(ctx, u.cfg.Consensus)
	if err != nil {
		return fmt.Errorf("failed to query validator uptime: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	level := u.cfg.Thresholds.Level(uptime)
	if level == u.level {
		return nil
	}

	data := storage.UptimeData{
		Operator: u.cfg.Operator,
		Moniker:  u.cfg.Moniker,
		Uptime:   uptime,
		Level:    level,
		Previous: u.level,
	}
	if _, err := u.outbox.Notify(ctx, storage.EventUptime, "uptime_"+u.cfg.Operator, data); err != nil {
		return err
	}
	u.logger.Info("validator uptime level changed",
		slog.String("from", u.level),
		slog.String("to", level),
		slog.Float64("uptime", uptime))
	u.level = level
	return nil
}
