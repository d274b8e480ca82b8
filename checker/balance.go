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

// BalanceConfig configures the broadcaster balance check.
type BalanceConfig struct {
	Address   string
	Denom     string
	Threshold float64
}

// Balance reports a broadcaster balance falling below the threshold. It
// reports once per low period and re-arms when the balance recovers.
type Balance struct {
	cfg    BalanceConfig
	chain  ChainReader
	outbox *Outbox
	logger *slog.Logger

	mu  sync.Mutex
	low bool
}

// NewBalance creates the balance checker.
func NewBalance(cfg BalanceConfig, chain ChainReader, outbox *Outbox, logger *slog.Logger) *Balance {
	return &Balance{
		cfg:    cfg,
		chain:  chain,
		outbox: outbox,
		logger: componentLogger(logger, BalanceQueue),
	}
}

// Handle is the job processor.
func (b *Balance) Handle(ctx context.Context, _ *queue.Job) error {
	balance, err := b.chain.Balance(ctx, b.cfg.Address, b.cfg.Denom)
	if err != nil {
		return fmt.Errorf("failed to query broadcaster balance: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if balance >= b.cfg.Threshold {
		if b.low {
			b.logger.Info("broadcaster balance recovered", slog.Float64("balance", balance))
		}
		b.low = false
		return nil
	}
	if b.low {
		return nil
	}

	data := storage.BalanceData{
		Address:   b.cfg.Address,
		Denom:     b.cfg.Denom,
		Balance:   balance,
		Threshold: b.cfg.Threshold,
	}
	n, err := b.outbox.Notify(ctx, storage.EventBroadcasterBalanceLow, "broadcaster_balance_"+b.cfg.Address, data)
	if err != nil {
		return err
	}
	b.low = true
	b.logger.Warn("broadcaster balance below threshold",
		slog.Float64("balance", balance),
		slog.Float64("threshold", b.cfg.Threshold),
		slog.Int("notifications", n))
	return nil
}
