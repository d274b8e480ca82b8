// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
	"golang.org/x/sync/errgroup"
)

// Endpoint is a named RPC endpoint.
type Endpoint struct {
	Name string
	URL  string
}

// RPCHealth probes RPC endpoints and reports health transitions. Every
// endpoint starts out healthy.
type RPCHealth struct {
	endpoints   []Endpoint
	maxBlockLag time.Duration
	prober      StatusProber
	outbox      *Outbox
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	healthy map[string]bool
}

// NewRPCHealth creates the RPC health checker. An endpoint whose latest
// block is older than maxBlockLag is unhealthy.
func NewRPCHealth(endpoints []Endpoint, maxBlockLag time.Duration, prober StatusProber, outbox *Outbox, logger *slog.Logger) *RPCHealth {
	healthy := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		healthy[e.Name] = true
	}
	return &RPCHealth{
		endpoints:   endpoints,
		maxBlockLag: maxBlockLag,
		prober:      prober,
		outbox:      outbox,
		logger:      componentLogger(logger, RPCHealthQueue),
		now:         time.Now,
		healthy:     healthy,
	}
}

// Handle is the job processor.
func (h *RPCHealth) Handle(ctx context.Context, _ *queue.Job) error {
	reasons := make([]string, len(h.endpoints))

	var g errgroup.Group
	for i, e := range h.endpoints {
		g.Go(func() error {
			reasons[i] = h.probe(ctx, e)
			return nil
		})
	}
	g.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.endpoints {
		healthy := reasons[i] == ""
		if healthy == h.healthy[e.Name] {
			continue
		}
		data := storage.RPCHealthData{
			Name:    e.Name,
			URL:     e.URL,
			Healthy: healthy,
			Reason:  reasons[i],
		}
		if _, err := h.outbox.Notify(ctx, storage.EventRPCEndpointHealth, "rpc_endpoint_"+e.Name, data); err != nil {
			return err
		}
		h.healthy[e.Name] = healthy
		h.logger.Info("rpc endpoint health changed",
			slog.String("endpoint", e.Name),
			slog.Bool("healthy", healthy),
			slog.String("reason", reasons[i]))
	}
	return nil
}

// probe returns the reason the endpoint is unhealthy, or "".
func (h *RPCHealth) probe(ctx context.Context, e Endpoint) string {
	st, err := h.prober.Status(ctx, e.URL)
	switch {
	case err != nil:
		return err.Error()
	case st.CatchingUp:
		return "node is catching up"
	case h.maxBlockLag > 0 && h.now().Sub(st.LatestBlockTime) > h.maxBlockLag:
		return fmt.Sprintf("latest block %d is %s old", st.LatestBlockHeight, h.now().Sub(st.LatestBlockTime).Truncate(time.Second))
	}
	return ""
}
