// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status is the sync state reported by a CometBFT RPC node.
type Status struct {
	Network           string
	LatestBlockHeight int64
	LatestBlockTime   time.Time
	CatchingUp        bool
}

// RPCClient probes CometBFT RPC endpoints.
type RPCClient struct {
	http *http.Client
}

// NewRPCClient creates an RPC probe with the given request timeout.
func NewRPCClient(timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{http: &http.Client{Timeout: timeout}}
}

// Status queries {baseURL}/status.
func (c *RPCClient) Status(ctx context.Context, baseURL string) (Status, error) {
	var resp struct {
		Result struct {
			NodeInfo struct {
				Network string `json:"network"`
			} `json:"node_info"`
			SyncInfo struct {
				LatestBlockHeight string    `json:"latest_block_height"`
				LatestBlockTime   time.Time `json:"latest_block_time"`
				CatchingUp        bool      `json:"catching_up"`
			} `json:"sync_info"`
		} `json:"result"`
	}
	if err := getJSON(ctx, c.http, strings.TrimRight(baseURL, "/")+"/status", &resp); err != nil {
		return Status{}, err
	}
	height, err := parseInt(resp.Result.SyncInfo.LatestBlockHeight)
	if err != nil {
		return Status{}, fmt.Errorf("invalid latest_block_height: %w", err)
	}
	return Status{
		Network:           resp.Result.NodeInfo.Network,
		LatestBlockHeight: height,
		LatestBlockTime:   resp.Result.SyncInfo.LatestBlockTime,
		CatchingUp:        resp.Result.SyncInfo.CatchingUp,
	}, nil
}
