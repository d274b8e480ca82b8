// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lcdServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cosmos/bank/v1beta1/balances/axelar1voter/by_denom", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "uaxl", r.URL.Query().Get("denom"))
		w.Write([]byte(`{"balance":{"denom":"uaxl","amount":"1234567"}}`))
	})
	mux.HandleFunc("/cosmos/slashing/v1beta1/params", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"params":{"signed_blocks_window":"1000","min_signed_per_window":"0.05"}}`))
	})
	mux.HandleFunc("/cosmos/slashing/v1beta1/signing_infos/axelarvalcons1abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"val_signing_info":{"address":"axelarvalcons1abc","missed_blocks_counter":"25","tombstoned":false,"jailed_until":"1970-01-01T00:00:00Z"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBalance(t *testing.T) {
	srv := lcdServer(t)
	c := New([]string{srv.URL + "/"}, time.Second, nil)

	got, err := c.Balance(context.Background(), "axelar1voter", "uaxl")
	require.NoError(t, err)
	assert.Equal(t, 1234567.0, got)
}

func TestUptime(t *testing.T) {
	srv := lcdServer(t)
	c := New([]string{srv.URL}, time.Second, nil)

	got, err := c.Uptime(context.Background(), "axelarvalcons1abc")
	require.NoError(t, err)
	assert.InDelta(t, 97.5, got, 0.0001)
}

func TestFailover(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	srv := lcdServer(t)

	c := New([]string{down.URL, srv.URL}, time.Second, nil)
	got, err := c.Balance(context.Background(), "axelar1voter", "uaxl")
	require.NoError(t, err)
	assert.Equal(t, 1234567.0, got)
}

func TestAllEndpointsFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	c := New([]string{down.URL}, time.Second, nil)
	_, err := c.Balance(context.Background(), "axelar1voter", "uaxl")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)

	_, err = New(nil, time.Second, nil).Balance(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestUptimePercent(t *testing.T) {
	assert.Equal(t, 100.0, UptimePercent(100, 0))
	assert.Equal(t, 90.0, UptimePercent(100, 10))
	assert.Equal(t, 0.0, UptimePercent(100, 500))
	assert.Equal(t, 0.0, UptimePercent(0, 0))
}

func TestRPCStatus(t *testing.T) {
	blockTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Write([]byte(`{"jsonrpc":"2.0","id":-1,"result":{"node_info":{"network":"axelar-dojo-1"},"sync_info":{"latest_block_height":"1500","latest_block_time":"` + blockTime.Format(time.RFC3339Nano) + `","catching_up":true}}}`))
	}))
	defer srv.Close()

	st, err := NewRPCClient(time.Second).Status(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, Status{
		Network:           "axelar-dojo-1",
		LatestBlockHeight: 1500,
		LatestBlockTime:   blockTime,
		CatchingUp:        true,
	}, st)
}
