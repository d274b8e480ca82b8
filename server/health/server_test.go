// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/valwatch/health"
	"github.com/absmach/valwatch/queue"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	last  health.AppHealth
	state health.State
	done  map[string]time.Time
}

func (f *fakeSource) Last() health.AppHealth { return f.last }
func (f *fakeSource) State() health.State { return f.state }
func (f *fakeSource) LastCompleted() map[string]time.Time { return f.done }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		state    health.State
		wantCode int
		want     string
	}{
		{name: "healthy", method: http.MethodGet, state: health.Healthy, wantCode: http.StatusOK, want: "healthy"},
		{name: "reinitializing is alive", method: http.MethodGet, state: health.Reinitializing, wantCode: http.StatusOK, want: "healthy"},
		{name: "failed", method: http.MethodGet, state: health.Failed, wantCode: http.StatusServiceUnavailable, want: "unhealthy"},
		{name: "wrong method", method: http.MethodPost, state: health.Healthy, wantCode: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, &fakeSource{state: tt.state}, discard())
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "http://test/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.want == "" {
				return
			}
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, tt.state.String(), resp.State)
		})
	}
}

func TestHandleReady(t *testing.T) {
	checked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := health.AppHealth{
		Broker:    true,
		Store:     true,
		Queues:    map[string]queue.Snapshot{"sendNotifications": {Delayed: 1}},
		CheckedAt: checked,
	}
	bad := good
	bad.Store = false

	tests := []struct {
		name     string
		source   *fakeSource
		wantCode int
		details  string
	}{
		{name: "no check yet", source: &fakeSource{}, wantCode: http.StatusOK},
		{name: "healthy check", source: &fakeSource{last: good}, wantCode: http.StatusOK},
		{name: "failed check", source: &fakeSource{last: bad}, wantCode: http.StatusServiceUnavailable, details: "last application check failed"},
		{name: "reinitializing", source: &fakeSource{last: good, state: health.Reinitializing}, wantCode: http.StatusServiceUnavailable, details: "supervisor is reinitializing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, tt.source, discard())
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://test/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.details, resp.Details)
		})
	}
}

func TestReadyIncludesActivity(t *testing.T) {
	done := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	src := &fakeSource{
		last: health.AppHealth{Broker: true, Store: true, CheckedAt: done},
		done: map[string]time.Time{"valUptimeChecker": done},
	}
	s := New(Config{}, src, discard())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://test/ready", nil))

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Health)
	assert.True(t, resp.Health.Broker)
	assert.True(t, resp.LastCompleted["valUptimeChecker"].Equal(done))
}

func TestListen(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &fakeSource{}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}
