// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chain queries the Axelar LCD REST API and CometBFT RPC endpoints.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNoEndpoints is returned when a client has no base URL configured.
var ErrNoEndpoints = errors.New("no endpoints configured")

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.URL, e.Code, e.Body)
}

// Client is an LCD REST client with failover across base URLs.
type Client struct {
	urls   []string
	http   *http.Client
	logger *slog.Logger
}

// New creates a client for the given LCD base URLs. They are tried in order
// on every request.
func New(urls []string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	trimmed := make([]string, 0, len(urls))
	for _, u := range urls {
		trimmed = append(trimmed, strings.TrimRight(u, "/"))
	}
	return &Client{
		urls:   trimmed,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Balance returns the amount of denom held by address.
func (c *Client) Balance(ctx context.Context, address, denom string) (float64, error) {
	var resp struct {
		Balance struct {
			Denom  string `json:"denom"`
			Amount string `json:"amount"`
		} `json:"balance"`
	}
	path := "/cosmos/bank/v1beta1/balances/" + url.PathEscape(address) + "/by_denom?denom=" + url.QueryEscape(denom)
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, err
	}
	if resp.Balance.Amount == "" {
		return 0, nil
	}
	amount, err := strconv.ParseFloat(resp.Balance.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid balance amount %q: %w", resp.Balance.Amount, err)
	}
	return amount, nil
}

// SigningInfo is the liveness record of a validator.
type SigningInfo struct {
	Address             string
	MissedBlocksCounter int64
	Tombstoned          bool
	JailedUntil         time.Time
}

// SigningInfo returns the signing info of a consensus address.
func (c *Client) SigningInfo(ctx context.Context, consensusAddress string) (SigningInfo, error) {
	var resp struct {
		Info struct {
			Address             string    `json:"address"`
			MissedBlocksCounter string    `json:"missed_blocks_counter"`
			Tombstoned          bool      `json:"tombstoned"`
			JailedUntil         time.Time `json:"jailed_until"`
		} `json:"val_signing_info"`
	}
	if err := c.get(ctx, "/cosmos/slashing/v1beta1/signing_infos/"+url.PathEscape(consensusAddress), &resp); err != nil {
		return SigningInfo{}, err
	}
	missed, err := parseInt(resp.Info.MissedBlocksCounter)
	if err != nil {
		return SigningInfo{}, fmt.Errorf("invalid missed_blocks_counter: %w", err)
	}
	return SigningInfo{
		Address:             resp.Info.Address,
		MissedBlocksCounter: missed,
		Tombstoned:          resp.Info.Tombstoned,
		JailedUntil:         resp.Info.JailedUntil,
	}, nil
}

// SignedBlocksWindow returns the slashing window length in blocks.
func (c *Client) SignedBlocksWindow(ctx context.Context) (int64, error) {
	var resp struct {
		Params struct {
			SignedBlocksWindow string `json:"signed_blocks_window"`
		} `json:"params"`
	}
	if err := c.get(ctx, "/cosmos/slashing/v1beta1/params", &resp); err != nil {
		return 0, err
	}
	window, err := parseInt(resp.Params.SignedBlocksWindow)
	if err != nil {
		return 0, fmt.Errorf("invalid signed_blocks_window: %w", err)
	}
	if window <= 0 {
		return 0, fmt.Errorf("invalid signed_blocks_window %d", window)
	}
	return window, nil
}

// Uptime returns the share of the slashing window the validator signed, in
// percent.
func (c *Client) Uptime(ctx context.Context, consensusAddress string) (float64, error) {
	window, err := c.SignedBlocksWindow(ctx)
	if err != nil {
		return 0, err
	}
	info, err := c.SigningInfo(ctx, consensusAddress)
	if err != nil {
		return 0, err
	}
	return UptimePercent(window, info.MissedBlocksCounter), nil
}

// UptimePercent computes the signed share of window.
func UptimePercent(window, missed int64) float64 {
	if window <= 0 {
		return 0
	}
	missed = min(max(missed, 0), window)
	return float64(window-missed) / float64(window) * 100
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if len(c.urls) == 0 {
		return ErrNoEndpoints
	}
	var errs []error
	for _, base := range c.urls {
		err := getJSON(ctx, c.http, base+path, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("lcd request failed, trying next endpoint",
			slog.String("base_url", base),
			slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: u, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", u, err)
	}
	return nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
