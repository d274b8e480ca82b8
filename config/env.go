// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// FromEnv overlays deployment environment variables onto cfg.
// Unset variables leave the corresponding field untouched.
func FromEnv(cfg *Config) error {
	var errs []error
	fail := func(name string, err error) {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	if v := os.Getenv("TG_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TG_CHAT_IDS"); v != "" {
		cfg.Telegram.ChatIDs = splitList(v)
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Broker.Addr = v
	} else if host := os.Getenv("REDIS_HOST"); host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.Broker.Addr = net.JoinHostPort(host, port)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}

	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("AXELAR_VOTER_ADDRESS"); v != "" {
		cfg.Chain.VoterAddress = v
	}
	if v := os.Getenv("AXELAR_OPERATOR_ADDRESS"); v != "" {
		cfg.Chain.OperatorAddress = v
	}
	if v := os.Getenv("AXELAR_CONSENSUS_ADDRESS"); v != "" {
		cfg.Chain.ConsensusAddress = v
	}
	if v := os.Getenv("BROADCASTER_BALANCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("BROADCASTER_BALANCE_THRESHOLD", err)
		} else {
			cfg.Chain.BalanceThreshold = f
		}
	}
	// Seconds, as a bare integer.
	if v := os.Getenv("BROADCASTER_BALANCE_CHECK_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			fail("BROADCASTER_BALANCE_CHECK_INTERVAL", err)
		case n <= 0:
			fail("BROADCASTER_BALANCE_CHECK_INTERVAL", errors.New("must be positive"))
		default:
			cfg.Jobs.Balance = time.Duration(n) * time.Second
		}
	}
	thresholds := map[string]*float64{
		"UPTIME_THRESHOLD_LOW":    &cfg.Chain.UptimeThreshold.Low,
		"UPTIME_THRESHOLD_MEDIUM": &cfg.Chain.UptimeThreshold.Medium,
		"UPTIME_THRESHOLD_HIGH":   &cfg.Chain.UptimeThreshold.High,
	}
	for name, dst := range thresholds {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fail(name, err)
				continue
			}
			*dst = f
		}
	}
	if v := os.Getenv("LAST_X_HOUR_POLL_VOTE_NOTIFICATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("LAST_X_HOUR_POLL_VOTE_NOTIFICATION", err)
		} else {
			cfg.Chain.PollVoteLookback = time.Duration(n) * time.Hour
		}
	}

	if v := os.Getenv("MAINNET_AXELAR_LCD_REST_BASE_URLS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Chain.LCDURLs); err != nil {
			fail("MAINNET_AXELAR_LCD_REST_BASE_URLS", err)
		}
	}
	if v := os.Getenv("MAINNET_AXELAR_WS_URLS"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.Chain.WSURLs); err != nil {
			fail("MAINNET_AXELAR_WS_URLS", err)
		}
	}
	if v := os.Getenv("MAINNET_AXELAR_RPC_BASE_URLS"); v != "" {
		var urls []string
		if err := json.Unmarshal([]byte(v), &urls); err != nil {
			fail("MAINNET_AXELAR_RPC_BASE_URLS", err)
		} else {
			cfg.Chain.RPCEndpoints = cfg.Chain.RPCEndpoints[:0]
			for i, u := range urls {
				cfg.Chain.RPCEndpoints = append(cfg.Chain.RPCEndpoints, RPCEndpoint{
					Name: fmt.Sprintf("rpc-%d", i+1),
					URL:  u,
				})
			}
		}
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
