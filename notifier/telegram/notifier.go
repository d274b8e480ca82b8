// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/absmach/valwatch/notifier"
	"github.com/absmach/valwatch/storage"
	"github.com/sony/gobreaker"
)

var _ notifier.Service = (*Notifier)(nil)

// Config holds the notifier settings.
type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration
	// Rate and Burst bound messages per second across all chats.
	Rate  float64
	Burst int
	// PerChatInterval is the minimum gap between two messages to one chat.
	PerChatInterval  time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Notifier sends notifications as HTML messages. API calls go through a
// circuit breaker so an unreachable Bot API fails fast.
type Notifier struct {
	cfg     Config
	sender  Sender
	breaker *gobreaker.CircuitBreaker
	limiter *chatLimiter
	logger  *slog.Logger

	username string
}

type user struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type sendMessageParams struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// New creates a notifier. A nil sender uses the HTTPS Bot API.
func New(cfg Config, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	if sender == nil {
		sender = NewHTTPSender(cfg.APIURL, cfg.Token, cfg.Timeout)
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 25
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.PerChatInterval <= 0 {
		cfg.PerChatInterval = time.Second
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		// Rejections of one chat say nothing about the API's health.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || (errors.As(err, &apiErr) && apiErr.permanent())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("telegram circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Notifier{
		cfg:     cfg,
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Start verifies the token with getMe and starts the rate limiter.
func (n *Notifier) Start(ctx context.Context) error {
	var me user
	if err := n.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return fmt.Errorf("failed to start telegram notifier: %w", err)
	}
	n.username = me.Username
	if n.limiter == nil {
		n.limiter = newChatLimiter(n.cfg.Rate, n.cfg.Burst, n.cfg.PerChatInterval, 10*time.Minute)
	}
	n.logger.Info("telegram notifier started", slog.String("bot", me.Username))
	return nil
}

// Stop releases the rate limiter.
func (n *Notifier) Stop() error {
	if n.limiter != nil {
		n.limiter.stop()
		n.limiter = nil
	}
	n.logger.Info("telegram notifier stopped")
	return nil
}

// SendNotification renders n and sends it to its recipient chat.
func (n *Notifier) SendNotification(ctx context.Context, rec storage.Notification) (notifier.Result, error) {
	if rec.Type != "" && rec.Type != storage.ChannelTelegram {
		return notifier.Result{}, notifier.NewSpecificError("unsupported notification type %q", rec.Type)
	}
	chatID, err := strconv.ParseInt(rec.Recipient, 10, 64)
	if err != nil {
		return notifier.Result{}, &notifier.SpecificError{Reason: "invalid telegram chat id " + strconv.Quote(rec.Recipient), Err: err}
	}

	text, ok, err := render(rec)
	if err != nil {
		return notifier.Result{}, err
	}
	if !ok {
		n.logger.Warn("no message template for event",
			slog.String("event", string(rec.Event)),
			slog.String("notification_id", rec.ID))
		return notifier.Result{SentSuccess: false}, nil
	}

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx, chatID); err != nil {
			return notifier.Result{}, err
		}
	}

	params := sendMessageParams{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	if err := n.call(ctx, "sendMessage", params, nil); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.permanent() {
			return notifier.Result{}, &notifier.SpecificError{Reason: "telegram rejected message", Err: err}
		}
		return notifier.Result{}, err
	}
	return notifier.Result{SentSuccess: true}, nil
}

func (n *Notifier) call(ctx context.Context, method string, params, result any) error {
	_, err := n.breaker.Execute(func() (any, error) {
		return nil, n.sender.Call(ctx, method, params, result)
	})
	return err
}

func formatFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}
