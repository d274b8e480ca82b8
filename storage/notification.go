// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event identifies what a notification reports.
type Event string

const (
	EventUptime                Event = "UPTIME"
	EventPollVote              Event = "POLL_VOTE"
	EventRPCEndpointHealth     Event = "RPC_ENDPOINT_HEALTH"
	EventChainRegistration     Event = "EVM_SUPPORTED_CHAIN_REGISTRATION"
	EventBroadcasterBalanceLow Event = "BROADCASTER_BALANCE_LOW"
)

// Channel is the transport a notification is delivered through.
type Channel string

// ChannelTelegram delivers through the Telegram Bot API.
const ChannelTelegram Channel = "TELEGRAM"

// Notification is an outbox record.
//
// Sent only ever moves from false to true. RetryCount never exceeds the
// dispatcher's limit; a record failing at the limit is marked Failed and
// is no longer picked up automatically.
type Notification struct {
	ID         string          `json:"notification_id" db:"notification_id"`
	Event      Event           `json:"event" db:"event"`
	Data       json.RawMessage `json:"data" db:"data"`
	Condition  string          `json:"condition" db:"condition"`
	Type       Channel         `json:"type" db:"type"`
	Recipient  string          `json:"recipient" db:"recipient"`
	Sent       bool            `json:"sent" db:"sent"`
	RetryCount int             `json:"retry_count" db:"retry_count"`
	Failed     bool            `json:"failed" db:"failed"`
	LastError  string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// NewNotification builds an unsent Telegram notification with a fresh id.
func NewNotification(event Event, recipient, condition string, data any) (*Notification, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s data: %w", event, err)
	}
	now := time.Now().UTC()
	return &Notification{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      raw,
		Condition: condition,
		Type:      ChannelTelegram,
		Recipient: recipient,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NotificationFilter selects outbox records. Nil fields match anything.
type NotificationFilter struct {
	Sent      *bool
	Failed    *bool
	Condition string
	Limit     int
}

// Unsent matches records still waiting for delivery.
func Unsent() NotificationFilter {
	f := false
	return NotificationFilter{Sent: &f, Failed: &f}
}

// Exhausted matches records that ran out of retries.
func Exhausted() NotificationFilter {
	t, f := true, false
	return NotificationFilter{Sent: &f, Failed: &t}
}

// Match reports whether n is selected by f.
func (f NotificationFilter) Match(n *Notification) bool {
	if f.Sent != nil && n.Sent != *f.Sent {
		return false
	}
	if f.Failed != nil && n.Failed != *f.Failed {
		return false
	}
	if f.Condition != "" && n.Condition != f.Condition {
		return false
	}
	return true
}

// NotificationPatch is the set of changes a caller may make to a record.
// There is no way to reset Sent or to lower RetryCount.
type NotificationPatch struct {
	MarkSent bool
	// IncRetry adds one to RetryCount unless it already reached RetryLimit,
	// in which case UpdateOne fails with ErrRetryLimit and changes nothing.
	IncRetry   bool
	RetryLimit int
	MarkFailed bool
	LastError  string
}

// Apply mutates n. Backends without native atomic updates call it inside
// their own transaction.
func (p NotificationPatch) Apply(n *Notification, now time.Time) error {
	if p.IncRetry {
		if p.RetryLimit > 0 && n.RetryCount >= p.RetryLimit {
			return ErrRetryLimit
		}
		n.RetryCount++
	}
	if p.MarkSent {
		n.Sent = true
	}
	if p.MarkFailed {
		n.Failed = true
	}
	if p.LastError != "" {
		n.LastError = p.LastError
	}
	n.UpdatedAt = now
	return nil
}

// SortByCreated orders records oldest first, breaking ties by id.
func SortByCreated(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].ID < ns[j].ID
		}
		return ns[i].CreatedAt.Before(ns[j].CreatedAt)
	})
}

// Truncate applies the filter limit.
func (f NotificationFilter) Truncate(ns []Notification) []Notification {
	if f.Limit > 0 && len(ns) > f.Limit {
		return ns[:f.Limit]
	}
	return ns
}
