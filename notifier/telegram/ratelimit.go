// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// chatLimiter paces messages per chat on top of a global bot limit.
type chatLimiter struct {
	global *rate.Limiter

	mu       sync.Mutex
	chats    map[int64]*chatEntry
	perChat  rate.Limit
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type chatEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newChatLimiter allows r messages per second overall with the given burst,
// and at most one message per perChat interval to a single chat.
func newChatLimiter(r float64, burst int, perChat, cleanupInterval time.Duration) *chatLimiter {
	l := &chatLimiter{
		global:  rate.NewLimiter(rate.Limit(r), burst),
		chats:   make(map[int64]*chatEntry),
		perChat: rate.Every(perChat),
		cleanup: cleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Wait blocks until a message to chatID may be sent or ctx is done.
func (l *chatLimiter) Wait(ctx context.Context, chatID int64) error {
	l.mu.Lock()
	entry, ok := l.chats[chatID]
	if !ok {
		entry = &chatEntry{limiter: rate.NewLimiter(l.perChat, 1)}
		l.chats[chatID] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	return l.global.Wait(ctx)
}

func (l *chatLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *chatLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup)
	for id, entry := range l.chats {
		if entry.lastSeen.Before(threshold) {
			delete(l.chats, id)
		}
	}
}

func (l *chatLimiter) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
