// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
)

// Producer enqueues jobs into registry queues.
//
// A recurring job must be added once per logical schedule. The registry does
// not deduplicate schedules: adding the same period again while its next
// occurrence is pending is a no-op, but a different period for the same
// queue creates a second schedule.
type Producer struct {
	registry *Registry
}

// NewProducer returns a producer bound to registry.
func NewProducer(registry *Registry) *Producer {
	return &Producer{registry: registry}
}

// AddJob enqueues payload on the named queue. Failures, after the broker
// client's own retries, are reported as ErrQueueUnavailable.
func (p *Producer) AddJob(ctx context.Context, queueName string, payload []byte, opts Options) error {
	q, err := p.registry.GetOrCreate(ctx, queueName)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrQueueUnavailable, queueName, err)
	}
	if _, err := q.Add(ctx, payload, opts); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrQueueUnavailable, queueName, err)
	}
	return nil
}
