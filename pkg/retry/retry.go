// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry runs an operation until it succeeds, the attempt budget is
// spent or the context is cancelled. Every retry site in valwatch goes
// through Do so delays and limits are configured in one place.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Kind selects how the delay grows between attempts.
type Kind int

const (
	// Constant waits Delay between every attempt.
	Constant Kind = iota
	// Exponential waits Delay * 2^n after the n-th failed attempt.
	Exponential
)

// Policy describes a retry schedule.
type Policy struct {
	Kind  Kind
	Delay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// MaxAttempts is the total number of calls, including the first.
	// Zero retries until the context is done.
	MaxAttempts uint
	// Notify is called after each failed attempt that will be retried.
	Notify func(err error, attempt int, next time.Duration)
}

// ErrExhausted wraps the last error once MaxAttempts calls have failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExponentialPolicy returns a capped exponential policy.
func ExponentialPolicy(base time.Duration, maxAttempts uint) Policy {
	return Policy{Kind: Exponential, Delay: base, MaxAttempts: maxAttempts}
}

// ConstantPolicy returns a policy retrying every interval until ctx is done.
func ConstantPolicy(interval time.Duration) Policy {
	return Policy{Kind: Constant, Delay: interval}
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op according to p. It returns nil on the first success, the
// context error if ctx ends first, or the last error wrapped in ErrExhausted.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	attempt := 0
	var last error
	operation := func() (struct{}, error) {
		attempt++
		last = op(ctx)
		return struct{}{}, last
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			p.Notify(err, attempt, next)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return perm.Err
	}
	if p.MaxAttempts > 0 && uint(attempt) >= p.MaxAttempts {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
	return err
}

func (p Policy) backOff() backoff.BackOff {
	if p.Kind == Constant {
		return backoff.NewConstantBackOff(p.Delay)
	}
	return &doubling{base: p.Delay, max: p.MaxDelay}
}

// doubling is a deterministic exponential schedule: base*2, base*4, ...
type doubling struct {
	base time.Duration
	max  time.Duration
	n    int
}

func (d *doubling) NextBackOff() time.Duration {
	d.n++
	next := d.base << d.n
	if next <= 0 || (d.max > 0 && next > d.max) {
		if d.max > 0 {
			return d.max
		}
		return backoff.Stop
	}
	return next
}

func (d *doubling) Reset() {
	d.n = 0
}
