// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package notifier defines how outbox records reach subscribers.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/valwatch/storage"
)

// Result reports whether the transport accepted a notification.
type Result struct {
	SentSuccess bool
}

// Notifier delivers one notification. Transport failures are returned as
// errors; a notification the transport declined yields SentSuccess=false.
// Callers treat both as a failed delivery.
type Notifier interface {
	SendNotification(ctx context.Context, n storage.Notification) (Result, error)
}

// Service is a Notifier with a lifecycle.
type Service interface {
	Notifier
	Start(ctx context.Context) error
	Stop() error
}

// SpecificError is an expected failure tied to one notification, such as a
// malformed payload or an unknown recipient. It fails that delivery only.
type SpecificError struct {
	Reason string
	Err    error
}

// NewSpecificError returns a SpecificError with the formatted reason.
func NewSpecificError(format string, args ...any) *SpecificError {
	return &SpecificError{Reason: fmt.Sprintf(format, args...)}
}

func (e *SpecificError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *SpecificError) Unwrap() error {
	return e.Err
}

// IsSpecific reports whether err is or wraps a SpecificError.
func IsSpecific(err error) bool {
	var se *SpecificError
	return errors.As(err, &se)
}
