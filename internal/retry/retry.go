// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry centralizes the retry policy shared by the queue
// processor and the analysis executor. A Policy decides whether an
// error earns another attempt and paces in-place retries with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how failures are retried. MaxAttempts counts the
// first try; a Policy with MaxAttempts 2 allows one retry.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Retryable classifies errors. Nil means every error except a
	// cancelled context is retryable.
	Retryable func(error) bool
}

// Default returns the house policy: two total attempts, exponential
// schedule starting at one second. Jitter is off so tests see a
// deterministic schedule.
func Default() Policy {
	return Policy{
		MaxAttempts:     2,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// nonRetryableError marks an error that must never be retried
// regardless of the policy's predicate.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps an error so ShouldRetry and Do refuse to retry it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// ShouldRetry reports whether an operation that has already been
// attempted `attempts` times and failed with err deserves another try.
func (p Policy) ShouldRetry(err error, attempts int) bool {
	if err == nil {
		return false
	}
	if attempts >= p.MaxAttempts {
		return false
	}
	return p.retryable(err)
}

func (p Policy) retryable(err error) bool {
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do runs op, retrying in place with the policy's backoff schedule
// until it succeeds, the attempts are exhausted, the error is
// classified non-retryable, or ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func() error) error {
	maxTries := p.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if !p.retryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxTries)))

	return err
}
