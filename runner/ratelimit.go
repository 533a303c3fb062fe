/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package runner

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter: at most maxRequests calls in any period
type RateLimiter struct {
	maxRequests int
	period      time.Duration
	requests    []time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxRequests, periodSeconds int) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		period:      time.Duration(periodSeconds) * time.Second,
		requests:    make([]time.Time, 0, maxRequests),
	}
}

// prune drops requests older than the window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.period)
	valid := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.requests = valid
}

// Wait blocks until the limiter admits a request or ctx ends.
// Returns the time spent waiting.
func (r *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	for {
		r.mu.Lock()
		now := time.Now()
		r.prune(now)
		if len(r.requests) < r.maxRequests {
			r.requests = append(r.requests, now)
			r.mu.Unlock()
			return time.Since(start), nil
		}
		wait := r.requests[0].Add(r.period).Sub(now)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the number of requests available before hitting the limit
func (r *RateLimiter) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return r.maxRequests - len(r.requests)
}
