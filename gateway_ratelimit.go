/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package bauxite

import (
	"context"
	"time"
)

// GatewayRateLimiter is a start-concurrency gate: it admits up to rate
// acquisitions, each of which occupies a slot for a fixed period before
// releasing automatically (no explicit release call). It is used both for
// gating shard startup against Discord's session-start concurrency limit
// and, per-shard, for pacing outbound gateway sends.
//
// Expressed as an interface (not a concrete struct) so a distributed
// coordinator can replace the local token-bucket implementation without
// touching shard or client logic.
type GatewayRateLimiter interface {
	// Acquire blocks until a slot is available, then occupies it for this
	// limiter's configured period before it is returned to the pool. It
	// returns ctx.Err() if ctx is cancelled while waiting for a slot.
	Acquire(ctx context.Context) error
}

// LocalGatewayRateLimiter is a simple in-process counting semaphore: rate
// tokens are available at any time, and each acquired token is returned
// automatically after period elapses.
type LocalGatewayRateLimiter struct {
	tokens chan struct{}
	period time.Duration
}

var _ GatewayRateLimiter = (*LocalGatewayRateLimiter)(nil)

// NewLocalGatewayRateLimiter creates a limiter admitting up to rate
// concurrent holders, each occupying its slot for period before it is
// returned to the pool.
func NewLocalGatewayRateLimiter(rate int, period time.Duration) *LocalGatewayRateLimiter {
	if rate < 1 {
		rate = 1
	}
	l := &LocalGatewayRateLimiter{
		tokens: make(chan struct{}, rate),
		period: period,
	}
	for i := 0; i < rate; i++ {
		l.tokens <- struct{}{}
	}
	return l
}

func (l *LocalGatewayRateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-l.tokens:
	case <-ctx.Done():
		return ctx.Err()
	}
	go func() {
		time.Sleep(l.period)
		l.tokens <- struct{}{}
	}()
	return nil
}
