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
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const startLimiterPeriod = 5 * time.Second

// GatewayClient bootstraps and supervises the set of Shards that make up a
// bot's Gateway connection. It learns the recommended shard count and
// session-start concurrency from HTTPClient, gates shard startup
// accordingly, and fans dispatch/status events out to registered callbacks.
type GatewayClient struct {
	http    *HTTPClient
	intents GatewayIntent

	shardCount *int
	shardIDs   []int

	startLimiter GatewayRateLimiter
	sendLimiter  GatewayRateLimiter
	compressed   bool

	dispatchCallbacks []DispatchCallback
	statusHooks       []StatusHook

	logger  Logger
	workers WorkerPool

	mu     sync.RWMutex
	shards map[int]*Shard

	panicked  atomic.Bool
	panicCode atomic.Int32

	gatewayBot *GatewayBot
}

type gatewayClientOption func(*GatewayClient)

// WithShardCount fixes the number of shards to run, overriding Discord's
// recommendation. Combine with WithShardIDs to run a subset on this process.
func WithShardCount(n int) gatewayClientOption {
	return func(c *GatewayClient) { c.shardCount = &n }
}

// WithShardIDs restricts this client to the given shard ids. Requires
// WithShardCount to also be set (the total shard count a given id is
// computed against).
func WithShardIDs(ids ...int) gatewayClientOption {
	return func(c *GatewayClient) { c.shardIDs = ids }
}

// WithStartLimiter overrides the shard-startup concurrency gate. If unset,
// one is built from the Gateway's own max_concurrency/5s.
func WithStartLimiter(limiter GatewayRateLimiter) gatewayClientOption {
	if limiter == nil {
		log.Fatal("WithStartLimiter: limiter must not be nil")
	}
	return func(c *GatewayClient) { c.startLimiter = limiter }
}

// WithSendLimiter overrides the per-shard outbound send pacing limiter. By
// default each shard gets its own independent 120-per-60s limiter, per
// §5's "not shared across shards" invariant; passing one here shares a
// single limiter instance across every shard instead, which only makes
// sense for a distributed/coordinated GatewayRateLimiter implementation.
func WithSendLimiter(limiter GatewayRateLimiter) gatewayClientOption {
	if limiter == nil {
		log.Fatal("WithSendLimiter: limiter must not be nil")
	}
	return func(c *GatewayClient) { c.sendLimiter = limiter }
}

// WithDispatchCallback registers a callback invoked, in registration order,
// for every inbound and outbound frame on every shard.
func WithDispatchCallback(cb DispatchCallback) gatewayClientOption {
	return func(c *GatewayClient) { c.dispatchCallbacks = append(c.dispatchCallbacks, cb) }
}

// WithStatusHook registers a callback invoked fire-and-forget whenever any
// shard's status changes.
func WithStatusHook(hook StatusHook) gatewayClientOption {
	return func(c *GatewayClient) { c.statusHooks = append(c.statusHooks, hook) }
}

// WithGatewayLogger installs a custom Logger.
func WithGatewayLogger(logger Logger) gatewayClientOption {
	if logger == nil {
		log.Fatal("WithGatewayLogger: logger must not be nil")
	}
	return func(c *GatewayClient) { c.logger = logger }
}

// WithGatewayWorkerPool installs a custom WorkerPool for status-hook fan-out.
func WithGatewayWorkerPool(pool WorkerPool) gatewayClientOption {
	if pool == nil {
		log.Fatal("WithGatewayWorkerPool: pool must not be nil")
	}
	return func(c *GatewayClient) { c.workers = pool }
}

// WithCompression makes every shard pass binary frames through a pooled
// zlib-stream decompressor in its read loop. It does not change the Gateway
// URL a shard dials, so the connection does not request compression from
// Discord.
func WithCompression() gatewayClientOption {
	return func(c *GatewayClient) { c.compressed = true }
}

// NewGatewayClient constructs a GatewayClient. http is the shared REST
// client used to fetch GET /gateway/bot; intents is the Gateway intents
// bitmask sent with every IDENTIFY.
func NewGatewayClient(http *HTTPClient, intents GatewayIntent, opts ...gatewayClientOption) *GatewayClient {
	c := &GatewayClient{
		http:    http,
		intents: intents,
		logger:  NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		shards:  make(map[int]*Shard),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.workers == nil {
		c.workers = NewDefaultWorkerPool(c.logger)
	}

	return c
}

// GetShard returns the shard with the given id, if this client manages it.
func (c *GatewayClient) GetShard(id int) (*Shard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shards[id]
	return s, ok
}

// SpawnShards fetches Gateway bootstrap info, constructs every assigned
// shard, and starts them concurrency-gated per the session-start limit.
// It blocks, running a 1-second supervisor tick, until ctx is cancelled or
// a critical Gateway close halts startup.
func (c *GatewayClient) SpawnShards(ctx context.Context) error {
	gatewayBot, err := c.http.fetchGatewayBot(ctx)
	if err != nil {
		return err
	}
	c.gatewayBot = gatewayBot

	var ids []int
	shardCount := gatewayBot.Shards
	if c.shardCount != nil {
		shardCount = *c.shardCount
	}
	if len(c.shardIDs) > 0 {
		ids = c.shardIDs
	} else {
		ids = make([]int, shardCount)
		for i := range ids {
			ids[i] = i
		}
	}

	if c.startLimiter == nil {
		c.startLimiter = NewLocalGatewayRateLimiter(gatewayBot.SessionStartLimit.MaxConcurrency, startLimiterPeriod)
	}

	for _, id := range ids {
		if c.panicked.Load() {
			return &GatewayCriticalError{Code: GatewayCloseEventCode(c.panicCode.Load())}
		}

		if err := c.startLimiter.Acquire(ctx); err != nil {
			return err
		}

		shard := newShard(
			id, shardCount, c.http.token, c.intents,
			c.dispatchCallbacks, c.statusHooks, c.sendLimiter,
			c.logger, c.workers, c.compressed,
		)

		c.mu.Lock()
		c.shards[id] = shard
		c.mu.Unlock()

		go c.runShard(ctx, shard)
	}

	return c.supervise(ctx)
}

// runShard runs one shard's connect loop; on a critical error it sets the
// client's panic flag so that any shard still pending startup halts instead
// of connecting.
func (c *GatewayClient) runShard(ctx context.Context, shard *Shard) {
	err := shard.connect(ctx)
	if err == nil {
		return
	}

	var critical *GatewayCriticalError
	if errors.As(err, &critical) {
		c.logger.WithField("shard_id", shard.ID()).WithField("code", critical.Code).
			Error("shard received critical close code, halting further shard startup")
		c.panicCode.Store(int32(critical.Code))
		c.panicked.Store(true)
		return
	}

	if ctx.Err() != nil {
		return
	}
	c.logger.WithField("shard_id", shard.ID()).WithField("err", err).Error("shard connect loop exited unexpectedly")
}

// supervise keeps the client alive on a 1-second tick, returning promptly
// when ctx is cancelled. There is no separate Stop method: lifetime is tied
// to ctx, consistent with the rest of the library's cancellation model.
func (c *GatewayClient) supervise(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			if c.panicked.Load() {
				return &GatewayCriticalError{Code: GatewayCloseEventCode(c.panicCode.Load())}
			}
		}
	}
}

// Shutdown closes every managed shard's connection.
func (c *GatewayClient) Shutdown() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, shard := range c.shards {
		shard.Shutdown()
	}
}
