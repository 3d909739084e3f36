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
	"sync"
	"time"
)

// BucketLock is a scoped mutex guarding one rate-limit bucket. Callers
// acquire it by calling Lock, do their work, and call Release with the
// server-indicated reset delay (zero if the bucket isn't exhausted).
// Release schedules the actual unlock in the background rather than
// unlocking immediately, so that a drained bucket stays closed for the
// server's reset window even after the caller has moved on.
type BucketLock interface {
	// Lock blocks until this bucket is owned by the caller, or ctx is
	// cancelled, in which case it returns ctx.Err() without taking the lock.
	Lock(ctx context.Context) error
	// Release schedules the bucket to become acquirable again after delay.
	// Release must always eventually unlock, even if delay is zero.
	Release(delay time.Duration)
}

// RateLimiter holds a bucket-key → BucketLock mapping, created lazily, plus
// one process-wide global gate. The global gate is level-triggered: while
// closed, every bucket acquisition blocks, regardless of per-bucket state.
// A global lock always supersedes a per-bucket one.
type RateLimiter interface {
	// Acquire waits for the global gate to be open, then returns the
	// (not-yet-locked) BucketLock for bucket, creating it if necessary.
	// It returns ctx.Err() if ctx is cancelled while waiting on the gate.
	Acquire(ctx context.Context, bucket string) (BucketLock, error)
	// LockGlobally closes the global gate, waits for, then reopens it after
	// delay. Fire-and-forget: it does not block the caller. Concurrent
	// calls must not shorten an already-pending, longer release.
	LockGlobally(delay time.Duration)
}

// localBucketLock is the LocalRateLimiter's BucketLock implementation: a
// single-slot channel acting as a cancellable mutex, plus a release worker
// that returns the slot after a delay.
type localBucketLock struct {
	slot    chan struct{}
	workers WorkerPool
}

func newLocalBucketLock(workers WorkerPool) *localBucketLock {
	slot := make(chan struct{}, 1)
	slot <- struct{}{}
	return &localBucketLock{slot: slot, workers: workers}
}

func (b *localBucketLock) Lock(ctx context.Context) error {
	select {
	case <-b.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *localBucketLock) Release(delay time.Duration) {
	if delay <= 0 {
		b.slot <- struct{}{}
		return
	}
	if !b.workers.Submit(func() {
		time.Sleep(delay)
		b.slot <- struct{}{}
	}) {
		// Worker pool saturated: release on a dedicated goroutine rather
		// than dropping the unlock, which would leak the bucket forever.
		go func() {
			time.Sleep(delay)
			b.slot <- struct{}{}
		}()
	}
}

// LocalRateLimiter is the in-process RateLimiter implementation: buckets are
// stored in a sync.Map (insert-if-absent via LoadOrStore so concurrent first
// callers converge on the same lock), and the global gate is a channel that
// is closed (open) or replaced with a fresh blocking channel (closed/gate
// down).
type LocalRateLimiter struct {
	buckets sync.Map // bucket key -> *localBucketLock
	workers WorkerPool

	mu          sync.Mutex
	gateClosed  bool
	gateOpen    chan struct{}
	reopenAfter time.Time
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

// NewLocalRateLimiter creates a ready-to-use in-process RateLimiter.
// workers dispatches bucket release timers fire-and-forget; if nil, a
// default worker pool is created.
func NewLocalRateLimiter(workers WorkerPool, logger Logger) *LocalRateLimiter {
	if workers == nil {
		workers = NewDefaultWorkerPool(logger)
	}
	gate := make(chan struct{})
	close(gate) // initially open
	return &LocalRateLimiter{workers: workers, gateOpen: gate}
}

func (rl *LocalRateLimiter) Acquire(ctx context.Context, bucket string) (BucketLock, error) {
	if err := rl.waitGate(ctx); err != nil {
		return nil, err
	}

	actual, _ := rl.buckets.LoadOrStore(bucket, newLocalBucketLock(rl.workers))
	return actual.(*localBucketLock), nil
}

func (rl *LocalRateLimiter) waitGate(ctx context.Context) error {
	for {
		rl.mu.Lock()
		gate := rl.gateOpen
		rl.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}

		rl.mu.Lock()
		stillOpen := !rl.gateClosed
		rl.mu.Unlock()
		if stillOpen {
			return nil
		}
		// Gate flipped closed again between our read and our wait; loop.
	}
}

func (rl *LocalRateLimiter) LockGlobally(delay time.Duration) {
	rl.mu.Lock()
	target := time.Now().Add(delay)
	if !rl.gateClosed {
		rl.gateClosed = true
		rl.gateOpen = make(chan struct{})
	}
	// Only ever extend the reopen deadline, never shorten it: a later,
	// shorter LockGlobally call must not cut off an earlier, longer one.
	if target.After(rl.reopenAfter) {
		rl.reopenAfter = target
	}
	rl.mu.Unlock()

	if !rl.workers.Submit(func() { rl.waitAndReopen(delay) }) {
		go rl.waitAndReopen(delay)
	}
}

// waitAndReopen sleeps delay, then reopens the gate only if the current
// time has reached the longest-pending deadline recorded by LockGlobally.
// Earlier, shorter-delay callers that wake up first simply no-op; the
// caller with the longest delay is the one that actually reopens the gate.
func (rl *LocalRateLimiter) waitAndReopen(delay time.Duration) {
	time.Sleep(delay)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.gateClosed || time.Now().Before(rl.reopenAfter) {
		return
	}
	rl.gateClosed = false
	close(rl.gateOpen)
}
