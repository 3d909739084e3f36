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
	"testing"
	"time"
)

func TestLocalRateLimiter_SameBucketSerializes(t *testing.T) {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	rl := NewLocalRateLimiter(nil, logger)
	ctx := context.Background()

	var active int32
	var maxActive int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := rl.Acquire(ctx, "bucket-a")
			if err != nil {
				t.Error(err)
				return
			}
			if err := lock.Lock(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			lock.Release(0)
		}()
	}
	wg.Wait()

	if maxActive > 1 {
		t.Fatalf("expected at most 1 concurrent holder of the same bucket, saw %d", maxActive)
	}
}

func TestLocalRateLimiter_DistinctBucketsDoNotSerialize(t *testing.T) {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	rl := NewLocalRateLimiter(nil, logger)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := rl.Acquire(ctx, string(rune('a'+i)))
			if err != nil {
				t.Error(err)
				return
			}
			if err := lock.Lock(ctx); err != nil {
				t.Error(err)
				return
			}
			time.Sleep(50 * time.Millisecond)
			lock.Release(0)
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("distinct buckets serialized unexpectedly, took %v", elapsed)
	}
}

func TestLocalRateLimiter_ReleaseDelay(t *testing.T) {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	rl := NewLocalRateLimiter(nil, logger)
	ctx := context.Background()

	lock, err := rl.Acquire(ctx, "bucket-b")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	lock.Release(100 * time.Millisecond)

	lock2, err := rl.Acquire(ctx, "bucket-b")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock2.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	lock2.Release(0)

	if elapsed < 100*time.Millisecond {
		t.Fatalf("expected second acquire to wait at least 100ms, waited %v", elapsed)
	}
}

func TestLocalRateLimiter_GlobalGateBlocksAllBuckets(t *testing.T) {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	rl := NewLocalRateLimiter(nil, logger)
	ctx := context.Background()

	rl.LockGlobally(100 * time.Millisecond)

	start := time.Now()
	lock, err := rl.Acquire(ctx, "any-bucket")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	lock.Release(0)

	if elapsed < 100*time.Millisecond {
		t.Fatalf("expected global gate to block for at least 100ms, blocked %v", elapsed)
	}
}

func TestLocalRateLimiter_GlobalGateKeepsLongestPending(t *testing.T) {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	rl := NewLocalRateLimiter(nil, logger)
	ctx := context.Background()

	start := time.Now()
	rl.LockGlobally(200 * time.Millisecond)
	rl.LockGlobally(50 * time.Millisecond)

	lock, err := rl.Acquire(ctx, "any-bucket")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	lock.Release(0)

	if elapsed < 180*time.Millisecond {
		t.Fatalf("expected the longer global lock to win, blocked only %v", elapsed)
	}
}

func TestLocalRateLimiter_AcquireObservesCancellation(t *testing.T) {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	rl := NewLocalRateLimiter(nil, logger)

	rl.LockGlobally(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rl.Acquire(ctx, "any-bucket")
	if err == nil {
		t.Fatal("expected Acquire to return an error once ctx is cancelled")
	}
}

func TestLocalGatewayRateLimiter_LimitsConcurrency(t *testing.T) {
	l := NewLocalGatewayRateLimiter(2, 100*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire(ctx)
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected 4 acquires with rate 2/100ms to take at least 100ms, took %v", elapsed)
	}
}
