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
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockRoundTripper struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     h,
	}
}

func newTestClient(mockFn func(*http.Request) (*http.Response, error)) *HTTPClient {
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	return NewHTTPClient("testtoken", WithHTTPTransport(&mockRoundTripper{fn: mockFn}), WithHTTPLogger(logger))
}

func TestHTTPClient_RequestSuccess(t *testing.T) {
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	route := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	resp, err := c.Request(context.Background(), route, nil, "", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
}

func TestHTTPClient_BucketRateLimitRetries(t *testing.T) {
	var attempts int32
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return newMockResponse(429, `{"message":"rate limited","retry_after":0.05,"global":false}`, map[string]string{
				"Via":                     "1.1 google",
				"X-RateLimit-Remaining":   "0",
				"X-RateLimit-Reset-After": "0.05",
			}), nil
		}
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "5",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	route := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	resp, err := c.Request(context.Background(), route, nil, "", nil, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestHTTPClient_GlobalRateLimitBlocksOtherBuckets(t *testing.T) {
	var globalHit int32
	hit := make(chan struct{})
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/a/") && atomic.AddInt32(&globalHit, 1) == 1 {
			close(hit)
			return newMockResponse(429, `{"message":"global","retry_after":0.15,"global":true}`, map[string]string{
				"Via": "1.1 google",
			}), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	routeA := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "a"})
	routeB := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "b"})

	errA := make(chan error, 1)
	go func() {
		resp, err := c.Request(context.Background(), routeA, nil, "", nil, nil, 3)
		if err == nil {
			resp.Body.Close()
		}
		errA <- err
	}()

	// routeA sleeps 1s after its 429 before retrying, long after the 150ms
	// global window has passed, so routeB must be issued while routeA is
	// still in flight to land inside that window.
	<-hit
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	resp, err := c.Request(context.Background(), routeB, nil, "", nil, nil, 3)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if err := <-errA; err != nil {
		t.Fatal(err)
	}

	if elapsed < 100*time.Millisecond {
		t.Fatalf("expected routeB to be blocked by the global gate, only waited %v", elapsed)
	}
}

func TestHTTPClient_CloudflareBanRaisesImmediately(t *testing.T) {
	var attempts int32
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return newMockResponse(429, "banned", nil), nil
	})

	route := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	_, err := c.Request(context.Background(), route, nil, "", nil, nil, 5)
	var tooMany *TooManyRequests
	if !errors.As(err, &tooMany) {
		t.Fatalf("expected *TooManyRequests, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt on a Cloudflare ban, got %d", attempts)
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var attempts int32
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) <= 3 {
			return newMockResponse(503, "Service Unavailable", nil), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	route := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	resp, err := c.Request(context.Background(), route, nil, "", nil, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
}

func TestHTTPClient_MaxAttemptsExceeded(t *testing.T) {
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(503, "Service Unavailable", nil), nil
	})

	route := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	_, err := c.Request(context.Background(), route, nil, "", nil, nil, 3)
	if err == nil {
		t.Fatal("expected an error")
	}
	var svcErr *ServiceUnavailable
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected *ServiceUnavailable, got %T: %v", err, err)
	}
}

func TestHTTPClient_NotFoundDoesNotRetry(t *testing.T) {
	var attempts int32
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return newMockResponse(404, `{"code":10003,"message":"Unknown Channel"}`, nil), nil
	})

	route := NewRoute("GET", "/channels/{channel_id}", map[string]string{"channel_id": "123"})
	_, err := c.Request(context.Background(), route, nil, "", nil, nil, 5)

	var notFound *NotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *NotFound, got %T: %v", err, err)
	}
	if notFound.Code != 10003 {
		t.Fatalf("expected decoded discord error code 10003, got %d", notFound.Code)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a 404, got %d", attempts)
	}
}

func TestHTTPClient_ConcurrencyStress(t *testing.T) {
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	const concurrency = 50
	const perGoroutine = 10
	var total int64
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		i := i
		go func() {
			defer wg.Done()
			route := NewRoute("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": string(rune('a' + i%26))})
			for j := 0; j < perGoroutine; j++ {
				resp, err := c.Request(context.Background(), route, nil, "", nil, nil, 0)
				if err != nil {
					t.Errorf("request error: %v", err)
					return
				}
				resp.Body.Close()
				atomic.AddInt64(&total, 1)
			}
		}()
	}
	wg.Wait()

	if total != concurrency*perGoroutine {
		t.Fatalf("expected %d successful requests, got %d", concurrency*perGoroutine, total)
	}
}

func TestHTTPClient_FileRewoundBetweenAttempts(t *testing.T) {
	var attempts int32
	c := newTestClient(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return newMockResponse(503, "Service Unavailable", nil), nil
		}
		body, _ := io.ReadAll(req.Body)
		if !strings.Contains(string(body), "hello") {
			t.Errorf("expected file payload to be rewound and resent, body = %q", body)
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	file := &File{Name: "a.txt", Payload: strings.NewReader("hello"), ContentType: "text/plain"}
	route := NewRoute("POST", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	resp, err := c.Request(context.Background(), route, nil, "", []*File{file}, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
}
