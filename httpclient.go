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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	defaultAPIBase    = "https://discord.com/api/v10"
	defaultUserAgent  = "DiscordBot (" + "https://github.com/vcokltfre/bauxite" + ", " + LIB_VERSION + ")"
	defaultMaxAttempt = 3
)

// ResponseCallback is invoked fire-and-forget after a request completes,
// receiving the raw response and the route it was issued against.
type ResponseCallback func(resp *http.Response, route *Route)

// HTTPClient is a rate-limited REST client for the Discord API. A single
// instance owns one shared HTTP connection pool and one RateLimiter;
// construct it once per bot process and reuse it across all shards and
// REST calls.
type HTTPClient struct {
	token     string
	apiBase   string
	userAgent string

	httpClient *http.Client
	limiter    RateLimiter
	logger     Logger
	workers    WorkerPool

	onSuccess   []ResponseCallback
	onError     []ResponseCallback
	onRatelimit []ResponseCallback
}

type httpClientOption func(*HTTPClient)

// WithAPIBase overrides the Discord API base URL (e.g. for a proxy).
func WithAPIBase(base string) httpClientOption {
	return func(c *HTTPClient) { c.apiBase = base }
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(ua string) httpClientOption {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// WithHTTPRateLimiter installs a custom RateLimiter, e.g. a distributed
// implementation shared across a process cluster.
func WithHTTPRateLimiter(limiter RateLimiter) httpClientOption {
	if limiter == nil {
		log.Fatal("WithHTTPRateLimiter: limiter must not be nil")
	}
	return func(c *HTTPClient) { c.limiter = limiter }
}

// WithHTTPLogger installs a custom Logger.
func WithHTTPLogger(logger Logger) httpClientOption {
	if logger == nil {
		log.Fatal("WithHTTPLogger: logger must not be nil")
	}
	return func(c *HTTPClient) { c.logger = logger }
}

// WithHTTPWorkerPool installs a custom WorkerPool used to dispatch
// on_success/on_error/on_ratelimit callbacks fire-and-forget.
func WithHTTPWorkerPool(pool WorkerPool) httpClientOption {
	if pool == nil {
		log.Fatal("WithHTTPWorkerPool: pool must not be nil")
	}
	return func(c *HTTPClient) { c.workers = pool }
}

// WithProxy routes all requests through the given proxy URL.
func WithProxy(proxyURL string) httpClientOption {
	return func(c *HTTPClient) {
		u, err := url.Parse(proxyURL)
		if err != nil {
			log.Fatal("WithProxy: invalid proxy url: " + err.Error())
		}
		transport := &http.Transport{Proxy: http.ProxyURL(u)}
		c.httpClient.Transport = transport
	}
}

// WithHTTPTransport overrides the underlying http.RoundTripper, mainly for
// tests that need to stub out the network.
func WithHTTPTransport(rt http.RoundTripper) httpClientOption {
	return func(c *HTTPClient) { c.httpClient.Transport = rt }
}

// OnSuccess registers a callback invoked fire-and-forget after any 2xx
// response. Order of invocation relative to other on_success callbacks is
// unspecified.
func (c *HTTPClient) OnSuccess(cb ResponseCallback) { c.onSuccess = append(c.onSuccess, cb) }

// OnError registers a callback invoked fire-and-forget after any non-2xx
// response, including 429 and 5xx responses that are then retried.
func (c *HTTPClient) OnError(cb ResponseCallback) { c.onError = append(c.onError, cb) }

// OnRatelimit registers a callback invoked fire-and-forget whenever a
// response indicates the bucket (or the global gate) was exhausted.
func (c *HTTPClient) OnRatelimit(cb ResponseCallback) { c.onRatelimit = append(c.onRatelimit, cb) }

// NewHTTPClient constructs an HTTPClient authenticated with token (the raw
// bot token, without the "Bot " prefix -- it is added automatically).
func NewHTTPClient(token string, opts ...httpClientOption) *HTTPClient {
	if token == "" {
		log.Fatal("NewHTTPClient: token must not be empty")
	}
	token = strings.TrimPrefix(token, "Bot ")

	c := &HTTPClient{
		token:      token,
		apiBase:    defaultAPIBase,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{},
		logger:     NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.workers == nil {
		c.workers = NewDefaultWorkerPool(c.logger)
	}
	if c.limiter == nil {
		c.limiter = NewLocalRateLimiter(c.workers, c.logger)
	}

	return c
}

// Close releases the HTTPClient's idle connections.
func (c *HTTPClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// jsonBody carries an explicitly-provided JSON payload, distinguishing "not
// provided" (nil *jsonBody) from "explicitly null" (non-nil *jsonBody whose
// Value is nil).
type jsonBody struct {
	Value any
}

// JSON wraps a request body value for Request's json parameter.
func JSON(v any) *jsonBody { return &jsonBody{Value: v} }

type rateLimitBody struct {
	Global     bool    `json:"global"`
	RetryAfter float64 `json:"retry_after"`
}

// Request issues an authenticated REST request described by route, retrying
// per the bucket/global rate-limit protocol and Discord's own 429 guidance.
//
// qparams is an optional query string (nil for none). reason, if non-empty,
// is sent as X-Audit-Log-Reason. files, if non-empty, are sent as a
// multipart form; body carries an optional JSON payload (nil for none).
// maxAttempts bounds the retry budget; pass 0 to use the default of 3.
//
// The caller owns the returned *http.Response and must close its Body.
func (c *HTTPClient) Request(ctx context.Context, route *Route, qparams url.Values, reason string, files []*File, body *jsonBody, maxAttempts int) (*http.Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempt
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		for _, f := range files {
			if err := f.Reset(); err != nil {
				return nil, fmt.Errorf("bauxite: rewinding file %q: %w", f.Name, err)
			}
		}

		lock, err := c.limiter.Acquire(ctx, route.Bucket())
		if err != nil {
			return nil, err
		}
		if err := lock.Lock(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, route, qparams, reason, files, body)
		if err != nil {
			// The bucket lock was never released by doOnce on a transport
			// error; release it immediately so the bucket isn't leaked.
			lock.Release(0)
			lastErr = err
			if attempt < maxAttempts-1 {
				time.Sleep(time.Duration(1+2*attempt) * time.Second)
				continue
			}
			return nil, lastErr
		}

		remaining := resp.Header.Get("X-RateLimit-Remaining")
		resetAfter := parseRetryAfter(resp.Header.Get("X-RateLimit-Reset-After"))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if remaining == "0" {
				lock.Release(resetAfter)
				c.fire(c.onRatelimit, resp, route)
			} else {
				lock.Release(0)
			}
			c.fire(c.onSuccess, resp, route)
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			c.fire(c.onError, resp, route)
			c.fire(c.onRatelimit, resp, route)

			if resp.Header.Get("Via") == "" {
				lock.Release(0)
				rawBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				return nil, newStatusError(http.StatusTooManyRequests, 0, "cloudflare rate limit ban", rawBody)
			}

			var rl rateLimitBody
			rawBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			sonic.Unmarshal(rawBody, &rl)

			retryAfter := time.Duration(rl.RetryAfter * float64(time.Second))
			if rl.Global {
				lock.Release(0)
				c.limiter.LockGlobally(retryAfter)
			} else {
				lock.Release(retryAfter)
			}

			lastErr = newStatusError(resp.StatusCode, 0, "rate limited", rawBody)
			if attempt < maxAttempts-1 {
				time.Sleep(time.Duration(1+2*attempt) * time.Second)
				continue
			}
			return nil, lastErr

		default:
			lock.Release(0)
			c.fire(c.onError, resp, route)
			rawBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			var decoded HTTPError
			sonic.Unmarshal(rawBody, &decoded)
			lastErr = newStatusError(resp.StatusCode, decoded.Code, decoded.Message, rawBody)

			if resp.StatusCode >= 500 && attempt < maxAttempts-1 {
				time.Sleep(time.Duration(1+2*attempt) * time.Second)
				continue
			}
			return nil, lastErr
		}
	}

	// Every branch above returns explicitly on its last attempt; this is
	// only reached if maxAttempts <= 0, which the guard at the top prevents.
	return nil, ErrMaxAttemptsExceeded
}

// doOnce performs a single HTTP round trip. The caller holds the bucket
// lock for the duration of this call (per §4.3 step 2's "enter its scope
// for the duration of the HTTP call").
func (c *HTTPClient) doOnce(ctx context.Context, route *Route, qparams url.Values, reason string, files []*File, body *jsonBody) (*http.Response, error) {
	targetURL := c.apiBase + route.Path
	if len(qparams) > 0 {
		targetURL += "?" + qparams.Encode()
	}

	var bodyReader io.Reader
	var contentType string

	switch {
	case len(files) > 0:
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)

		for i, f := range files {
			fileContentType := f.ContentType
			if fileContentType == "" {
				fileContentType = "application/octet-stream"
			}
			header := textproto.MIMEHeader{}
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file_%d"; filename=%q`, i, f.Name))
			header.Set("Content-Type", fileContentType)

			part, err := writer.CreatePart(header)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(part, f.Payload); err != nil {
				return nil, err
			}
		}

		if body != nil {
			payload, err := json.Marshal(body.Value)
			if err != nil {
				return nil, err
			}
			part, err := writer.CreateFormField("payload_json")
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(payload); err != nil {
				return nil, err
			}
		}

		if err := writer.Close(); err != nil {
			return nil, err
		}
		bodyReader = buf
		contentType = writer.FormDataContentType()

	case body != nil:
		payload, err := json.Marshal(body.Value)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, targetURL, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", reason)
	}

	return c.httpClient.Do(req)
}

func (c *HTTPClient) fire(callbacks []ResponseCallback, resp *http.Response, route *Route) {
	for _, cb := range callbacks {
		cb := cb
		if !c.workers.Submit(func() { cb(resp, route) }) {
			c.logger.Warn("HTTPClient: dropped callback due to full worker queue")
		}
	}
}

// fetchGatewayBot calls GET /gateway/bot, the bootstrap call GatewayClient
// uses to learn the Gateway URL, recommended shard count, and session-start
// concurrency.
func (c *HTTPClient) fetchGatewayBot(ctx context.Context) (*GatewayBot, error) {
	route := NewRoute("GET", "/gateway/bot", nil)
	resp, err := c.Request(ctx, route, nil, "", nil, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var bot GatewayBot
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func parseRetryAfter(s string) time.Duration {
	if s == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
