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
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	minBackoff = 10 * time.Millisecond
	maxBackoff = 5 * time.Second

	defaultShardSendRate   = 120
	defaultShardSendPeriod = 60 * time.Second
)

// Shard manages one WebSocket connection to the Discord Gateway: session
// state, heartbeating, identify/resume, sequence tracking, and reconnects.
// A Shard is driven entirely by its own goroutine inside connect (plus a
// pacemaker goroutine per live connection); it must not be touched from
// any other goroutine.
type Shard struct {
	id         int
	shardCount int
	token      string
	intents    GatewayIntent

	logger      Logger
	workers     WorkerPool
	dispatch    []DispatchCallback
	statusHooks []StatusHook
	sendLimiter GatewayRateLimiter
	compressed  bool

	connMu sync.Mutex
	conn   net.Conn

	sessionID string
	resumeURL string

	seq    atomic.Int64
	hasSeq atomic.Bool

	lastHeartbeatSentAt atomic.Int64 // unix nanos
	lastHeartbeatAckAt  atomic.Int64 // unix nanos

	status atomic.Int32
}

// newShard constructs a Shard. dispatch callbacks run in registration order
// for every inbound/outbound frame; statusHooks run fire-and-forget on
// every status transition.
func newShard(
	id, shardCount int, token string, intents GatewayIntent,
	dispatch []DispatchCallback, statusHooks []StatusHook,
	sendLimiter GatewayRateLimiter, logger Logger, workers WorkerPool,
	compressed bool,
) *Shard {
	if sendLimiter == nil {
		sendLimiter = NewLocalGatewayRateLimiter(defaultShardSendRate, defaultShardSendPeriod)
	}
	s := &Shard{
		id:          id,
		shardCount:  shardCount,
		token:       token,
		intents:     intents,
		logger:      logger,
		workers:     workers,
		dispatch:    dispatch,
		statusHooks: statusHooks,
		sendLimiter: sendLimiter,
		compressed:  compressed,
	}
	s.status.Store(int32(ShardStatusPending))
	return s
}

// ID returns the shard's zero-based index.
func (s *Shard) ID() int { return s.id }

// Status returns the shard's current lifecycle state.
func (s *Shard) Status() ShardStatus { return ShardStatus(s.status.Load()) }

// Latency returns the most recently observed heartbeat round-trip time, or
// zero if no heartbeat/ack pair has completed yet.
func (s *Shard) Latency() time.Duration {
	sent := s.lastHeartbeatSentAt.Load()
	ack := s.lastHeartbeatAckAt.Load()
	if sent == 0 || ack == 0 || ack < sent {
		return 0
	}
	return time.Duration(ack - sent)
}

func (s *Shard) setStatus(status ShardStatus) {
	s.status.Store(int32(status))
	for _, hook := range s.statusHooks {
		hook := hook
		if !s.workers.Submit(func() { hook(s, status) }) {
			go hook(s, status)
		}
	}
}

func (s *Shard) fireDispatch(direction EventDirection, frame json.RawMessage) {
	for _, cb := range s.dispatch {
		cb(s, direction, frame)
	}
}

// connect runs the shard's outer reconnect loop until ctx is cancelled or a
// critical Gateway close code is received. Backoff starts at 10ms, doubles
// on each failed connection attempt, caps at 5s, and resets to 10ms after
// any connection that completed its handshake (per §9's documented
// correction: critical errors are propagated here, not swallowed).
func (s *Shard) connect(ctx context.Context) error {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		time.Sleep(backoff)

		err := s.runOnce(ctx)
		if err == nil {
			backoff = minBackoff
			continue
		}

		var critical *GatewayCriticalError
		if errors.As(err, &critical) {
			s.setStatus(ShardStatusErrored)
			return err
		}

		s.logger.WithField("shard_id", s.id).WithField("err", err).Warn("shard disconnected, retrying")
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce dials, performs the handshake, and runs the read loop until the
// connection ends. Returns nil for any ending that should simply trigger an
// immediate reconnect attempt (including a clean session-losing close), a
// plain error for a failed dial/handshake, or *GatewayCriticalError for a
// fatal close code that must propagate to the caller.
func (s *Shard) runOnce(ctx context.Context) error {
	s.setStatus(ShardStatusConnecting)

	url := s.resumeURL
	if url == "" {
		url = gatewayURL
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(connCtx, url)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.logger.WithField("shard_id", s.id).Info("shard connected")
	s.setStatus(ShardStatusConnected)

	var zr *zlibReaderWrapper
	if s.compressed {
		zr = AcquireZlibReader()
		defer ReleaseZlibReader(zr)
	}

	closeCode, err := s.readLoop(connCtx, zr)
	cancel()
	s.closeConn()

	if err != nil && closeCode == 0 {
		// Transport-level error, not a clean close frame: treat as a
		// reconnect-with-resume opportunity like any other unrecognized code.
		return nil
	}

	return s.handleDisconnect(GatewayCloseEventCode(closeCode))
}

// handleDisconnect classifies a close code per §4.5 and returns the value
// runOnce should propagate.
func (s *Shard) handleDisconnect(code GatewayCloseEventCode) error {
	if criticalCloseCodes[code] {
		return &GatewayCriticalError{Code: code}
	}
	if sessionInvalidatingCloseCodes[code] {
		s.sessionID = ""
		s.hasSeq.Store(false)
	}
	s.setStatus(ShardStatusDisconnected)
	return nil
}

func (s *Shard) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// readLoop reads frames until the socket closes or connCtx is cancelled.
// It returns the close code observed (0 if the connection ended via a
// transport error rather than a clean close frame) and any read error.
func (s *Shard) readLoop(connCtx context.Context, zr *zlibReaderWrapper) (int, error) {
	helloReceived := false

	for {
		select {
		case <-connCtx.Done():
			return 0, connCtx.Err()
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return 0, errors.New("bauxite: connection closed")
		}

		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			var closeErr wsutil.ClosedError
			if errors.As(err, &closeErr) {
				return int(closeErr.Code), err
			}
			return 0, err
		}

		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		frame := msg
		switch {
		case s.compressed && zr != nil && op == ws.OpBinary:
			decompressed, derr := zr.Decompress(msg)
			if derr != nil {
				s.logger.WithField("shard_id", s.id).WithField("err", derr).Error("zlib decompress failed")
				continue
			}
			if decompressed == nil {
				continue // incomplete zlib message, wait for more frames
			}
			frame = decompressed

		case op == ws.OpBinary && IsZlibCompressed(msg):
			// A binary frame arrived on an uncompressed connection. Discord
			// occasionally sends a one-off zlib payload (e.g. a large READY)
			// outside the streaming mode; decompress it directly rather than
			// feeding it through the streaming reader's dictionary state.
			decompressed, derr := DecompressOneShot(msg)
			if derr != nil {
				s.logger.WithField("shard_id", s.id).WithField("err", derr).Error("one-shot zlib decompress failed")
				continue
			}
			frame = decompressed
		}

		var payload gatewayPayload
		if err := json.Unmarshal(frame, &payload); err != nil {
			s.logger.WithField("shard_id", s.id).WithField("err", err).Error("unmarshal gateway frame")
			continue
		}

		s.fireDispatch(Inbound, json.RawMessage(frame))

		if payload.Op == gatewayOpcodeDispatch {
			s.seq.Store(payload.S)
			s.hasSeq.Store(true)

			if payload.T == "READY" {
				var ready struct {
					SessionID string `json:"session_id"`
					ResumeURL string `json:"resume_gateway_url"`
				}
				json.Unmarshal(payload.D, &ready)
				s.sessionID = ready.SessionID
				s.resumeURL = ready.ResumeURL
			}
			continue
		}

		switch payload.Op {
		case gatewayOpcodeHello:
			if !helloReceived {
				helloReceived = true
				var hello struct {
					HeartbeatInterval float64 `json:"heartbeat_interval"`
				}
				json.Unmarshal(payload.D, &hello)
				interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

				go s.pacemaker(connCtx, interval)

				if s.sessionID != "" && s.hasSeq.Load() {
					s.setStatus(ShardStatusResuming)
					s.sendResume(connCtx)
				} else {
					s.sendIdentify(connCtx)
				}
			}

		case gatewayOpcodeHeartbeatACK:
			s.lastHeartbeatAckAt.Store(time.Now().UnixNano())

		case gatewayOpcodeReconnect:
			return 0, &GatewayReconnect{Reason: "server requested reconnect"}

		case gatewayOpcodeInvalidSession:
			var resumable bool
			json.Unmarshal(payload.D, &resumable)
			if !resumable {
				s.sessionID = ""
				s.hasSeq.Store(false)
			}
			return 0, &GatewayReconnect{Reason: "invalid session"}
		}
	}
}

// pacemaker sends periodic HEARTBEATs on its own goroutine, one per live
// connection. It sleeps a random jitter in [0, interval) before the first
// beat, then on each tick checks for a missed ack (zombie connection) before
// sending the next heartbeat.
func (s *Shard) pacemaker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	s.lastHeartbeatAckAt.Store(time.Now().UnixNano())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		lastAck := s.lastHeartbeatAckAt.Load()
		lastSent := s.lastHeartbeatSentAt.Load()
		if lastSent != 0 && time.Since(time.Unix(0, lastAck)) >= interval {
			s.logger.WithField("shard_id", s.id).Warn("heartbeat zombied, closing connection")
			s.closeConn()
			return
		}

		if err := s.sendHeartbeat(ctx); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// send waits on the per-shard send limiter, dispatches the outbound frame
// to callbacks, then writes it to the socket. It returns ctx.Err() without
// writing anything if ctx is cancelled while waiting on the send limiter.
func (s *Shard) send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := s.sendLimiter.Acquire(ctx); err != nil {
		return err
	}
	s.fireDispatch(Outbound, json.RawMessage(data))

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("bauxite: cannot send on closed connection")
	}

	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		s.closeConn()
		return err
	}
	return nil
}

func (s *Shard) sendIdentify(ctx context.Context) error {
	return s.send(ctx, map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      "linux",
				"browser": LIB_NAME,
				"device":  LIB_NAME,
			},
			"shard":   [2]int{s.id, s.shardCount},
			"intents": s.intents,
		},
	})
}

func (s *Shard) sendResume(ctx context.Context) error {
	return s.send(ctx, map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": s.sessionID,
			"seq":        s.seq.Load(),
		},
	})
}

func (s *Shard) sendHeartbeat(ctx context.Context) error {
	var seq any
	if s.hasSeq.Load() {
		seq = s.seq.Load()
	}
	s.lastHeartbeatSentAt.Store(time.Now().UnixNano())
	return s.send(ctx, map[string]any{
		"op": gatewayOpcodeHeartbeat,
		"d":  seq,
	})
}

// Shutdown closes the shard's active connection, if any.
func (s *Shard) Shutdown() {
	s.logger.WithField("shard_id", s.id).Info("shard shutting down")
	s.closeConn()
}
