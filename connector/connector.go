// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package connector implements the inference-side half of the relay: an
// outbound duplex session to the broker, reconnected with backoff, that
// forwards REQUEST frames to a local OpenAI-compatible upstream and
// streams the responses back.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/util"
	"github.com/viljo/RemoteLLMconnector/relay"
)

// Version is reported to the broker at AUTH.
const Version = "1.0.0"

const (
	authTimeout  = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 30 * time.Second
	writeTimeout = 10 * time.Second

	outboundQueue = 64
	heartbeatTick = 5 * time.Second
)

// A Connector maintains the session to the broker and dispatches relayed
// requests to the local upstream.
type Connector struct {
	cfg    *config.Connector
	log    *slog.Logger
	dialer *websocket.Dialer
	client *http.Client
	limits relay.Limits
}

// New builds a connector from its configuration.
func New(cfg *config.Connector, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		cfg: cfg,
		log: log,
		dialer: &websocket.Dialer{
			HandshakeTimeout: authTimeout,
			Subprotocols:     []string{relay.Subprotocol},
		},
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limits: relay.Limits{MaxChunkBytes: cfg.MaxChunkBytes, MaxBodyBytes: cfg.MaxBodyBytes}.WithDefaults(),
	}
}

// Run dials the broker and keeps a session alive until ctx is cancelled,
// reconnecting with exponential backoff. On cancellation the current
// session drains in-flight requests before closing.
func (c *Connector) Run(ctx context.Context) error {
	if u, err := url.Parse(c.cfg.BrokerURL); err == nil && u.Scheme == "ws" && !util.IsLoopback(u.Host) {
		c.log.Warn("broker URL is unencrypted ws:// to a non-local host")
	}
	attempt := 0
	for {
		authed, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authed {
			attempt = 0
		}
		attempt++
		wait := backoff(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
		c.log.Warn("session ended, reconnecting", "err", err, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession runs one dial-auth-serve cycle. It reports whether the
// session reached the authenticated state.
func (c *Connector) runSession(ctx context.Context) (authed bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.BrokerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing broker: %w", err)
	}
	conn := relay.NewConn(ws, c.limits)
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(authTimeout))
	err = conn.WriteFrame(relay.NewFrame(relay.BootstrapID, &relay.AuthPayload{
		Token:            c.cfg.Token,
		ConnectorVersion: Version,
		Models:           c.cfg.Models,
	}))
	if err != nil {
		return false, err
	}
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	f, err := conn.ReadFrame()
	if err != nil {
		return false, fmt.Errorf("awaiting AUTH_OK: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})

	var sessionID string
	switch p := f.Payload.(type) {
	case *relay.AuthOKPayload:
		sessionID = p.SessionID
	case *relay.AuthFailPayload:
		return false, fmt.Errorf("broker rejected authentication: %s", p.Error)
	default:
		return false, fmt.Errorf("unexpected %s frame during handshake", f.Type)
	}

	s := &session{
		c:        c,
		id:       sessionID,
		conn:     conn,
		out:      make(chan *relay.Frame, outboundQueue),
		done:     make(chan struct{}),
		inflight: make(map[string]context.CancelCauseFunc),
	}
	s.touchWrite()
	s.log = c.log.With("session", sessionID)
	s.log.Info("authenticated to broker", "models", c.cfg.Models)

	go s.writeLoop()
	go s.heartbeatLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.drain()
		case <-s.done:
		}
	}()

	err = s.readLoop()
	if errors.Is(err, relay.ErrFrameTooLarge) {
		// Best-effort notice before the decode failure kills the session.
		conn.WriteFrame(relay.ErrorFrame(relay.BootstrapID, http.StatusRequestEntityTooLarge, relay.CodeFrameTooLarge, "frame exceeds negotiated maximum"))
	}
	s.close()
	return true, err
}

// A session is one authenticated link to the broker. The writer goroutine
// is the sole producer of bytes on the transport; per-request goroutines
// enqueue frames through out.
type session struct {
	c    *Connector
	id   string
	conn *relay.Conn
	log  *slog.Logger

	out  chan *relay.Frame
	done chan struct{}
	once sync.Once

	draining  atomic.Bool
	lastWrite atomic.Int64 // unix nanos
	lastPing  atomic.Int64
	lastPong  atomic.Int64

	wg sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		s.cancelAll()
	})
}

func (s *session) touchWrite() { s.lastWrite.Store(time.Now().UnixNano()) }

// send enqueues a frame for the writer goroutine.
func (s *session) send(f *relay.Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return errors.New("session closed")
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteFrame(f); err != nil {
				s.log.Warn("write failed, closing session", "err", err)
				s.close()
				return
			}
			s.touchWrite()
		case <-s.done:
			return
		}
	}
}

// heartbeatLoop emits PING after pingInterval of writer idleness and
// declares the session dead when a PING goes unanswered past pongWait.
func (s *session) heartbeatLoop() {
	tick := time.NewTicker(heartbeatTick)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			ping, pong := s.lastPing.Load(), s.lastPong.Load()
			if ping > pong {
				if time.Since(time.Unix(0, ping)) > pongWait {
					s.log.Warn("pong timeout, closing session")
					s.close()
					return
				}
				continue
			}
			if time.Since(time.Unix(0, s.lastWrite.Load())) >= pingInterval {
				s.lastPing.Store(time.Now().UnixNano())
				s.send(relay.NewFrame(relay.BootstrapID, &relay.PingPayload{}))
			}
		case <-s.done:
			return
		}
	}
}

// readLoop dispatches inbound frames until the transport dies.
func (s *session) readLoop() error {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch p := f.Payload.(type) {
		case *relay.RequestPayload:
			if s.draining.Load() {
				s.send(relay.ErrorFrame(f.ID, http.StatusServiceUnavailable, relay.CodeShutdown, "connector shutting down"))
				continue
			}
			s.startRequest(f.ID, p)
		case *relay.CancelPayload:
			s.cancelRequest(f.ID)
		case *relay.PingPayload:
			s.send(relay.NewFrame(f.ID, &relay.PongPayload{}))
		case *relay.PongPayload:
			s.lastPong.Store(time.Now().UnixNano())
		default:
			return fmt.Errorf("unexpected %s frame on authenticated session", f.Type)
		}
	}
}

// errCancelled marks a request aborted by a broker CANCEL: no further
// frames for the id may be emitted.
var errCancelled = errors.New("cancelled by broker")

func (s *session) startRequest(id string, p *relay.RequestPayload) {
	ctx, cancel := context.WithCancelCause(context.Background())
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishRequest(id)
		s.c.forward(ctx, s, id, p)
	}()
}

func (s *session) cancelRequest(id string) {
	s.mu.Lock()
	cancel := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel(errCancelled)
	}
}

func (s *session) finishRequest(id string) {
	s.mu.Lock()
	cancel := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

func (s *session) cancelAll() {
	s.mu.Lock()
	pending := s.inflight
	s.inflight = make(map[string]context.CancelCauseFunc)
	s.mu.Unlock()
	for _, cancel := range pending {
		cancel(errCancelled)
	}
}

// drain stops accepting new requests, lets the in-flight ones finish
// within the drain deadline, then closes the link.
func (s *session) drain() {
	s.draining.Store(true)
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(s.c.cfg.DrainTimeout):
		s.log.Warn("drain deadline hit, abandoning in-flight requests")
	}
	s.conn.CloseGraceful("shutdown")
	s.close()
}

// backoff computes the reconnect delay for attempt (1-based): exponential
// from base with ±25% jitter, capped.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := 0.75 + rand.Float64()/2
	d = time.Duration(float64(d) * jitter)
	if d > cap {
		d = cap
	}
	return d
}
