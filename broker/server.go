// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package broker implements the publicly reachable half of the relay: it
// accepts connector sessions on a duplex endpoint, routes external
// OpenAI-compatible requests to them by model, and streams responses back
// without ever buffering a full body.
package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/viljo/RemoteLLMconnector/auth"
	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/relay"
)

// Server is the broker core. Create one with New, mount ConnectHandler,
// APIHandler and HealthHandler (or let Run wire them to the configured
// addresses), and stop it with Shutdown.
type Server struct {
	cfg      *config.Broker
	log      *slog.Logger
	router   *Router
	limits   relay.Limits
	userAuth auth.Verifier
	connAuth auth.Verifier
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// New builds a broker server from its configuration.
func New(cfg *config.Broker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	connAuth := auth.MultiVerifier{auth.NewStaticVerifier(cfg.Tokens())}
	if cfg.ConnectorJWTSecret != "" {
		connAuth = append(connAuth, auth.NewJWTVerifier([]byte(cfg.ConnectorJWTSecret)))
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		router:   NewRouter(),
		limits:   relay.Limits{MaxChunkBytes: cfg.MaxChunkBytes, MaxBodyBytes: cfg.MaxBodyBytes},
		userAuth: auth.NewStaticVerifier(cfg.UserKeys),
		connAuth: connAuth,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{relay.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		// Admission throttle for AUTH attempts; request traffic is not
		// rate limited.
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		sessions: make(map[string]*session),
	}
}

// Router exposes the routing table (for the API surface and tests).
func (s *Server) Router() *Router { return s.router }

// ConnectHandler returns the handler for the duplex connector endpoint.
func (s *Server) ConnectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "err", err)
			return
		}
		s.serveConn(relay.NewConn(ws, s.limits))
	})
}

// serveConn authenticates and runs one connector link to completion.
func (s *Server) serveConn(conn *relay.Conn) {
	sess, failCode, err := s.authenticate(conn)
	if err != nil {
		s.log.Warn("connector authentication failed", "err", err)
		if failCode != "" {
			conn.WriteFrame(relay.NewFrame(relay.BootstrapID, &relay.AuthFailPayload{Error: failCode}))
		}
		conn.CloseGraceful("authentication failed")
		return
	}

	s.log.Info("connector authenticated",
		"session", sess.id, "models", sess.models, "version", sess.version)

	go sess.writeLoop(func(err error) { s.dropSession(sess, relay.CodeSessionLost, err) })
	err = sess.readLoop()
	if errors.Is(err, relay.ErrFrameTooLarge) {
		// Best-effort notice before the decode failure kills the session.
		conn.WriteFrame(relay.ErrorFrame(relay.BootstrapID, http.StatusRequestEntityTooLarge, relay.CodeFrameTooLarge, "frame exceeds negotiated maximum"))
	}
	s.dropSession(sess, relay.CodeSessionLost, err)
}

func (s *Server) authenticate(conn *relay.Conn) (*session, string, error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, "", fmt.Errorf("reading AUTH: %w", err)
	}
	p, ok := f.Payload.(*relay.AuthPayload)
	if !ok {
		return nil, relay.CodeInvalidToken, fmt.Errorf("first frame was %s, want AUTH", f.Type)
	}
	info, err := s.connAuth.Verify(p.Token)
	if err != nil {
		return nil, relay.CodeInvalidToken, err
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, relay.CodeShutdown, errors.New("broker is shutting down")
	}
	id := rand.Text()
	sess := newSession(id, conn, p, info.Subject, s.cfg.CredentialFor(info.Subject), s.log)
	s.sessions[id] = sess
	s.mu.Unlock()

	s.router.Register(id, p.Models, sess.llmKey)
	if err := conn.WriteFrame(relay.NewFrame(relay.BootstrapID, &relay.AuthOKPayload{SessionID: id})); err != nil {
		s.dropSession(sess, relay.CodeSessionLost, err)
		return nil, "", err
	}
	return sess, "", nil
}

// dropSession tears down one session. The router is updated first so no
// new REQUEST can be issued toward the dead link, then every in-flight
// request it owned is failed.
func (s *Server) dropSession(sess *session, code string, cause error) {
	sess.once.Do(func() {
		s.router.Unregister(sess.id)
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		close(sess.done)
		sess.failAll(code)
		sess.conn.Close()
		if cause != nil && !errors.Is(cause, io.EOF) {
			sess.log.Warn("connector session closed", "cause", cause)
		} else {
			sess.log.Info("connector session closed")
		}
	})
}

func (s *Server) sessionByID(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) liveSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SessionStatus describes one live connector in the status snapshot.
type SessionStatus struct {
	ID       string   `json:"id"`
	Version  string   `json:"version,omitempty"`
	Models   []string `json:"models"`
	InFlight int      `json:"in_flight"`
}

// Status is the snapshot the health surface consumes; /v1/models reads
// the router's model list directly.
type Status struct {
	ConnectorsConnected int             `json:"connectors_connected"`
	Models              []string        `json:"models"`
	Sessions            []SessionStatus `json:"sessions,omitempty"`
}

// Status returns a point-in-time snapshot of broker state.
func (s *Server) Status() Status {
	sessions := s.liveSessions()
	st := Status{
		ConnectorsConnected: len(sessions),
		Models:              s.router.Models(),
	}
	for _, sess := range sessions {
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:       sess.id,
			Version:  sess.version,
			Models:   sess.models,
			InFlight: sess.inflightCount(),
		})
	}
	return st
}

// Shutdown drains the broker: no new sessions are accepted, in-flight
// requests get until the drain deadline, and whatever remains is failed
// with the shutdown code before every transport is closed.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	deadline := time.After(s.cfg.DrainTimeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
drain:
	for {
		idle := true
		for _, sess := range s.liveSessions() {
			if sess.inflightCount() > 0 {
				idle = false
				break
			}
		}
		if idle {
			break
		}
		select {
		case <-tick.C:
		case <-deadline:
			break drain
		case <-ctx.Done():
			break drain
		}
	}
	for _, sess := range s.liveSessions() {
		s.dropSession(sess, relay.CodeShutdown, nil)
	}
}

// Run serves the three configured listeners until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{
		{Addr: s.cfg.APIAddr, Handler: s.APIHandler()},
		{Addr: s.cfg.ConnectAddr, Handler: s.ConnectHandler()},
		{Addr: s.cfg.HealthAddr, Handler: s.HealthHandler()},
	}
	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout+5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(stopCtx)
	}
	s.Shutdown(stopCtx)
	return err
}
