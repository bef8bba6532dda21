// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/viljo/RemoteLLMconnector/relay"
)

const (
	// liveTimeout bounds the gap between inbound frames. Connectors ping
	// every 30s of writer idleness, so a healthy link never goes silent
	// this long.
	liveTimeout = 60 * time.Second

	writeTimeout  = 10 * time.Second
	outboundQueue = 64
)

var errSessionClosed = errors.New("session closed")

// A session is one authenticated connector link. It owns its in-flight
// table and its outbound queue; the writer goroutine is the sole producer
// of bytes on the transport.
type session struct {
	id      string
	subject string
	version string
	models  []string
	llmKey  string
	conn    *relay.Conn
	log     *slog.Logger

	out  chan *relay.Frame
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	inflight map[string]*inflight
}

func newSession(id string, conn *relay.Conn, p *relay.AuthPayload, subject, llmKey string, log *slog.Logger) *session {
	return &session{
		id:       id,
		subject:  subject,
		version:  p.ConnectorVersion,
		models:   p.Models,
		llmKey:   llmKey,
		conn:     conn,
		log:      log.With("session", id),
		out:      make(chan *relay.Frame, outboundQueue),
		done:     make(chan struct{}),
		inflight: make(map[string]*inflight),
	}
}

// send enqueues a frame for the writer goroutine.
func (s *session) send(f *relay.Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) writeLoop(onFatal func(error)) {
	for {
		select {
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteFrame(f); err != nil {
				onFatal(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop decodes inbound frames until the transport dies or the
// connector violates the protocol. Any error it returns is fatal to the
// session.
func (s *session) readLoop() error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(liveTimeout))
		f, err := s.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := s.dispatch(f); err != nil {
			return err
		}
	}
}

func (s *session) dispatch(f *relay.Frame) error {
	switch p := f.Payload.(type) {
	case *relay.PingPayload:
		return s.send(relay.NewFrame(f.ID, &relay.PongPayload{}))
	case *relay.PongPayload:
		return nil
	case *relay.StreamChunkPayload:
		s.mu.Lock()
		fl := s.inflight[f.ID]
		s.mu.Unlock()
		if fl == nil {
			s.log.Warn("chunk for unknown correlation id", "id", f.ID)
			return nil
		}
		if !fl.deliverChunk(p.Chunk) {
			s.failSlowConsumer(fl)
		}
		return nil
	case *relay.ResponsePayload, *relay.StreamEndPayload, *relay.ErrorPayload:
		fl := s.takeInflight(f.ID)
		if fl == nil {
			s.log.Warn("terminator for unknown correlation id", "id", f.ID, "type", f.Type)
			return nil
		}
		if !fl.finish(f) {
			s.log.Warn("duplicate terminator dropped", "id", f.ID, "type", f.Type)
		}
		return nil
	default:
		return fmt.Errorf("unexpected %s frame on authenticated session", f.Type)
	}
}

// failSlowConsumer tears down a single request whose consumer stopped
// reading: the connector is told to abort and the handler observes a
// terminal error. The session itself stays healthy.
func (s *session) failSlowConsumer(fl *inflight) {
	if s.takeInflight(fl.id) == nil {
		return
	}
	s.log.Warn("slow consumer, cancelling request", "id", fl.id)
	s.send(relay.NewFrame(fl.id, &relay.CancelPayload{}))
	fl.finish(relay.ErrorFrame(fl.id, http.StatusServiceUnavailable, relay.CodeSlowConsumer, "consumer not keeping up"))
}

// addInflight registers fl. It fails if the session is already closed, so
// a request can never be parked on a dead link.
func (s *session) addInflight(fl *inflight) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[fl.id] = fl
	return nil
}

// takeInflight removes and returns the record for id, or nil.
func (s *session) takeInflight(id string) *inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl := s.inflight[id]
	delete(s.inflight, id)
	return fl
}

// cancelRequest is called by the HTTP handler when the caller goes away or
// the deadline fires. The CANCEL frame is the last frame for the id in the
// broker-to-connector direction.
func (s *session) cancelRequest(id string) {
	if s.takeInflight(id) == nil {
		return
	}
	s.send(relay.NewFrame(id, &relay.CancelPayload{}))
}

// failAll terminates every in-flight request with the given error code.
func (s *session) failAll(code string) {
	s.mu.Lock()
	pending := make([]*inflight, 0, len(s.inflight))
	for _, fl := range s.inflight {
		pending = append(pending, fl)
	}
	clear(s.inflight)
	s.mu.Unlock()
	msg := "connector session lost"
	if code == relay.CodeShutdown {
		msg = "broker shutting down"
	}
	for _, fl := range pending {
		fl.finish(relay.ErrorFrame(fl.id, http.StatusServiceUnavailable, code, msg))
	}
}

func (s *session) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
