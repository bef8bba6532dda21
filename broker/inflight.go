// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"github.com/viljo/RemoteLLMconnector/relay"
)

// An inflight tracks one external request relayed through a session. The
// session reader is the only producer; the HTTP handler is the only
// consumer. Chunks flow through a bounded channel so a stalled caller can
// never stall the session: the reader uses non-blocking sends and fails
// the request on overflow.
type inflight struct {
	id      string
	session string

	chunks   chan []byte
	terminal chan *relay.Frame // capacity 1: exactly one terminator
}

func newInflight(id, sessionID string, buffer int) *inflight {
	if buffer <= 0 {
		buffer = 8
	}
	return &inflight{
		id:       id,
		session:  sessionID,
		chunks:   make(chan []byte, buffer),
		terminal: make(chan *relay.Frame, 1),
	}
}

// deliverChunk hands one chunk to the consumer without blocking. It
// reports false when the buffer is full, which means the consumer is not
// keeping up.
func (fl *inflight) deliverChunk(b []byte) bool {
	select {
	case fl.chunks <- b:
		return true
	default:
		return false
	}
}

// finish delivers the terminal frame. It reports false if a terminator was
// already delivered; the duplicate is dropped.
func (fl *inflight) finish(f *relay.Frame) bool {
	select {
	case fl.terminal <- f:
		return true
	default:
		return false
	}
}
