// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol the relay negotiates.
const Subprotocol = "relay"

// A Conn adapts a websocket connection to frame granularity: one frame per
// text message. Reads and writes must each come from a single goroutine;
// the write lock only guards the occasional control write against the
// session writer.
type Conn struct {
	ws  *websocket.Conn
	lim Limits

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps ws. lim bounds decoded frame bodies; the zero value
// selects the defaults.
func NewConn(ws *websocket.Conn, lim Limits) *Conn {
	return &Conn{ws: ws, lim: lim.WithDefaults()}
}

// ReadFrame reads and decodes the next frame. A clean websocket close is
// reported as io.EOF; decode failures are returned as-is and are fatal to
// the session per protocol.
func (c *Conn) ReadFrame() (*Frame, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", messageType)
	}
	return Decode(data, c.lim)
}

// WriteFrame encodes and writes one frame.
func (c *Conn) WriteFrame(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// SetReadDeadline bounds the next ReadFrame.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline bounds subsequent WriteFrame calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// CloseGraceful sends a best-effort close message before closing the
// underlying connection.
func (c *Conn) CloseGraceful(reason string) error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.Close()
}

// Close closes the underlying connection. It is safe to call more than
// once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
