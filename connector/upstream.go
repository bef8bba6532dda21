// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package connector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/viljo/RemoteLLMconnector/relay"
)

// frameEmitter abstracts the session for upstream forwarding; tests
// substitute a recorder.
type frameEmitter interface {
	send(f *relay.Frame) error
}

const rawChunkSize = 32 << 10

// forward relays one REQUEST to the local upstream and emits the response
// frames for it. The upstream credential, when present, replaces any
// Authorization header inherited from the external caller side.
func (c *Connector) forward(ctx context.Context, emitter frameEmitter, id string, p *relay.RequestPayload) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	emit := func(f *relay.Frame) bool {
		if errors.Is(context.Cause(ctx), errCancelled) {
			return false
		}
		return emitter.send(f) == nil
	}

	u := strings.TrimRight(c.cfg.UpstreamURL, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, p.Method, u, bytes.NewReader(p.Body))
	if err != nil {
		emit(relay.ErrorFrame(id, http.StatusBadGateway, relay.CodeLLMError, "building upstream request"))
		return
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if p.LLMAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.LLMAPIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(context.Cause(ctx), errCancelled):
			// CANCEL is the terminator; emit nothing.
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			emit(relay.ErrorFrame(id, http.StatusGatewayTimeout, relay.CodeTimeout, "upstream timed out"))
		default:
			emit(relay.ErrorFrame(id, http.StatusBadGateway, relay.CodeLLMUnavailable, "upstream unreachable"))
		}
		return
	}
	defer resp.Body.Close()

	if isStreamingResponse(resp) {
		c.forwardStream(ctx, resp, id, emit)
	} else {
		c.forwardBody(resp, id, emit)
	}
}

// isStreamingResponse reports whether the upstream response must be
// relayed chunk-wise rather than as a single RESPONSE frame.
func isStreamingResponse(resp *http.Response) bool {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	return slices.Contains(resp.TransferEncoding, "chunked")
}

// forwardBody sends a complete non-streaming response as one RESPONSE
// frame.
func (c *Connector) forwardBody(resp *http.Response, id string, emit func(*relay.Frame) bool) {
	limit := int64(c.limits.MaxBodyBytes)
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		emit(relay.ErrorFrame(id, http.StatusBadGateway, relay.CodeLLMError, "reading upstream response"))
		return
	}
	if int64(len(body)) > limit {
		emit(relay.ErrorFrame(id, http.StatusRequestEntityTooLarge, relay.CodeFrameTooLarge, "upstream response too large"))
		return
	}
	emit(relay.NewFrame(id, &relay.ResponsePayload{
		Status:  resp.StatusCode,
		Headers: responseHeaders(resp.Header),
		Body:    body,
	}))
}

// forwardStream relays a streaming response. SSE bodies are forwarded
// event by event so the upstream [DONE] terminator can be consumed and
// mapped to STREAM_END; other chunked bodies are forwarded as raw slices.
func (c *Connector) forwardStream(ctx context.Context, resp *http.Response, id string, emit func(*relay.Frame) bool) {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		c.forwardSSE(ctx, resp.Body, id, emit)
		return
	}
	buf := make([]byte, rawChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !c.emitChunks(buf[:n], id, emit) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				emit(relay.NewFrame(id, &relay.StreamEndPayload{Done: true}))
			} else if !errors.Is(context.Cause(ctx), errCancelled) {
				emit(relay.ErrorFrame(id, http.StatusBadGateway, relay.CodeLLMError, "upstream stream failed"))
			}
			return
		}
	}
}

func (c *Connector) forwardSSE(ctx context.Context, body io.Reader, id string, emit func(*relay.Frame) bool) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), 2*c.limits.MaxChunkBytes+1024)
	sc.Split(scanSSEEvents)
	for sc.Scan() {
		event := sc.Bytes()
		if bytes.Equal(bytes.TrimSpace(event), []byte("data: [DONE]")) {
			emit(relay.NewFrame(id, &relay.StreamEndPayload{Done: true}))
			return
		}
		if !c.emitChunks(event, id, emit) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		if !errors.Is(context.Cause(ctx), errCancelled) {
			emit(relay.ErrorFrame(id, http.StatusBadGateway, relay.CodeLLMError, "upstream stream failed"))
		}
		return
	}
	emit(relay.NewFrame(id, &relay.StreamEndPayload{Done: true}))
}

// emitChunks forwards b as one or more STREAM_CHUNK frames, splitting at
// the per-chunk cap. The data is copied: the caller may reuse b.
func (c *Connector) emitChunks(b []byte, id string, emit func(*relay.Frame) bool) bool {
	for len(b) > 0 {
		n := min(len(b), c.limits.MaxChunkBytes)
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		b = b[n:]
		if !emit(relay.NewFrame(id, &relay.StreamChunkPayload{Chunk: chunk})) {
			return false
		}
	}
	return true
}

// scanSSEEvents is a bufio.SplitFunc yielding one SSE event per token,
// trailing blank line included, so the relayed bytes match the upstream
// exactly.
func scanSSEEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i+2], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// responseHeaders copies the forwardable upstream response headers.
func responseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Trailer", "Te", "Upgrade", "Content-Length":
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
