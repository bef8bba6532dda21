// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/relay"
)

// frameRecorder collects emitted frames in place of a live session.
type frameRecorder struct {
	mu     sync.Mutex
	frames []*relay.Frame
}

func (r *frameRecorder) send(f *relay.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) all() []*relay.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func newTestConnector(t *testing.T, upstreamURL string, chunkBytes int) *Connector {
	t.Helper()
	cfg := &config.Connector{
		BrokerURL:       "ws://127.0.0.1:1/ws",
		Token:           "t1",
		Models:          []string{"llama3.2"},
		UpstreamURL:     upstreamURL,
		UpstreamTimeout: 5 * time.Second,
		DrainTimeout:    time.Second,
		MaxChunkBytes:   chunkBytes,
	}
	return New(cfg, nil)
}

func completionRequest() *relay.RequestPayload {
	return &relay.RequestPayload{
		Method:  "POST",
		Path:    "/v1/chat/completions",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`),
	}
}

func TestForwardNonStreaming(t *testing.T) {
	const body = `{"choices":[{"message":{"content":"hello"}}]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write([]byte(body))
	}))
	defer upstream.Close()

	c := newTestConnector(t, upstream.URL, 0)
	rec := &frameRecorder{}
	c.forward(context.Background(), rec, "r1", completionRequest())

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 RESPONSE: %+v", len(frames), frames)
	}
	p, ok := frames[0].Payload.(*relay.ResponsePayload)
	if !ok {
		t.Fatalf("got %s frame, want RESPONSE", frames[0].Type)
	}
	if p.Status != 200 || string(p.Body) != body {
		t.Errorf("status=%d body=%q", p.Status, p.Body)
	}
	if p.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", p.Headers["Content-Type"])
	}
}

func TestForwardInjectsCredential(t *testing.T) {
	var seenAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	c := newTestConnector(t, upstream.URL, 0)
	req := completionRequest()
	// A stray Authorization forwarded from the caller side must be
	// overwritten by the injected credential.
	req.Headers["Authorization"] = "Bearer sk-user"
	req.LLMAPIKey = "sk-upstream"
	c.forward(context.Background(), &frameRecorder{}, "r1", req)

	if seenAuth != "Bearer sk-upstream" {
		t.Errorf("upstream saw Authorization %q, want Bearer sk-upstream", seenAuth)
	}
}

func TestForwardSSEStream(t *testing.T) {
	events := []string{
		"data: {\"delta\":\"he\"}\n\n",
		"data: {\"delta\":\"llo\"}\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			w.Write([]byte(ev))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	c := newTestConnector(t, upstream.URL, 0)
	rec := &frameRecorder{}
	c.forward(context.Background(), rec, "r1", completionRequest())

	frames := rec.all()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 2 chunks + STREAM_END: %+v", len(frames), frames)
	}
	for i, want := range events[:2] {
		p, ok := frames[i].Payload.(*relay.StreamChunkPayload)
		if !ok {
			t.Fatalf("frame %d is %s, want STREAM_CHUNK", i, frames[i].Type)
		}
		if string(p.Chunk) != want {
			t.Errorf("chunk %d = %q, want %q", i, p.Chunk, want)
		}
	}
	if frames[2].Type != relay.FrameStreamEnd {
		t.Errorf("last frame = %s, want STREAM_END", frames[2].Type)
	}
}

func TestForwardSplitsOversizedChunks(t *testing.T) {
	payload := "0123456789abcdefghij" // 20 bytes
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
		w.(http.Flusher).Flush() // force chunked transfer encoding
	}))
	defer upstream.Close()

	c := newTestConnector(t, upstream.URL, 8)
	rec := &frameRecorder{}
	c.forward(context.Background(), rec, "r1", completionRequest())

	frames := rec.all()
	if frames[len(frames)-1].Type != relay.FrameStreamEnd {
		t.Fatalf("last frame = %s, want STREAM_END", frames[len(frames)-1].Type)
	}
	var got string
	for _, f := range frames[:len(frames)-1] {
		p, ok := f.Payload.(*relay.StreamChunkPayload)
		if !ok {
			t.Fatalf("unexpected %s frame", f.Type)
		}
		if len(p.Chunk) > 8 {
			t.Errorf("chunk of %d bytes exceeds the 8 byte cap", len(p.Chunk))
		}
		got += string(p.Chunk)
	}
	if got != payload {
		t.Errorf("reassembled %q, want %q", got, payload)
	}
}

func TestForwardPassesThroughUpstreamErrorStatus(t *testing.T) {
	const body = `{"error":{"message":"bad request"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(body))
	}))
	defer upstream.Close()

	c := newTestConnector(t, upstream.URL, 0)
	rec := &frameRecorder{}
	c.forward(context.Background(), rec, "r1", completionRequest())

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	p, ok := frames[0].Payload.(*relay.ResponsePayload)
	if !ok || p.Status != http.StatusBadRequest || string(p.Body) != body {
		t.Errorf("got %+v, want verbatim 400 response", frames[0])
	}
}

func TestForwardUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing listens anymore

	c := newTestConnector(t, upstream.URL, 0)
	rec := &frameRecorder{}
	c.forward(context.Background(), rec, "r1", completionRequest())

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 ERROR", len(frames))
	}
	p, ok := frames[0].Payload.(*relay.ErrorPayload)
	if !ok || p.Code != relay.CodeLLMUnavailable || p.Status != http.StatusBadGateway {
		t.Errorf("got %+v, want 502 llm_unavailable", frames[0])
	}
}

func TestForwardCancelledEmitsNothing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	c := newTestConnector(t, upstream.URL, 0)
	rec := &frameRecorder{}
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.forward(ctx, rec, "r1", completionRequest())
	}()

	<-started
	cancel(errCancelled)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after cancel")
	}
	if frames := rec.all(); len(frames) != 0 {
		t.Errorf("emitted %d frames after cancel: %+v", len(frames), frames)
	}
}

func TestForwardUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	c := newTestConnector(t, upstream.URL, 0)
	c.cfg.UpstreamTimeout = 50 * time.Millisecond
	rec := &frameRecorder{}
	c.forward(context.Background(), rec, "r1", completionRequest())

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 ERROR: %+v", len(frames), frames)
	}
	p, ok := frames[0].Payload.(*relay.ErrorPayload)
	if !ok || p.Code != relay.CodeTimeout || p.Status != http.StatusGatewayTimeout {
		t.Errorf("got %+v, want 504 timeout", frames[0])
	}
}

func TestScanSSEEvents(t *testing.T) {
	input := "data: a\n\ndata: b\nmore: b\n\ntail"
	var events []string
	rest := input
	for {
		advance, token, _ := scanSSEEvents([]byte(rest), false)
		if advance == 0 {
			break
		}
		events = append(events, string(token))
		rest = rest[advance:]
	}
	// The unterminated tail only surfaces at EOF.
	advance, token, _ := scanSSEEvents([]byte(rest), true)
	if advance != len(rest) || string(token) != "tail" {
		t.Errorf("at EOF: advance=%d token=%q", advance, token)
	}
	want := []string{"data: a\n\n", "data: b\nmore: b\n\n"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %q, want %q", events, want)
	}
}
