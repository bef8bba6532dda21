// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/viljo/RemoteLLMconnector/auth"
	"github.com/viljo/RemoteLLMconnector/relay"
)

// APIHandler returns the external OpenAI-compatible surface.
func (s *Server) APIHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/v1/chat/completions", s.requireUserKey(s.handleChatCompletions)).Methods(http.MethodPost)
	r.Handle("/v1/models", s.requireUserKey(s.handleModels)).Methods(http.MethodGet)
	return r
}

// HealthHandler returns the unauthenticated health surface.
func (s *Server) HealthHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) requireUserKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err == nil {
			_, err = s.userAuth.Verify(key)
		}
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, relay.CodeInvalidAPIKey, "invalid API key")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := s.router.Models()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{ID: m, Object: "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "healthy",
		"connectors_connected": st.ConnectorsConnected,
		"models":               st.Models,
	})
}

// handleChatCompletions relays one completion request: resolve the route,
// park an in-flight record on the owning session, write the REQUEST frame,
// then stream the sink into the response.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	maxBody := int64(s.limits.MaxBodyBytes)
	if maxBody == 0 {
		maxBody = relay.DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			w.Header().Set("Connection", "close")
			writeAPIError(w, http.StatusRequestEntityTooLarge, relay.CodeFrameTooLarge, "request body too large")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, relay.CodeInternal, "reading request body")
		return
	}

	// Parse just enough of the body; the rest stays opaque.
	var head struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.Model == "" {
		writeAPIError(w, http.StatusNotFound, relay.CodeModelNotFound, "model not found")
		return
	}
	route, ok := s.router.Route(head.Model)
	if !ok {
		writeAPIError(w, http.StatusNotFound, relay.CodeModelNotFound, "model not found")
		return
	}
	sess := s.sessionByID(route.SessionID)
	if sess == nil {
		writeAPIError(w, http.StatusServiceUnavailable, relay.CodeNoConnector, "no connector available")
		return
	}

	id := relay.NewCorrelationID()
	fl := newInflight(id, sess.id, s.cfg.ChunkBuffer)
	if err := sess.addInflight(fl); err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, relay.CodeNoConnector, "no connector available")
		return
	}
	defer sess.takeInflight(id)

	req := &relay.RequestPayload{
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   sanitizeHeaders(r.Header),
		Body:      body,
		LLMAPIKey: route.Credential,
	}
	if err := sess.send(relay.NewFrame(id, req)); err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, relay.CodeNoConnector, "connector went away")
		return
	}

	s.relayResponse(w, r, sess, fl, head.Stream)
}

// relayResponse consumes the in-flight sink until a terminator, the
// deadline, or the caller going away. Chunks are copied straight through;
// nothing is accumulated.
func (s *Server) relayResponse(w http.ResponseWriter, r *http.Request, sess *session, fl *inflight, stream bool) {
	deadline := time.NewTimer(s.cfg.RequestTimeout)
	defer deadline.Stop()
	flusher, _ := w.(http.Flusher)

	wrote := false
	writeChunk := func(b []byte) {
		if !wrote {
			if stream {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache, no-transform")
				w.Header().Set("Connection", "keep-alive")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		w.Write(b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		select {
		case b := <-fl.chunks:
			writeChunk(b)
		case f := <-fl.terminal:
			// Chunks queued ahead of the terminator drain first.
		drained:
			for {
				select {
				case b := <-fl.chunks:
					writeChunk(b)
				default:
					break drained
				}
			}
			s.finishResponse(w, f, stream, wrote, writeChunk)
			return
		case <-r.Context().Done():
			// Caller went away; not an error.
			sess.cancelRequest(fl.id)
			s.log.Info("caller disconnected", "id", fl.id)
			return
		case <-deadline.C:
			sess.cancelRequest(fl.id)
			if !wrote {
				writeAPIError(w, http.StatusGatewayTimeout, relay.CodeTimeout, "upstream did not respond in time")
			}
			return
		}
	}
}

func (s *Server) finishResponse(w http.ResponseWriter, f *relay.Frame, stream, wrote bool, writeChunk func([]byte)) {
	switch p := f.Payload.(type) {
	case *relay.ResponsePayload:
		if wrote {
			return
		}
		for k, v := range p.Headers {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		status := p.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write(p.Body)
	case *relay.StreamEndPayload:
		if stream {
			writeChunk([]byte("data: [DONE]\n\n"))
		} else if !wrote {
			w.WriteHeader(http.StatusOK)
		}
	case *relay.ErrorPayload:
		if wrote {
			// Mid-stream failure: the stream just ends, without [DONE].
			return
		}
		status := p.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		msg := p.Error
		if msg == "" {
			msg = "upstream error"
		}
		writeAPIError(w, status, p.Code, msg)
	}
}

// sanitizeHeaders copies the forwardable request headers. The caller's
// Authorization never crosses the relay; hop-by-hop headers stay local.
func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "Host", "Connection", "Keep-Alive", "Proxy-Authorization",
			"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
			"Content-Length", "Accept-Encoding":
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "code": code},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
