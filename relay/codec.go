// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"
)

// Default size caps for decoded frame bodies.
const (
	DefaultMaxChunkBytes = 256 << 10 // per STREAM_CHUNK
	DefaultMaxBodyBytes  = 8 << 20   // per REQUEST / RESPONSE body
)

// Limits bound the decoded size of frame bodies. The zero value selects the
// defaults.
type Limits struct {
	MaxChunkBytes int
	MaxBodyBytes  int
}

func (l Limits) WithDefaults() Limits {
	if l.MaxChunkBytes == 0 {
		l.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if l.MaxBodyBytes == 0 {
		l.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return l
}

var (
	// ErrUnknownType reports a frame whose type tag is not one of the
	// defined variants.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrFrameTooLarge reports a decoded body exceeding the configured cap.
	ErrFrameTooLarge = errors.New("frame too large")
)

// wireFrame is the raw envelope. The payload stays opaque until the type
// tag has been checked.
type wireFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes f as one transport message.
func Encode(f *Frame) ([]byte, error) {
	if f.Payload == nil {
		return nil, fmt.Errorf("encode %s: nil payload", f.Type)
	}
	if got := f.Payload.frameType(); got != f.Type {
		return nil, fmt.Errorf("encode: payload variant %s does not match frame type %s", got, f.Type)
	}
	raw, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", f.Type, err)
	}
	return json.Marshal(wireFrame{Type: f.Type, ID: f.ID, Payload: raw})
}

// Decode parses one transport message into a typed frame. The payload is
// validated against the schema of its type tag; unknown tags, malformed
// payloads, and bodies over the configured caps are decode errors.
func Decode(data []byte, lim Limits) (*Frame, error) {
	lim = lim.WithDefaults()
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if w.ID == "" {
		return nil, errors.New("malformed frame: missing id")
	}
	p := newPayload(w.Type)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	raw := w.Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := validatePayload(w.Type, raw); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", w.Type, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", w.Type, err)
	}
	if err := checkLimits(p, lim); err != nil {
		return nil, err
	}
	return &Frame{Type: w.Type, ID: w.ID, Payload: p}, nil
}

func newPayload(t FrameType) Payload {
	switch t {
	case FrameAuth:
		return new(AuthPayload)
	case FrameAuthOK:
		return new(AuthOKPayload)
	case FrameAuthFail:
		return new(AuthFailPayload)
	case FrameRequest:
		return new(RequestPayload)
	case FrameResponse:
		return new(ResponsePayload)
	case FrameStreamChunk:
		return new(StreamChunkPayload)
	case FrameStreamEnd:
		return new(StreamEndPayload)
	case FrameError:
		return new(ErrorPayload)
	case FrameCancel:
		return new(CancelPayload)
	case FramePing:
		return new(PingPayload)
	case FramePong:
		return new(PongPayload)
	}
	return nil
}

func checkLimits(p Payload, lim Limits) error {
	switch v := p.(type) {
	case *StreamChunkPayload:
		if len(v.Chunk) > lim.MaxChunkBytes {
			return fmt.Errorf("chunk of %d bytes exceeds cap %d: %w", len(v.Chunk), lim.MaxChunkBytes, ErrFrameTooLarge)
		}
	case *RequestPayload:
		if len(v.Body) > lim.MaxBodyBytes {
			return fmt.Errorf("request body of %d bytes exceeds cap %d: %w", len(v.Body), lim.MaxBodyBytes, ErrFrameTooLarge)
		}
	case *ResponsePayload:
		if len(v.Body) > lim.MaxBodyBytes {
			return fmt.Errorf("response body of %d bytes exceeds cap %d: %w", len(v.Body), lim.MaxBodyBytes, ErrFrameTooLarge)
		}
	}
	return nil
}

// validatePayload checks raw against the schema for frame type t. Schemas
// are authored by hand rather than inferred: body fields are []byte in Go
// but base64 strings on the wire.
func validatePayload(t FrameType, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return payloadSchemas[t].Validate(v)
}

var payloadSchemas = make(map[FrameType]*jsonschema.Resolved)

func init() {
	for t, s := range map[FrameType]*jsonschema.Schema{
		FrameAuth: obj(map[string]*jsonschema.Schema{
			"token":             str(),
			"connector_version": str(),
			"models":            {Type: "array", Items: str()},
		}, "token", "models"),
		FrameAuthOK:   obj(map[string]*jsonschema.Schema{"session_id": str()}, "session_id"),
		FrameAuthFail: obj(map[string]*jsonschema.Schema{"error": str()}, "error"),
		FrameRequest: obj(map[string]*jsonschema.Schema{
			"method":      str(),
			"path":        str(),
			"headers":     headers(),
			"body_b64":    str(),
			"llm_api_key": str(),
		}, "method", "path"),
		FrameResponse: obj(map[string]*jsonschema.Schema{
			"status":   integer(),
			"headers":  headers(),
			"body_b64": str(),
		}, "status"),
		FrameStreamChunk: obj(map[string]*jsonschema.Schema{
			"chunk_b64": str(),
			"done":      boolean(),
		}, "chunk_b64"),
		FrameStreamEnd: obj(map[string]*jsonschema.Schema{"done": boolean()}, "done"),
		FrameError: obj(map[string]*jsonschema.Schema{
			"status": integer(),
			"error":  str(),
			"code":   str(),
		}, "status", "code"),
		FrameCancel: obj(nil),
		FramePing:   obj(nil),
		FramePong:   obj(nil),
	} {
		r, err := s.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			panic(fmt.Sprintf("resolving %s payload schema: %v", t, err))
		}
		payloadSchemas[t] = r
	}
}

func str() *jsonschema.Schema     { return &jsonschema.Schema{Type: "string"} }
func boolean() *jsonschema.Schema { return &jsonschema.Schema{Type: "boolean"} }
func integer() *jsonschema.Schema { return &jsonschema.Schema{Type: "integer"} }
func headers() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", AdditionalProperties: str()}
}

func obj(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: falseSchema(),
	}
}

func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}
