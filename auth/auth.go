// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package auth verifies the bearer credentials the relay accepts: external
// user keys and connector tokens. Secrets are compared server-side and
// never logged or echoed back.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential the verifier does not
// accept. It deliberately carries no detail about why.
var ErrInvalidToken = errors.New("invalid token")

// TokenInfo describes an accepted credential.
type TokenInfo struct {
	// Subject is the stable identity the credential authenticates as: the
	// token itself for static tokens, the "sub" claim for JWTs. The broker
	// uses it as the binding key for upstream credentials.
	Subject string
}

// A Verifier checks a presented bearer credential.
type Verifier interface {
	Verify(token string) (*TokenInfo, error)
}

// StaticVerifier accepts credentials from a fixed set.
type StaticVerifier struct {
	keys []string
}

// NewStaticVerifier builds a verifier over the given set. Empty strings
// are ignored.
func NewStaticVerifier(keys []string) *StaticVerifier {
	v := &StaticVerifier{}
	for _, k := range keys {
		if k != "" {
			v.keys = append(v.keys, k)
		}
	}
	return v
}

// Verify implements Verifier using constant-time comparison per candidate.
func (v *StaticVerifier) Verify(token string) (*TokenInfo, error) {
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			return &TokenInfo{Subject: k}, nil
		}
	}
	return nil, ErrInvalidToken
}

// JWTVerifier accepts HS256-signed JWTs under a shared secret. The token's
// "sub" claim becomes the subject.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier for the given shared secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(token string) (*TokenInfo, error) {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	return &TokenInfo{Subject: sub}, nil
}

// MultiVerifier tries each verifier in order; the first acceptance wins.
type MultiVerifier []Verifier

// Verify implements Verifier.
func (m MultiVerifier) Verify(token string) (*TokenInfo, error) {
	for _, v := range m {
		if info, err := v.Verify(token); err == nil {
			return info, nil
		}
	}
	return nil, ErrInvalidToken
}

// ExtractBearer pulls the credential out of an Authorization header value.
func ExtractBearer(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}
