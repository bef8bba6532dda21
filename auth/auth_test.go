// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier([]string{"t1", "t2", ""})

	info, err := v.Verify("t2")
	if err != nil {
		t.Fatalf("Verify(t2): %v", err)
	}
	if info.Subject != "t2" {
		t.Errorf("Subject = %q, want t2", info.Subject)
	}
	if _, err := v.Verify("t3"); err == nil {
		t.Error("accepted unknown token")
	}
	if _, err := v.Verify(""); err == nil {
		t.Error("accepted empty token")
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestJWTVerifier(t *testing.T) {
	secret := []byte("shared-secret")
	v := NewJWTVerifier(secret)

	good := signHS256(t, secret, jwt.MapClaims{
		"sub": "connector-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	info, err := v.Verify(good)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if info.Subject != "connector-1" {
		t.Errorf("Subject = %q, want connector-1", info.Subject)
	}

	if _, err := v.Verify(signHS256(t, []byte("other-secret"), jwt.MapClaims{"sub": "x"})); err == nil {
		t.Error("accepted token signed with the wrong secret")
	}
	expired := signHS256(t, secret, jwt.MapClaims{
		"sub": "connector-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Verify(expired); err == nil {
		t.Error("accepted expired token")
	}
	if _, err := v.Verify(signHS256(t, secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})); err == nil {
		t.Error("accepted token without sub")
	}
	if _, err := v.Verify("not-a-jwt"); err == nil {
		t.Error("accepted garbage")
	}
}

func TestMultiVerifier(t *testing.T) {
	secret := []byte("shared-secret")
	m := MultiVerifier{
		NewStaticVerifier([]string{"t1"}),
		NewJWTVerifier(secret),
	}

	if info, err := m.Verify("t1"); err != nil || info.Subject != "t1" {
		t.Errorf("static token: info=%+v err=%v", info, err)
	}
	jwtTok := signHS256(t, secret, jwt.MapClaims{"sub": "connector-2", "exp": time.Now().Add(time.Hour).Unix()})
	if info, err := m.Verify(jwtTok); err != nil || info.Subject != "connector-2" {
		t.Errorf("jwt token: info=%+v err=%v", info, err)
	}
	if _, err := m.Verify("nope"); err == nil {
		t.Error("accepted token no verifier knows")
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer sk-user", "sk-user", true},
		{"bearer sk-user", "sk-user", true},
		{"Basic Zm9v", "", false},
		{"Bearer ", "", false},
		{"", "", false},
		{"sk-user", "", false},
	}
	for _, tt := range tests {
		got, err := ExtractBearer(tt.header)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, %v; want %q, ok=%v", tt.header, got, err, tt.want, tt.ok)
		}
	}
}
