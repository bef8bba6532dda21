// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRouterFirstRegistrationWins(t *testing.T) {
	r := NewRouter()
	r.Register("a", []string{"llama3.2"}, "key-a")
	r.Register("b", []string{"llama3.2"}, "key-b")

	route, ok := r.Route("llama3.2")
	if !ok {
		t.Fatal("no route for llama3.2")
	}
	if route.SessionID != "a" || route.Credential != "key-a" {
		t.Errorf("got %+v, want owner a with key-a", route)
	}
}

func TestRouterPromotionOnUnregister(t *testing.T) {
	r := NewRouter()
	r.Register("a", []string{"llama3.2", "qwen2"}, "key-a")
	r.Register("b", []string{"llama3.2"}, "key-b")
	r.Register("c", []string{"llama3.2"}, "key-c")

	r.Unregister("a")

	if got := r.Models(); !cmp.Equal(got, []string{"llama3.2"}) {
		t.Errorf("Models() = %v, want [llama3.2]", got)
	}
	route, ok := r.Route("llama3.2")
	if !ok || route.SessionID != "b" {
		t.Errorf("after owner left: route = %+v, ok = %v, want promotion to b", route, ok)
	}
	if _, ok := r.Route("qwen2"); ok {
		t.Error("qwen2 still routable after its only session unregistered")
	}
}

func TestRouterNeverMapsToUnregisteredSession(t *testing.T) {
	r := NewRouter()
	r.Register("a", []string{"m1", "m2", "m3"}, "")
	r.Unregister("a")
	for _, m := range []string{"m1", "m2", "m3"} {
		if route, ok := r.Route(m); ok {
			t.Errorf("Route(%s) = %+v after unregister", m, route)
		}
	}
}

func TestRouterRegisterUnregisterIsIdentity(t *testing.T) {
	r := NewRouter()
	r.Register("a", []string{"llama3.2"}, "key-a")
	before := r.Models()
	beforeRoute, _ := r.Route("llama3.2")

	r.Register("b", []string{"llama3.2", "qwen2"}, "key-b")
	r.Unregister("b")

	if diff := cmp.Diff(before, r.Models()); diff != "" {
		t.Errorf("Models changed (-before +after):\n%s", diff)
	}
	afterRoute, ok := r.Route("llama3.2")
	if !ok || afterRoute != beforeRoute {
		t.Errorf("route changed: before %+v, after %+v", beforeRoute, afterRoute)
	}
}

func TestRouterDuplicateRegisterIsIdempotent(t *testing.T) {
	r := NewRouter()
	r.Register("a", []string{"llama3.2", "llama3.2"}, "key-a")
	r.Register("a", []string{"llama3.2"}, "key-a")
	r.Unregister("a")
	if _, ok := r.Route("llama3.2"); ok {
		t.Error("model still routable after its only session unregistered")
	}
}

func TestRouterModelsSortedUnion(t *testing.T) {
	r := NewRouter()
	r.Register("a", []string{"zeta", "alpha"}, "")
	r.Register("b", []string{"mid", "alpha"}, "")
	want := []string{"alpha", "mid", "zeta"}
	if diff := cmp.Diff(want, r.Models()); diff != "" {
		t.Errorf("Models mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(r.Models(), r.Models()); diff != "" {
		t.Errorf("successive calls differ:\n%s", diff)
	}
}

func TestRouterUnknownModel(t *testing.T) {
	r := NewRouter()
	if _, ok := r.Route("gpt-4"); ok {
		t.Error("route for a model nobody registered")
	}
}
