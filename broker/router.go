// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"slices"
	"sync"
)

// A Route is the result of a routing lookup: the session currently owning
// the model and the upstream credential to inject into its requests.
type Route struct {
	SessionID  string
	Credential string
}

// Router maintains the model → session mapping. The first session to
// declare a model owns it until it unregisters; later declarers queue up
// as candidates in registration order and are promoted when the owner
// goes away. A model never maps to two sessions at once: the owner is
// always the head of the candidate list.
type Router struct {
	mu         sync.Mutex
	candidates map[string][]string // model → session ids, registration order
	creds      map[string]string   // session id → upstream credential
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		candidates: make(map[string][]string),
		creds:      make(map[string]string),
	}
}

// Register records a session and its declared models. Models already owned
// by another live session are not stolen.
func (r *Router) Register(sessionID string, models []string, credential string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[sessionID] = credential
	for _, m := range models {
		if m == "" || slices.Contains(r.candidates[m], sessionID) {
			continue
		}
		r.candidates[m] = append(r.candidates[m], sessionID)
	}
}

// Unregister removes every mapping pointing at sessionID. For each model it
// owned, the earliest surviving declarer becomes the new owner.
func (r *Router) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, sessionID)
	for m, ids := range r.candidates {
		ids = slices.DeleteFunc(ids, func(id string) bool { return id == sessionID })
		if len(ids) == 0 {
			delete(r.candidates, m)
		} else {
			r.candidates[m] = ids
		}
	}
}

// Route returns the current route for model, or false if no live session
// serves it.
func (r *Router) Route(model string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.candidates[model]
	if len(ids) == 0 {
		return Route{}, false
	}
	owner := ids[0]
	return Route{SessionID: owner, Credential: r.creds[owner]}, true
}

// Models returns the sorted union of currently routable model names.
func (r *Router) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.candidates))
	for m := range r.candidates {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
