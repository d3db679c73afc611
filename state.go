package mcp

import (
	"context"
	"sync"
)

// SessionState is a per-connection key/value store handed to tool handlers through their
// context. In stateful mode one state lives as long as the connection; in stateless mode
// each call sees a fresh, empty state.
type SessionState struct {
	id string

	mu     sync.Mutex
	values map[string]any
}

type stateContextKey struct{}

func newSessionState(id string) *SessionState {
	return &SessionState{
		id:     id,
		values: make(map[string]any),
	}
}

// ContextWithState returns a copy of ctx carrying state.
func ContextWithState(ctx context.Context, state *SessionState) context.Context {
	return context.WithValue(ctx, stateContextKey{}, state)
}

// StateFromContext returns the session state of the call, or nil when ctx was not
// created by the server.
func StateFromContext(ctx context.Context) *SessionState {
	state, _ := ctx.Value(stateContextKey{}).(*SessionState)
	return state
}

// ID returns the identifier of the connection owning the state.
func (s *SessionState) ID() string {
	return s.id
}

// Get returns the value stored under key.
func (s *SessionState) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *SessionState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}

// Delete removes key.
func (s *SessionState) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
}

// Update replaces the value under key with fn's result and returns it. fn runs with the
// state locked and receives the previous value, if any.
func (s *SessionState) Update(key string, fn func(old any, ok bool) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.values[key]
	v := fn(old, ok)
	s.values[key] = v
	return v
}

// Len returns the number of stored keys.
func (s *SessionState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.values)
}
