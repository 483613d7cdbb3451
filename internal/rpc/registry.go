package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// Kind distinguishes request handlers from notification handlers.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
)

func (k Kind) String() string {
	if k == KindNotification {
		return "notification"
	}
	return "request"
}

// Entry is one registered method. Entries are immutable once registered.
type Entry struct {
	Method string
	Kind   Kind
	// Arity is the number of parameter values the handler accepts: 0 or 1.
	Arity int
	// Decode converts the raw params payload into the handler's parameter
	// value. It fails with *ParamsDecodeError.
	Decode func(params json.RawMessage) (any, error)
	// Invoke runs the handler with a value produced by Decode. Notification
	// handlers return a nil result.
	Invoke func(ctx context.Context, params any) (any, error)
}

// Registry maps method names to entries. It is filled once at startup and
// sealed; lookups after that need no locking.
type Registry struct {
	entries map[string]*Entry
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an entry. Registering the same method twice, registering
// after Seal or registering a malformed entry is a programming error and
// panics.
func (r *Registry) Register(e Entry) {
	switch {
	case r.sealed:
		panic("rpc: register after seal: " + e.Method)
	case e.Method == "":
		panic("rpc: register with empty method name")
	case e.Arity < 0 || e.Arity > 1:
		panic(fmt.Sprintf("rpc: method %s has arity %d, want 0 or 1", e.Method, e.Arity))
	case e.Decode == nil || e.Invoke == nil:
		panic("rpc: incomplete entry for " + e.Method)
	}
	if _, exists := r.entries[e.Method]; exists {
		panic("rpc: method name collision: " + e.Method)
	}
	r.entries[e.Method] = &e
}

// Seal makes the registry read-only.
func (r *Registry) Seal() { r.sealed = true }

// Lookup returns the entry for method. A miss is an ordinary outcome.
func (r *Registry) Lookup(method string) (*Entry, bool) {
	e, ok := r.entries[method]
	return e, ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered methods.
func (r *Registry) Len() int { return len(r.entries) }

// Request registers a request handler taking one parameter value.
func Request[P, R any](r *Registry, method string, fn func(context.Context, P) (R, error)) {
	r.Register(RequestEntry(method, fn))
}

// RequestEntry builds a request entry without registering it. The server
// uses it for the initialize handshake, which bypasses the registry.
func RequestEntry[P, R any](method string, fn func(context.Context, P) (R, error)) Entry {
	return Entry{
		Method: method,
		Kind:   KindRequest,
		Arity:  1,
		Decode: decoder[P](method),
		Invoke: func(ctx context.Context, params any) (any, error) {
			p, _ := params.(P)
			return fn(ctx, p)
		},
	}
}

// Request0 registers a request handler without parameters.
func Request0[R any](r *Registry, method string, fn func(context.Context) (R, error)) {
	r.Register(Entry{
		Method: method,
		Kind:   KindRequest,
		Decode: ignoreParams,
		Invoke: func(ctx context.Context, _ any) (any, error) {
			return fn(ctx)
		},
	})
}

// Notification registers a notification handler taking one parameter value.
func Notification[P any](r *Registry, method string, fn func(context.Context, P) error) {
	r.Register(Entry{
		Method: method,
		Kind:   KindNotification,
		Arity:  1,
		Decode: decoder[P](method),
		Invoke: func(ctx context.Context, params any) (any, error) {
			p, _ := params.(P)
			return nil, fn(ctx, p)
		},
	})
}

// Notification0 registers a notification handler without parameters.
func Notification0(r *Registry, method string, fn func(context.Context) error) {
	r.Register(Entry{
		Method: method,
		Kind:   KindNotification,
		Decode: ignoreParams,
		Invoke: func(ctx context.Context, _ any) (any, error) {
			return nil, fn(ctx)
		},
	})
}

// decoder unmarshals params into a P. Absent or null params decode to the
// zero value.
func decoder[P any](method string) func(json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		var params P
		if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), nullResult) {
			return params, nil
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &ParamsDecodeError{Method: method, Err: err}
		}
		return params, nil
	}
}

func ignoreParams(json.RawMessage) (any, error) { return nil, nil }
