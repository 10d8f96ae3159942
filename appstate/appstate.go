// Package appstate composes independent pieces of application state into one
// value that travels with each request. Each part is stored once, by
// reference, and looked up by its type, so a handler borrows exactly the
// substate it needs without knowing what else the host carries.
//
//	c := appstate.New(&hostState, transport)
//	r.Use(appstate.Middleware(c))
//
//	func hello(w http.ResponseWriter, r *http.Request) {
//	    st := appstate.From[*hostapp.State](r)
//	    ...
//	}
package appstate

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
)

// Composite holds state parts keyed by their dynamic type. It is immutable
// after New and safe for concurrent use.
type Composite struct {
	parts map[reflect.Type]any
}

// New builds a Composite. Later parts replace earlier parts of the same type;
// nil parts are ignored.
func New(parts ...any) *Composite {
	c := &Composite{parts: make(map[reflect.Type]any, len(parts))}
	for _, p := range parts {
		if p == nil {
			continue
		}
		c.parts[reflect.TypeOf(p)] = p
	}
	return c
}

// With returns a copy of c that also holds parts.
func (c *Composite) With(parts ...any) *Composite {
	out := &Composite{parts: make(map[reflect.Type]any, len(c.parts)+len(parts))}
	for k, v := range c.parts {
		out.parts[k] = v
	}
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.parts[reflect.TypeOf(p)] = p
	}
	return out
}

// Len returns the number of parts.
func (c *Composite) Len() int { return len(c.parts) }

// Get returns the part of type T.
func Get[T any](c *Composite) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.parts[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Must returns the part of type T and panics if it is missing. Use it where
// a missing part is a wiring bug.
func Must[T any](c *Composite) T {
	v, ok := Get[T](c)
	if !ok {
		panic(fmt.Sprintf("appstate: no part of type %s", reflect.TypeFor[T]()))
	}
	return v
}

type ctxKey struct{}

// NewContext returns a context carrying c.
func NewContext(ctx context.Context, c *Composite) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the Composite carried by ctx, if any.
func FromContext(ctx context.Context) (*Composite, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Composite)
	return c, ok
}

// Middleware attaches c to every request passing through.
func Middleware(c *Composite) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), c)))
		})
	}
}

// From returns the part of type T attached to r by Middleware. It panics when
// the middleware or the part is missing.
func From[T any](r *http.Request) T {
	c, _ := FromContext(r.Context())
	return Must[T](c)
}

// Lookup is the non-panicking form of From.
func Lookup[T any](r *http.Request) (T, bool) {
	c, _ := FromContext(r.Context())
	return Get[T](c)
}
