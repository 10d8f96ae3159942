// Package memory provides an in-process implementation of broker.Broker.
//
// Events are kept in an ordered slice per namespace and capped at a retention
// limit. Publishing never blocks on slow subscribers and never drops an event
// that is still retained: each stream keeps its own cursor and reads from the
// shared log, waking when a publish closes the namespace's notify channel.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-sse-go/broker"
)

// DefaultRetention is the number of events kept per namespace.
const DefaultRetention = 1024

var _ broker.Broker = (*Broker)(nil)

// Broker is an in-memory broker.Broker. The zero value is not usable; call New.
type Broker struct {
	retention int
	seq       atomic.Uint64

	mu         sync.Mutex
	namespaces map[string]*namespace
}

// Option configures a Broker.
type Option func(*Broker)

// WithRetention caps the number of events kept per namespace. Values below 1
// are ignored.
func WithRetention(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.retention = n
		}
	}
}

// New creates an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		retention:  DefaultRetention,
		namespaces: make(map[string]*namespace),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type entry struct {
	seq uint64
	env broker.MessageEnvelope
}

type namespace struct {
	mu      sync.Mutex
	entries []entry
	last    uint64
	notify  chan struct{}
	closed  bool
}

func newNamespace() *namespace {
	return &namespace{notify: make(chan struct{})}
}

// wake releases every waiter. Callers hold ns.mu.
func (ns *namespace) wake() {
	close(ns.notify)
	ns.notify = make(chan struct{})
}

func (b *Broker) getOrCreate(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns, ok := b.namespaces[name]
	if !ok {
		ns = newNamespace()
		b.namespaces[name] = ns
	}
	return ns
}

// Publish appends an event to the namespace.
func (b *Broker) Publish(ctx context.Context, name string, event string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if event == "" {
		event = broker.DefaultEvent
	}

	ns := b.getOrCreate(name)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	// Sequence numbers are drawn under the namespace lock so they stay ordered
	// within a namespace even though the counter is shared.
	seq := b.seq.Add(1)
	id := strconv.FormatUint(seq, 10)

	ns.entries = append(ns.entries, entry{
		seq: seq,
		env: broker.MessageEnvelope{
			ID:    id,
			Event: event,
			Data:  append([]byte(nil), data...),
		},
	})
	ns.last = seq
	if over := len(ns.entries) - b.retention; over > 0 {
		ns.entries = append(ns.entries[:0:0], ns.entries[over:]...)
	}
	ns.wake()

	return id, nil
}

// Subscribe opens a stream positioned after the given cursor.
func (b *Broker) Subscribe(ctx context.Context, name string, after string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns := b.getOrCreate(name)

	var cursor uint64
	switch after {
	case "":
		ns.mu.Lock()
		cursor = ns.last
		ns.mu.Unlock()
	default:
		n, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", broker.ErrInvalidCursor, after)
		}
		cursor = n
	}

	return &stream{ns: ns, cursor: cursor, done: make(chan struct{})}, nil
}

// Cleanup drops the namespace's events and ends its open streams.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	b.mu.Lock()
	ns, ok := b.namespaces[name]
	delete(b.namespaces, name)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	ns.mu.Lock()
	ns.closed = true
	ns.entries = nil
	ns.wake()
	ns.mu.Unlock()

	return nil
}

type stream struct {
	ns     *namespace
	cursor uint64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		select {
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		default:
		}

		s.ns.mu.Lock()
		if s.ns.closed {
			s.ns.mu.Unlock()
			return broker.MessageEnvelope{}, io.EOF
		}

		entries := s.ns.entries
		i := sort.Search(len(entries), func(i int) bool { return entries[i].seq > s.cursor })
		if i < len(entries) {
			e := entries[i]
			s.cursor = e.seq
			s.ns.mu.Unlock()
			return e.env, nil
		}

		wait := s.ns.notify
		s.ns.mu.Unlock()

		select {
		case <-wait:
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		case <-ctx.Done():
			return broker.MessageEnvelope{}, ctx.Err()
		}
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
