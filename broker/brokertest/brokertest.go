// Package brokertest holds the conformance suite every broker.Broker
// implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeFromNow", func(t *testing.T) {
		testSubscribeFromNow(t, factory)
	})
	t.Run("SubscribeFromBeginning", func(t *testing.T) {
		testSubscribeFromBeginning(t, factory)
	})
	t.Run("ResumeAfterEventID", func(t *testing.T) {
		testResumeAfterEventID(t, factory)
	})
	t.Run("OrderingPreserved", func(t *testing.T) {
		testOrderingPreserved(t, factory)
	})
	t.Run("EventNamePreserved", func(t *testing.T) {
		testEventNamePreserved(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("ContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("CloseEndsStream", func(t *testing.T) {
		testCloseEndsStream(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("InvalidCursor", func(t *testing.T) {
		testInvalidCursor(t, factory)
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPublish(t *testing.T, b broker.Broker, ctx context.Context, ns, event, data string) string {
	t.Helper()
	id, err := b.Publish(ctx, ns, event, []byte(data))
	if err != nil {
		t.Fatalf("Failed to publish %q: %v", data, err)
	}
	if id == "" {
		t.Fatal("Expected non-empty event ID")
	}
	return id
}

func mustSubscribe(t *testing.T, b broker.Broker, ctx context.Context, ns, after string) broker.MessageStream {
	t.Helper()
	s, err := b.Subscribe(ctx, ns, after)
	if err != nil {
		t.Fatalf("Failed to subscribe to %s after %q: %v", ns, after, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustNext(t *testing.T, s broker.MessageStream, ctx context.Context) broker.MessageEnvelope {
	t.Helper()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Failed to read next event: %v", err)
	}
	return env
}

// expectNothing asserts that no event arrives within a short window.
func expectNothing(t *testing.T, s broker.MessageStream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	env, err := s.Next(ctx)
	if err == nil {
		t.Fatalf("Expected no event, got id=%s data=%s", env.ID, env.Data)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func testSubscribeFromNow(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "from-now"

	mustPublish(t, b, ctx, ns, "", `{"n":1}`)

	s := mustSubscribe(t, b, ctx, ns, "")
	id2 := mustPublish(t, b, ctx, ns, "", `{"n":2}`)

	env := mustNext(t, s, ctx)
	if env.ID != id2 {
		t.Fatalf("Expected event ID %s, got %s", id2, env.ID)
	}
	if string(env.Data) != `{"n":2}` {
		t.Fatalf("Unexpected data %s", env.Data)
	}
	if env.Event != broker.DefaultEvent {
		t.Fatalf("Expected default event name %q, got %q", broker.DefaultEvent, env.Event)
	}
}

func testSubscribeFromBeginning(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "from-beginning"

	id1 := mustPublish(t, b, ctx, ns, "", `{"n":1}`)
	id2 := mustPublish(t, b, ctx, ns, "", `{"n":2}`)

	s := mustSubscribe(t, b, ctx, ns, broker.Beginning)
	if got := mustNext(t, s, ctx).ID; got != id1 {
		t.Fatalf("Expected first event %s, got %s", id1, got)
	}
	if got := mustNext(t, s, ctx).ID; got != id2 {
		t.Fatalf("Expected second event %s, got %s", id2, got)
	}
}

func testResumeAfterEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "resume"

	id1 := mustPublish(t, b, ctx, ns, "", `{"n":1}`)
	id2 := mustPublish(t, b, ctx, ns, "", `{"n":2}`)
	id3 := mustPublish(t, b, ctx, ns, "", `{"n":3}`)

	s := mustSubscribe(t, b, ctx, ns, id1)
	if got := mustNext(t, s, ctx).ID; got != id2 {
		t.Fatalf("Expected %s after %s, got %s", id2, id1, got)
	}
	if got := mustNext(t, s, ctx).ID; got != id3 {
		t.Fatalf("Expected %s, got %s", id3, got)
	}

	// Resuming from the tail yields only new events.
	tail := mustSubscribe(t, b, ctx, ns, id3)
	expectNothing(t, tail)
	id4 := mustPublish(t, b, ctx, ns, "", `{"n":4}`)
	if got := mustNext(t, tail, ctx).ID; got != id4 {
		t.Fatalf("Expected %s, got %s", id4, got)
	}
}

func testOrderingPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "ordering"
	const n = 50

	s := mustSubscribe(t, b, ctx, ns, "")

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, mustPublish(t, b, ctx, ns, "", fmt.Sprintf(`{"n":%d}`, i)))
	}

	for i := 0; i < n; i++ {
		env := mustNext(t, s, ctx)
		if env.ID != ids[i] {
			t.Fatalf("Event %d: expected ID %s, got %s", i, ids[i], env.ID)
		}
		if want := fmt.Sprintf(`{"n":%d}`, i); string(env.Data) != want {
			t.Fatalf("Event %d: expected %s, got %s", i, want, env.Data)
		}
	}
}

func testEventNamePreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "event-name"

	s := mustSubscribe(t, b, ctx, ns, "")
	mustPublish(t, b, ctx, ns, "ping", `{"jsonrpc":"2.0","method":"ping"}`)

	env := mustNext(t, s, ctx)
	if env.Event != "ping" {
		t.Fatalf("Expected event name ping, got %q", env.Event)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "fanout"

	s1 := mustSubscribe(t, b, ctx, ns, "")
	s2 := mustSubscribe(t, b, ctx, ns, "")

	var wg sync.WaitGroup
	got := make([]broker.MessageEnvelope, 2)
	errs := make([]error, 2)
	for i, s := range []broker.MessageStream{s1, s2} {
		wg.Add(1)
		go func(i int, s broker.MessageStream) {
			defer wg.Done()
			got[i], errs[i] = s.Next(ctx)
		}(i, s)
	}

	id := mustPublish(t, b, ctx, ns, "", `{"n":1}`)
	wg.Wait()

	for i := range got {
		if errs[i] != nil {
			t.Fatalf("Subscriber %d failed: %v", i, errs[i])
		}
		if got[i].ID != id {
			t.Fatalf("Subscriber %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)

	sa := mustSubscribe(t, b, ctx, "iso-a", "")
	sb := mustSubscribe(t, b, ctx, "iso-b", "")

	idA := mustPublish(t, b, ctx, "iso-a", "", `{"to":"a"}`)

	env := mustNext(t, sa, ctx)
	if env.ID != idA || string(env.Data) != `{"to":"a"}` {
		t.Fatalf("Namespace a got unexpected event %s %s", env.ID, env.Data)
	}
	expectNothing(t, sb)
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := "cancel"

	s := mustSubscribe(t, b, testCtx(t), ns, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func testCloseEndsStream(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "close"

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Expected io.EOF after Close, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := "cleanup"

	mustPublish(t, b, ctx, ns, "", `{"n":1}`)
	s := mustSubscribe(t, b, ctx, ns, "")

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Expected io.EOF after Cleanup, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Next did not return after Cleanup")
	}

	// Retained events are gone.
	fresh := mustSubscribe(t, b, ctx, ns, broker.Beginning)
	expectNothing(t, fresh)

	// Cleaning an unknown namespace is not an error.
	if err := b.Cleanup(ctx, "never-used"); err != nil {
		t.Fatalf("Cleanup of unknown namespace failed: %v", err)
	}
}

func testInvalidCursor(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)

	_, err := b.Subscribe(ctx, "invalid", "not-an-id")
	if !errors.Is(err, broker.ErrInvalidCursor) {
		t.Fatalf("Expected ErrInvalidCursor, got %v", err)
	}
}
