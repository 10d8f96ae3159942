package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/ggoodman/mcp-sse-go/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(Config{
		Client:       client,
		KeyPrefix:    "test:",
		BlockTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestBrokerConformance(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		b, _ := newTestBroker(t)
		return b
	})
}

func TestPublishWritesPrefixedStream(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "sess-1", "", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !mr.Exists("test:stream:sess-1") {
		t.Fatalf("expected stream key test:stream:sess-1, have %v", mr.Keys())
	}

	if err := b.Cleanup(ctx, "sess-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if mr.Exists("test:stream:sess-1") {
		t.Fatal("expected stream key to be deleted by Cleanup")
	}
}

func TestSubscribeFromNowOnEmptyStream(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := b.Subscribe(ctx, "empty", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	id, err := b.Publish(ctx, "empty", "", []byte(`{"first":true}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.ID != id {
		t.Fatalf("expected %s, got %s", id, env.ID)
	}
}

func TestValidStreamID(t *testing.T) {
	for id, want := range map[string]bool{
		"0":               true,
		"1700000000000-0": true,
		"1700000000000":   true,
		"":                false,
		"abc":             false,
		"1-x":             false,
	} {
		if got := validStreamID(id); got != want {
			t.Errorf("validStreamID(%q) = %v, want %v", id, got, want)
		}
	}
}
