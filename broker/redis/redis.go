// Package redis implements broker.Broker on Redis Streams so several server
// replicas can share session event logs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix is prepended to every stream key.
	DefaultKeyPrefix = "mcp:sse:"
	// DefaultMaxLen approximately caps each namespace stream.
	DefaultMaxLen = 1024
	// DefaultBlockTimeout bounds a single XREAD so stream closure is noticed.
	DefaultBlockTimeout = time.Second

	fieldEvent = "e"
	fieldData  = "d"
)

var _ broker.Broker = (*Broker)(nil)

// Broker is a Redis Streams backed broker.Broker. Event IDs are the stream
// entry IDs Redis assigns.
type Broker struct {
	client       redis.UniversalClient
	keyPrefix    string
	maxLen       int64
	blockTimeout time.Duration

	mu      sync.Mutex
	streams map[string]map[*stream]struct{}
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	// MaxLen defaults to DefaultMaxLen.
	MaxLen int64
	// BlockTimeout defaults to DefaultBlockTimeout.
	BlockTimeout time.Duration
}

// New creates a new Redis-based broker instance.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = DefaultBlockTimeout
	}

	return &Broker{
		client:       client,
		keyPrefix:    keyPrefix,
		maxLen:       maxLen,
		blockTimeout: block,
		streams:      make(map[string]map[*stream]struct{}),
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish appends the event with XADD.
func (b *Broker) Publish(ctx context.Context, namespace string, event string, data []byte) (string, error) {
	if event == "" {
		event = broker.DefaultEvent
	}

	key := b.streamKey(namespace)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldEvent: event,
			fieldData:  data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", key, err)
	}

	return id, nil
}

// Subscribe opens a stream positioned after the given cursor. An empty cursor
// is pinned to the current last entry up front rather than using "$", so
// events published between Subscribe and the first Next are not missed.
func (b *Broker) Subscribe(ctx context.Context, namespace string, after string) (broker.MessageStream, error) {
	key := b.streamKey(namespace)

	cursor := after
	switch after {
	case "":
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read tail of stream %s: %w", key, err)
		}
		cursor = broker.Beginning
		if len(last) > 0 {
			cursor = last[0].ID
		}
	default:
		if !validStreamID(after) {
			return nil, fmt.Errorf("%w: %q", broker.ErrInvalidCursor, after)
		}
	}

	s := &stream{
		b:         b,
		namespace: namespace,
		key:       key,
		cursor:    cursor,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.streams[namespace]
	if !ok {
		set = make(map[*stream]struct{})
		b.streams[namespace] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// Cleanup deletes the namespace's stream key and ends streams opened through
// this Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	b.mu.Lock()
	set := b.streams[namespace]
	delete(b.streams, namespace)
	b.mu.Unlock()

	for s := range set {
		s.terminate()
	}

	key := b.streamKey(namespace)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) forget(s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.streams[s.namespace]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.streams, s.namespace)
		}
	}
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

// validStreamID accepts "<ms>" or "<ms>-<seq>".
func validStreamID(id string) bool {
	ms, seq, hasSeq := strings.Cut(id, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if hasSeq {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return false
		}
	}
	return true
}

type stream struct {
	b         *Broker
	namespace string
	key       string
	cursor    string

	once sync.Once
	done chan struct{}
}

func (s *stream) terminate() {
	s.once.Do(func() { close(s.done) })
}

func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		select {
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		case <-ctx.Done():
			return broker.MessageEnvelope{}, ctx.Err()
		default:
		}

		res, err := s.b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.cursor},
			Count:   1,
			Block:   s.b.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return broker.MessageEnvelope{}, ctxErr
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}

		for _, xs := range res {
			for _, msg := range xs.Messages {
				s.cursor = msg.ID

				env, ok := decode(msg)
				if !ok {
					// Skip malformed entries; the cursor has already moved past them.
					continue
				}

				select {
				case <-s.done:
					return broker.MessageEnvelope{}, io.EOF
				default:
				}
				return env, nil
			}
		}
	}
}

func (s *stream) Close() error {
	s.terminate()
	s.b.forget(s)
	return nil
}

func decode(msg redis.XMessage) (broker.MessageEnvelope, bool) {
	data, ok := stringValue(msg.Values[fieldData])
	if !ok {
		return broker.MessageEnvelope{}, false
	}
	event, _ := stringValue(msg.Values[fieldEvent])
	if event == "" {
		event = broker.DefaultEvent
	}
	return broker.MessageEnvelope{ID: msg.ID, Event: event, Data: []byte(data)}, true
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}
