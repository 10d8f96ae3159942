package ssetransport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/jonboulle/clockwork"
)

// DefaultKeepAlive is the interval between pings on idle streams.
const DefaultKeepAlive = 15 * time.Second

// KeepAlive periodically pings every session that has a stream attached so
// intermediaries do not time out idle SSE connections.
type KeepAlive struct {
	reg      *sessions.Registry
	interval time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

func NewKeepAlive(reg *sessions.Registry, interval time.Duration, clock clockwork.Clock, log *slog.Logger) *KeepAlive {
	return &KeepAlive{reg: reg, interval: interval, clock: clock, log: log}
}

// Run ticks until ctx is done. A non-positive interval disables pings.
func (k *KeepAlive) Run(ctx context.Context) error {
	if k.interval <= 0 {
		return nil
	}

	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			k.Tick(ctx)
		}
	}
}

// Tick pings every attached session once and returns how many were pinged.
func (k *KeepAlive) Tick(ctx context.Context) int {
	pinged := 0
	k.reg.Range(func(s *sessions.Session) bool {
		if !s.Attached() {
			return true
		}
		if err := s.Ping(ctx); err != nil {
			if errors.Is(err, sessions.ErrSessionClosed) {
				return true
			}
			k.log.WarnContext(ctx, "keepalive.ping.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
			return true
		}
		pinged++
		return true
	})
	k.log.DebugContext(ctx, "keepalive.tick", slog.Int("pinged", pinged))
	return pinged
}
