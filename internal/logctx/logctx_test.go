package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", StreamGeneration: 2})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "increment", ID: "7", Type: "request"})
	log.InfoContext(ctx, "session.dispatch.ok")

	var rec struct {
		Req  map[string]any `json:"req"`
		Sess map[string]any `json:"sess"`
		RPC  map[string]any `json:"rpc"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "r1", rec.Req["id"])
	require.Equal(t, "/mcp", rec.Req["path"])
	require.Equal(t, "s1", rec.Sess["id"])
	require.Equal(t, float64(2), rec.Sess["stream_gen"])
	require.Equal(t, "increment", rec.RPC["method"])
}

func TestHandlerOmitsZeroGeneration(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	log.InfoContext(WithSessionData(context.Background(), &SessionData{SessionID: "s1"}), "x")
	require.NotContains(t, buf.String(), "stream_gen")
	require.Contains(t, buf.String(), `"sess":{"id":"s1"}`)
}

func TestWrapIsIdempotent(t *testing.T) {
	l := Wrap(slog.Default())
	require.Same(t, l, Wrap(l))
	require.NotNil(t, Wrap(nil))
}
