package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type counterService struct {
	value  int
	closed bool
}

func (c *counterService) Tools() []Tool {
	return []Tool{
		NewTool("increment", func(ctx context.Context, _ struct{}) (int, error) {
			c.value++
			return c.value, nil
		}),
		NewTool("add", func(ctx context.Context, a addArgs) (int, error) {
			return a.A + a.B, nil
		}, WithToolDescription("Add two integers")),
		NewTool("fail", func(ctx context.Context, _ struct{}) (string, error) {
			return "", errors.New("boom")
		}),
		NewTool("teapot", func(ctx context.Context, _ struct{}) (string, error) {
			return "", &Error{Code: 418, Message: "short and stout"}
		}),
		NewTool("explode", func(ctx context.Context, _ struct{}) (string, error) {
			panic("kaboom")
		}),
	}
}

func (c *counterService) Close() error {
	c.closed = true
	return nil
}

var _ io.Closer = (*counterService)(nil)

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = b
	}
	return req
}

func bindCounter() (*Instance, *counterService) {
	svc := &counterService{}
	return Bind(svc, mcp.ImplementationInfo{Name: "test", Version: "0.0.1"}), svc
}

func TestDirectMethodCall(t *testing.T) {
	in, _ := bindCounter()
	ctx := context.Background()

	res := in.Handle(ctx, request(t, 1, "increment", nil))
	require.Nil(t, res.Error)
	require.JSONEq(t, `1`, string(res.Result))
	require.Equal(t, "1", res.ID.String())

	res = in.Handle(ctx, request(t, "two", "increment", map[string]any{}))
	require.Nil(t, res.Error)
	require.JSONEq(t, `2`, string(res.Result))
	require.Equal(t, "two", res.ID.String())
}

func TestUnknownMethod(t *testing.T) {
	in, _ := bindCounter()

	res := in.Handle(context.Background(), request(t, 7, "nope", nil))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
	require.Equal(t, "7", res.ID.String())
}

func TestInvalidParams(t *testing.T) {
	in, _ := bindCounter()

	res := in.Handle(context.Background(), request(t, 1, "add", map[string]any{"a": 1, "c": 2}))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)

	res = in.Handle(context.Background(), request(t, 2, "add", map[string]any{"a": "x"}))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)
}

func TestDomainErrors(t *testing.T) {
	in, _ := bindCounter()

	res := in.Handle(context.Background(), request(t, 1, "fail", nil))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeServerError, res.Error.Code)
	require.Equal(t, "boom", res.Error.Message)

	res = in.Handle(context.Background(), request(t, 2, "teapot", nil))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCode(418), res.Error.Code)
}

func TestPanicIsRecovered(t *testing.T) {
	in, svc := bindCounter()

	res := in.Handle(context.Background(), request(t, 1, "explode", nil))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInternalError, res.Error.Code)

	// The instance keeps serving after a panic.
	res = in.Handle(context.Background(), request(t, 2, "increment", nil))
	require.Nil(t, res.Error)
	require.Equal(t, 1, svc.value)
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	in, svc := bindCounter()

	require.Nil(t, in.Handle(context.Background(), request(t, nil, "increment", nil)))
	require.Equal(t, 1, svc.value)

	require.Nil(t, in.Handle(context.Background(), request(t, nil, "nope", nil)))
	require.Nil(t, in.Handle(context.Background(), request(t, nil, "explode", nil)))
	require.Nil(t, in.Handle(context.Background(), request(t, nil, string(mcp.InitializedNotificationMethod), nil)))
}

func TestInitialize(t *testing.T) {
	in, _ := bindCounter()

	res := in.Handle(context.Background(), request(t, 1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "c", "version": "1"},
	}))
	require.Nil(t, res.Error)

	var ir mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &ir))
	require.Equal(t, "2025-03-26", ir.ProtocolVersion)
	require.Equal(t, "test", ir.ServerInfo.Name)
	require.NotNil(t, ir.Capabilities.Tools)

	res = in.Handle(context.Background(), request(t, 2, "initialize", nil))
	require.Nil(t, res.Error)
	require.NoError(t, json.Unmarshal(res.Result, &ir))
	require.Equal(t, mcp.LatestProtocolVersion, ir.ProtocolVersion)
}

func TestPing(t *testing.T) {
	in, _ := bindCounter()

	res := in.Handle(context.Background(), request(t, 1, "ping", nil))
	require.Nil(t, res.Error)
	require.JSONEq(t, `{}`, string(res.Result))
}

func TestToolsList(t *testing.T) {
	in, _ := bindCounter()

	res := in.Handle(context.Background(), request(t, 1, "tools/list", nil))
	require.Nil(t, res.Error)

	var lr mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(res.Result, &lr))
	require.Len(t, lr.Tools, 5)
	require.Equal(t, "increment", lr.Tools[0].Name)

	add := lr.Tools[1]
	require.Equal(t, "add", add.Name)
	require.Equal(t, "Add two integers", add.Description)
	require.Equal(t, "object", add.InputSchema.Type)
	require.Equal(t, "integer", add.InputSchema.Properties["a"].Type)
	require.ElementsMatch(t, []string{"a", "b"}, add.InputSchema.Required)
	require.False(t, add.InputSchema.AdditionalProperties)
}

func TestToolsCall(t *testing.T) {
	in, _ := bindCounter()
	ctx := context.Background()

	res := in.Handle(ctx, request(t, 1, "tools/call", map[string]any{
		"name":      "add",
		"arguments": map[string]any{"a": 2, "b": 3},
	}))
	require.Nil(t, res.Error)
	var cr mcp.CallToolResult
	require.NoError(t, json.Unmarshal(res.Result, &cr))
	require.False(t, cr.IsError)
	require.Len(t, cr.Content, 1)
	require.Equal(t, "5", cr.Content[0].Text)

	res = in.Handle(ctx, request(t, 2, "tools/call", map[string]any{"name": "fail"}))
	require.Nil(t, res.Error)
	cr = mcp.CallToolResult{}
	require.NoError(t, json.Unmarshal(res.Result, &cr))
	require.True(t, cr.IsError)
	require.Equal(t, "boom", cr.Content[0].Text)

	res = in.Handle(ctx, request(t, 3, "tools/call", map[string]any{"name": "missing"}))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)

	res = in.Handle(ctx, request(t, 4, "tools/call", map[string]any{"name": "add", "arguments": map[string]any{"z": 1}}))
	require.NotNil(t, res.Error)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)
}

func TestAllowAdditionalProperties(t *testing.T) {
	tool := NewTool("lenient", func(ctx context.Context, a addArgs) (int, error) {
		return a.A, nil
	}, WithAllowAdditionalProperties(true))
	require.True(t, tool.InputSchema.AdditionalProperties)

	v, err := tool.Handler(context.Background(), json.RawMessage(`{"a":4,"extra":true}`))
	require.NoError(t, err)
	require.Equal(t, 4, v)
}

func TestClose(t *testing.T) {
	in, svc := bindCounter()
	require.NoError(t, in.Close())
	require.True(t, svc.closed)

	plain := Bind(NewService(), mcp.ImplementationInfo{})
	require.NoError(t, plain.Close())
}

func TestFactoryFunc(t *testing.T) {
	var gotID string
	f := FactoryFunc(func(ctx context.Context, sessionID string) (Service, error) {
		gotID = sessionID
		return NewService(), nil
	})

	svc, err := f.NewService(context.Background(), "abc")
	require.NoError(t, err)
	require.Empty(t, svc.Tools())
	require.Equal(t, "abc", gotID)
}
