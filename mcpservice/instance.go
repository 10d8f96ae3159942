package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/mcp"
)

// Instance is a Service bound to one session. It indexes the service's tools
// once and answers JSON-RPC requests against them. An Instance is not safe for
// concurrent Handle calls; the session dispatch loop serializes them.
type Instance struct {
	svc   Service
	info  mcp.ImplementationInfo
	tools map[string]Tool
	list  []mcp.Tool
}

// Bind indexes svc for dispatch. Later tools win on duplicate names.
func Bind(svc Service, info mcp.ImplementationInfo) *Instance {
	in := &Instance{
		svc:   svc,
		info:  info,
		tools: make(map[string]Tool),
	}
	for _, t := range svc.Tools() {
		if _, dup := in.tools[t.Name]; !dup {
			in.list = append(in.list, mcp.Tool{Name: t.Name})
		}
		in.tools[t.Name] = t
	}
	for i := range in.list {
		in.list[i] = in.tools[in.list[i].Name].Descriptor()
	}
	return in
}

// Service returns the bound service.
func (in *Instance) Service() Service { return in.svc }

// Close releases the service if it implements io.Closer.
func (in *Instance) Close() error {
	return closeService(in.svc)
}

// Handle dispatches req and returns the response to publish, or nil for
// notifications. Panics raised by tools are recovered into internal errors.
func (in *Instance) Handle(ctx context.Context, req *jsonrpc.Request) (res *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			res = internalError("panic in %s: %v", req.Method, r).response(req.ID)
		}
		if req.IsNotification() {
			res = nil
		}
	}()

	result, err := in.dispatch(ctx, req)
	if err != nil {
		return asError(err).response(req.ID)
	}

	res, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return internalError("encode result: %v", err).response(req.ID)
	}
	return res
}

func (in *Instance) dispatch(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return in.initialize(req.Params)
	case mcp.PingMethod:
		return struct{}{}, nil
	case mcp.ToolsListMethod:
		return mcp.ListToolsResult{Tools: in.listTools()}, nil
	case mcp.ToolsCallMethod:
		return in.callTool(ctx, req.Params)
	case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
		return struct{}{}, nil
	}

	t, ok := in.tools[req.Method]
	if !ok || t.Handler == nil {
		return nil, methodNotFound(req.Method)
	}
	return t.Handler(ctx, req.Params)
}

func (in *Instance) listTools() []mcp.Tool {
	out := make([]mcp.Tool, len(in.list))
	copy(out, in.list)
	return out
}

func (in *Instance) initialize(params json.RawMessage) (*mcp.InitializeResult, error) {
	var ir mcp.InitializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &ir); err != nil {
			return nil, InvalidParamsf("invalid initialize params: %v", err)
		}
	}
	version := ir.ProtocolVersion
	if version == "" {
		version = mcp.LatestProtocolVersion
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      in.info,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	return res, nil
}

// callTool runs a tool for tools/call. Tool failures become isError results;
// only malformed requests are reported as protocol errors.
func (in *Instance) callTool(ctx context.Context, params json.RawMessage) (*mcp.CallToolResult, error) {
	var call mcp.CallToolRequestReceived
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, InvalidParamsf("invalid tools/call params: %v", err)
	}
	if call.Name == "" {
		return nil, InvalidParamsf("tools/call requires a tool name")
	}
	t, ok := in.tools[call.Name]
	if !ok || t.Handler == nil {
		return nil, InvalidParamsf("unknown tool: %s", call.Name)
	}

	v, err := t.Handler(ctx, call.Arguments)
	if err != nil {
		if e := asError(err); e.Code == jsonrpc.ErrorCodeInvalidParams {
			return nil, e
		}
		return ErrorResult(err.Error()), nil
	}

	res, err := TextResult(v)
	if err != nil {
		return nil, internalError("%v", err)
	}
	return res, nil
}

// TextResult renders v as a single text content block. Strings are used as-is,
// other values are JSON encoded and also attached as structured content.
func TextResult(v any) (*mcp.CallToolResult, error) {
	if s, ok := v.(string); ok {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: "text", Text: string(b)}},
		StructuredContent: structured(b),
	}, nil
}

// ErrorResult returns an isError tool result with one text block.
func ErrorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}

// structured returns b decoded as an object, or nil when it is not one.
func structured(b []byte) any {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil
	}
	return m
}
