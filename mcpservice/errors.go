package mcpservice

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
)

// Error is a dispatch failure carried back to the client as a JSON-RPC error.
// Tool handlers may return one to control the code; any other error is
// reported with ErrorCodeServerError.
type Error struct {
	Code    jsonrpc.ErrorCode
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcpservice: %s (code %d)", e.Message, e.Code)
}

// Errorf builds a domain Error with ErrorCodeServerError.
func Errorf(format string, args ...any) *Error {
	return &Error{Code: jsonrpc.ErrorCodeServerError, Message: fmt.Sprintf(format, args...)}
}

// InvalidParamsf builds an Error with ErrorCodeInvalidParams.
func InvalidParamsf(format string, args ...any) *Error {
	return &Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func methodNotFound(method string) *Error {
	return &Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found: " + method}
}

func internalError(format string, args ...any) *Error {
	return &Error{Code: jsonrpc.ErrorCodeInternalError, Message: fmt.Sprintf(format, args...)}
}

// asError converts err into an *Error, defaulting to ErrorCodeServerError.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: jsonrpc.ErrorCodeServerError, Message: err.Error()}
}

func (e *Error) response(id *jsonrpc.RequestID) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, e.Code, e.Message, e.Data)
}
