package rpc

import (
	"errors"
	"fmt"

	"github.com/orchestra-mcp/sdk-go/protocol"
)

// LSP-specific error codes. The JSON-RPC standard codes come from
// protocol (ParseError, InvalidParams, MethodNotFound, InternalError).
const (
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestFailed        = -32803
	CodeRequestCancelled     = -32800
)

// Error is a protocol error a handler returns to choose the response code
// itself. Other errors surface as InternalError.
type Error protocol.JSONRPCError

// InvalidParams returns an *Error with the InvalidParams code.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: protocol.InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// RequestFailed returns an *Error with the LSP RequestFailed code, used when
// a syntactically valid request could not be served.
func RequestFailed(format string, args ...any) *Error {
	return &Error{Code: CodeRequestFailed, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// NotInitializedError is returned for requests received before the
// initialize handshake completed.
type NotInitializedError struct {
	Method string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("server not initialized: %s", e.Method)
}

// MethodNotFoundError is returned for requests without a registry entry.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s", e.Method)
}

// ParamsDecodeError reports a payload that cannot be converted to the
// handler's parameter type.
type ParamsDecodeError struct {
	Method string
	Err    error
}

func (e *ParamsDecodeError) Error() string {
	return fmt.Sprintf("invalid params for %s: %v", e.Method, e.Err)
}

func (e *ParamsDecodeError) Unwrap() error { return e.Err }

// HandlerFailure wraps any failure raised while a handler ran: a returned
// error or a recovered panic.
type HandlerFailure struct {
	Method string
	Err    error
	Panic  any
	Stack  []byte
}

func (e *HandlerFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("panic handling %s: %v", e.Method, e.Panic)
	}
	return fmt.Sprintf("error handling %s: %v", e.Method, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// ResponseError converts any error into the error object of a response.
// *Error keeps its code, the taxonomy errors map to their protocol codes and
// everything else becomes InternalError.
func ResponseError(err error) *protocol.JSONRPCError {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return (*protocol.JSONRPCError)(rpcErr)
	}

	var (
		notInit  *NotInitializedError
		notFound *MethodNotFoundError
	)
	switch {
	case errors.As(err, &notInit):
		return &protocol.JSONRPCError{Code: CodeServerNotInitialized, Message: err.Error()}
	case errors.As(err, &notFound):
		return &protocol.JSONRPCError{Code: protocol.MethodNotFound, Message: err.Error()}
	default:
		return &protocol.JSONRPCError{Code: protocol.InternalError, Message: err.Error()}
	}
}
