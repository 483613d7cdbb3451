// Package rpc holds the JSON-RPC envelope types, the protocol error taxonomy
// and the method registry that maps method names to typed handlers.
package rpc

import (
	"encoding/json"

	"github.com/orchestra-mcp/sdk-go/protocol"
)

// Version is the JSON-RPC protocol version stamped on every outgoing envelope.
const Version = "2.0"

// Message is a decoded inbound request or notification. It is never mutated
// after the transport hands it over.
type Message = protocol.JSONRPCRequest

// Response is the reply to a request.
type Response = protocol.JSONRPCResponse

// nullResult makes a nil result serialize as an explicit "result": null,
// which LSP clients require for void requests such as shutdown.
var nullResult = json.RawMessage("null")

// IsRequest reports whether msg carries an id and therefore expects exactly
// one Response.
func IsRequest(msg *Message) bool {
	return msg.ID != nil
}

// NewResult builds a success response for msg.
func NewResult(msg *Message, result any) *Response {
	if result == nil {
		result = nullResult
	}
	return &Response{
		JSONRPC: Version,
		ID:      msg.ID,
		Result:  result,
	}
}

// NewErrorResponse builds an error response for msg. The error is mapped to a
// protocol error code with ResponseError.
func NewErrorResponse(msg *Message, err error) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      msg.ID,
		Error:   ResponseError(err),
	}
}

// Notification is a server-to-client notification envelope.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}
