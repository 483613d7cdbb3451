// Package backend talks to the analysis engine behind the language server.
// The engine is reached through the orchestrator as a set of tools; every
// call runs off the scheduler thread and hands back a fiber.Future so the
// calling task can suspend instead of blocking the main loop.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pluginv1 "github.com/orchestra-mcp/gen-go/orchestra/plugin/v1"
	"go.uber.org/zap"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/fiber"
)

// CallerPlugin identifies this server to the orchestrator.
const CallerPlugin = "lsp.stdio"

// ErrUnexpectedResponse is returned when the orchestrator answers with a
// response of the wrong type.
var ErrUnexpectedResponse = errors.New("unexpected response type from orchestrator")

// Sender abstracts the orchestrator client so the backend can be tested
// without a real network connection. In production this is backed by
// plugin.OrchestratorClient.
type Sender interface {
	Send(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error)
}

// Client issues asynchronous tool calls against the orchestrator.
type Client struct {
	sender Sender
	logger *zap.Logger
}

// NewClient returns a client sending through sender.
func NewClient(sender Sender, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{sender: sender, logger: logger}
}

// Call invokes tool with params converted to a protobuf Struct. The future
// resolves to the tool's result value, or to an error that already carries a
// protocol error code when the tool itself failed.
func (c *Client) Call(ctx context.Context, tool string, params any) *fiber.Future[any] {
	args, err := ParamsToStruct(params)
	if err != nil {
		return fiber.Resolved[any](nil, fmt.Errorf("encode arguments for %s: %w", tool, err))
	}
	reqID := requestID("tc")

	return fiber.Async(func() (any, error) {
		c.logger.Debug("backend call", zap.String("tool", tool), zap.String("request_id", reqID))
		resp, err := c.sender.Send(ctx, &pluginv1.PluginRequest{
			RequestId: reqID,
			Request: &pluginv1.PluginRequest_ToolCall{
				ToolCall: &pluginv1.ToolRequest{
					ToolName:     tool,
					Arguments:    args,
					CallerPlugin: CallerPlugin,
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator tool_call %s failed: %w", tool, err)
		}
		tc := resp.GetToolCall()
		if tc == nil {
			return nil, fmt.Errorf("tool_call %s: %w", tool, ErrUnexpectedResponse)
		}
		return resultFromProto(tool, tc)
	})
}

// ListTools asks the orchestrator for every registered tool.
func (c *Client) ListTools(ctx context.Context) *fiber.Future[[]Tool] {
	reqID := requestID("lt")

	return fiber.Async(func() ([]Tool, error) {
		resp, err := c.sender.Send(ctx, &pluginv1.PluginRequest{
			RequestId: reqID,
			Request: &pluginv1.PluginRequest_ListTools{
				ListTools: &pluginv1.ListToolsRequest{},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator list_tools failed: %w", err)
		}
		lt := resp.GetListTools()
		if lt == nil {
			return nil, fmt.Errorf("list_tools: %w", ErrUnexpectedResponse)
		}

		tools := make([]Tool, 0, len(lt.GetTools()))
		for _, td := range lt.GetTools() {
			tools = append(tools, toolFromProto(td))
		}
		return tools, nil
	})
}

func requestID(kind string) string {
	return fmt.Sprintf("lsp-%s-%s", kind, uuid.NewString())
}
