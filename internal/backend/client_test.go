package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	pluginv1 "github.com/orchestra-mcp/gen-go/orchestra/plugin/v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// mockSender implements the Sender interface for testing without QUIC.
type mockSender struct {
	sendFunc func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error)
}

func (m *mockSender) Send(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, req)
	}
	return nil, fmt.Errorf("mockSender: no sendFunc configured")
}

func toolCallResponse(req *pluginv1.PluginRequest, tr *pluginv1.ToolResponse) *pluginv1.PluginResponse {
	return &pluginv1.PluginResponse{
		RequestId: req.RequestId,
		Response:  &pluginv1.PluginResponse_ToolCall{ToolCall: tr},
	}
}

type hoverParams struct {
	TextDocument struct {
		URI string `json:"uri"`
	} `json:"textDocument"`
	Position struct {
		Line      int `json:"line"`
		Character int `json:"character"`
	} `json:"position"`
}

// --- Tests ---

func TestCallForwardsToolRequest(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			tc := req.GetToolCall()
			if tc == nil {
				return nil, fmt.Errorf("expected ToolCall request")
			}
			if tc.ToolName != "lsp.hover" {
				t.Errorf("tool name: got %q, want %q", tc.ToolName, "lsp.hover")
			}
			if tc.CallerPlugin != CallerPlugin {
				t.Errorf("caller_plugin: got %q, want %q", tc.CallerPlugin, CallerPlugin)
			}
			if !strings.HasPrefix(req.RequestId, "lsp-tc-") {
				t.Errorf("request id: got %q", req.RequestId)
			}

			doc := tc.Arguments.GetFields()["textDocument"].GetStructValue()
			if uri := doc.GetFields()["uri"].GetStringValue(); uri != "file:///app/main.d" {
				t.Errorf("argument uri: got %q", uri)
			}
			pos := tc.Arguments.GetFields()["position"].GetStructValue()
			if line := pos.GetFields()["line"].GetNumberValue(); line != 4 {
				t.Errorf("argument line: got %v", line)
			}

			result, _ := structpb.NewStruct(map[string]any{
				"result": map[string]any{"contents": "int main()"},
			})
			return toolCallResponse(req, &pluginv1.ToolResponse{Success: true, Result: result}), nil
		},
	}

	var params hoverParams
	params.TextDocument.URI = "file:///app/main.d"
	params.Position.Line = 4

	got, err := NewClient(sender, nil).Call(context.Background(), "lsp.hover", params).Await(context.Background())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["contents"] != "int main()" {
		t.Errorf("result: got %#v", got)
	}
}

func TestCallUnwrapsListResult(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			result, _ := structpb.NewStruct(map[string]any{
				"result": []any{map[string]any{"label": "writeln"}, map[string]any{"label": "writefln"}},
			})
			return toolCallResponse(req, &pluginv1.ToolResponse{Success: true, Result: result}), nil
		},
	}

	got, err := NewClient(sender, nil).Call(context.Background(), "lsp.completion", nil).Await(context.Background())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	items, ok := got.([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("result: got %#v", got)
	}
}

func TestCallNullResult(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			return toolCallResponse(req, &pluginv1.ToolResponse{Success: true}), nil
		},
	}

	got, err := NewClient(sender, nil).Call(context.Background(), "lsp.definition", nil).Await(context.Background())
	if err != nil || got != nil {
		t.Errorf("got %v, %v; want nil, nil", got, err)
	}
}

func TestCallToolError(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			return toolCallResponse(req, &pluginv1.ToolResponse{
				Success:      false,
				ErrorCode:    "tool_not_found",
				ErrorMessage: "tool \"lsp.hover\" not found",
			}), nil
		},
	}

	_, err := NewClient(sender, nil).Call(context.Background(), "lsp.hover", nil).Await(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if code := int(rpc.ResponseError(err).Code); code != rpc.CodeRequestFailed {
		t.Errorf("code: got %d, want %d", code, rpc.CodeRequestFailed)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("message: got %q", err.Error())
	}
}

func TestCallToolErrorWithoutMessage(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			return toolCallResponse(req, &pluginv1.ToolResponse{ErrorCode: "timeout"}), nil
		},
	}

	_, err := NewClient(sender, nil).Call(context.Background(), "lsp.hover", nil).Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "tool error: timeout") {
		t.Errorf("error: got %v", err)
	}
}

func TestCallNetworkError(t *testing.T) {
	netErr := errors.New("connection refused")
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			return nil, netErr
		},
	}

	_, err := NewClient(sender, nil).Call(context.Background(), "lsp.hover", nil).Await(context.Background())
	if !errors.Is(err, netErr) {
		t.Fatalf("error: got %v, want wrapped %v", err, netErr)
	}
	if code := int(rpc.ResponseError(err).Code); code == rpc.CodeRequestFailed {
		t.Error("transport failures should not look like tool failures")
	}
}

func TestCallUnexpectedResponse(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			return &pluginv1.PluginResponse{
				RequestId: req.RequestId,
				Response:  &pluginv1.PluginResponse_ListTools{ListTools: &pluginv1.ListToolsResponse{}},
			}, nil
		},
	}

	_, err := NewClient(sender, nil).Call(context.Background(), "lsp.hover", nil).Await(context.Background())
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("error: got %v, want %v", err, ErrUnexpectedResponse)
	}
}

func TestCallUnencodableParams(t *testing.T) {
	called := false
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			called = true
			return nil, nil
		},
	}

	f := NewClient(sender, nil).Call(context.Background(), "lsp.hover", map[string]any{"ch": make(chan int)})
	if !f.Ready() {
		t.Fatal("encoding failures should resolve immediately")
	}
	if _, err := f.Await(context.Background()); err == nil {
		t.Error("expected an encoding error")
	}
	if called {
		t.Error("sender must not be called with unencodable params")
	}
}

func TestListTools(t *testing.T) {
	schema, _ := structpb.NewStruct(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"uri": map[string]any{"type": "string"},
		},
	})

	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			if req.GetListTools() == nil {
				t.Error("expected ListTools request")
			}
			if !strings.HasPrefix(req.RequestId, "lsp-lt-") {
				t.Errorf("request id: got %q", req.RequestId)
			}
			return &pluginv1.PluginResponse{
				RequestId: req.RequestId,
				Response: &pluginv1.PluginResponse_ListTools{
					ListTools: &pluginv1.ListToolsResponse{
						Tools: []*pluginv1.ToolDefinition{
							{Name: "dub.build", Description: "Build the project", InputSchema: schema},
							{Name: "dub.test"},
						},
					},
				},
			}, nil
		},
	}

	tools, err := NewClient(sender, nil).ListTools(context.Background()).Await(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "dub.build" || tools[0].Description != "Build the project" {
		t.Errorf("tool: got %+v", tools[0])
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("inputSchema.type: got %v", tools[0].InputSchema["type"])
	}
	if tools[1].InputSchema != nil {
		t.Errorf("missing schema should stay nil, got %v", tools[1].InputSchema)
	}
}

func TestListToolsNetworkError(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, req *pluginv1.PluginRequest) (*pluginv1.PluginResponse, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}

	_, err := NewClient(sender, nil).ListTools(context.Background()).Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "list_tools failed") {
		t.Errorf("error: got %v", err)
	}
}
