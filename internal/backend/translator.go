package backend

import (
	"encoding/json"
	"fmt"

	pluginv1 "github.com/orchestra-mcp/gen-go/orchestra/plugin/v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// Tool is a backend capability advertised to the editor, typically as an
// executable command.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// toolFromProto converts a protobuf ToolDefinition. The InputSchema (a
// protobuf Struct) becomes a native map so it serializes as a JSON object.
func toolFromProto(td *pluginv1.ToolDefinition) Tool {
	return Tool{
		Name:        td.GetName(),
		Description: td.GetDescription(),
		InputSchema: StructToMap(td.GetInputSchema()),
	}
}

// resultFromProto converts a ToolResponse into the value sent back to the
// editor. A failed tool call becomes a RequestFailed protocol error.
//
// Tools answer with {"result": <any JSON value>} so that arrays and null can
// travel through a Struct; any other shape is returned as a whole object.
func resultFromProto(tool string, resp *pluginv1.ToolResponse) (any, error) {
	if !resp.GetSuccess() {
		msg := resp.GetErrorMessage()
		if msg == "" {
			msg = fmt.Sprintf("tool error: %s", resp.GetErrorCode())
		}
		return nil, rpc.RequestFailed("%s: %s", tool, msg)
	}

	s := resp.GetResult()
	if s == nil {
		return nil, nil
	}
	if v, ok := s.GetFields()["result"]; ok {
		return valueToInterface(v), nil
	}
	return StructToMap(s), nil
}

// ParamsToStruct converts arbitrary JSON-serializable params (typically a
// decoded LSP params struct) to a protobuf Struct. Params that do not encode
// to a JSON object are wrapped as {"params": value}.
func ParamsToStruct(params any) (*structpb.Struct, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		m = map[string]any{"params": v}
	}
	if m == nil {
		return nil, nil
	}
	return MapToStruct(m)
}

// StructToMap converts a protobuf Struct to a native Go map[string]any.
// This allows the value to serialize as a proper JSON object rather than the
// protobuf JSON representation.
func StructToMap(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	result := make(map[string]any, len(s.GetFields()))
	for k, v := range s.GetFields() {
		result[k] = valueToInterface(v)
	}
	return result
}

// MapToStruct converts a native Go map to a protobuf Struct. Returns an error
// if the map contains types that cannot be represented in protobuf.
func MapToStruct(m map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(m)
}

// valueToInterface converts a protobuf Value to a native Go value.
func valueToInterface(v *structpb.Value) any {
	if v == nil {
		return nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil
	case *structpb.Value_NumberValue:
		return k.NumberValue
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_StructValue:
		return StructToMap(k.StructValue)
	case *structpb.Value_ListValue:
		if k.ListValue == nil {
			return nil
		}
		items := make([]any, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			items[i] = valueToInterface(item)
		}
		return items
	default:
		return nil
	}
}
