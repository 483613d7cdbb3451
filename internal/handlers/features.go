package handlers

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/fiber"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// Backend tool names for forwarded features.
const (
	ToolCompletion     = "lsp.completion"
	ToolHover          = "lsp.hover"
	ToolDefinition     = "lsp.definition"
	ToolReferences     = "lsp.references"
	ToolDocumentSymbol = "lsp.document_symbol"
	ToolFormatting     = "lsp.formatting"
	ToolDiagnostics    = "lsp.diagnostics"
)

func (h *Handlers) registerFeatures(reg *rpc.Registry) {
	if h.enabled("completion") {
		rpc.Request(reg, "textDocument/completion", forward(h, ToolCompletion, func(p CompletionParams) string { return p.TextDocument.URI }))
	}
	if h.enabled("hover") {
		rpc.Request(reg, "textDocument/hover", forward(h, ToolHover, positionURI))
	}
	if h.enabled("definition") {
		rpc.Request(reg, "textDocument/definition", forward(h, ToolDefinition, positionURI))
	}
	if h.enabled("references") {
		rpc.Request(reg, "textDocument/references", forward(h, ToolReferences, func(p ReferenceParams) string { return p.TextDocument.URI }))
	}
	if h.enabled("symbols") {
		rpc.Request(reg, "textDocument/documentSymbol", forward(h, ToolDocumentSymbol, func(p DocumentSymbolParams) string { return p.TextDocument.URI }))
	}
	if h.enabled("formatting") {
		rpc.Request(reg, "textDocument/formatting", forward(h, ToolFormatting, func(p DocumentFormattingParams) string { return p.TextDocument.URI }))
	}
	if h.enabled("commands") {
		rpc.Request(reg, "workspace/executeCommand", h.executeCommand)
	}
}

func positionURI(p TextDocumentPositionParams) string { return p.TextDocument.URI }

// forward builds a handler that sends the request to a backend tool and
// suspends the task until the result arrives.
func forward[P any](h *Handlers, tool string, uri func(P) string) func(context.Context, P) (any, error) {
	return func(ctx context.Context, p P) (any, error) {
		u := uri(p)
		if u == "" {
			return nil, rpc.InvalidParams("missing textDocument.uri")
		}
		return h.backend.Call(ctx, tool, h.toolArgs(u, p)).Await(ctx)
	}
}

// toolArgs wraps request params with the document snapshot the backend
// needs to analyse unsaved buffers.
func (h *Handlers) toolArgs(uri string, params any) map[string]any {
	args := map[string]any{"params": params}
	if doc, ok := h.docs.Get(uri); ok {
		args["document"] = doc
	}
	h.mu.Lock()
	args["locale"] = h.lang
	h.mu.Unlock()
	if len(h.provided) > 0 {
		args["clientFeatures"] = h.provided
	}
	return args
}

func (h *Handlers) executeCommand(ctx context.Context, p ExecuteCommandParams) (any, error) {
	if p.Command == "" {
		return nil, rpc.InvalidParams("missing command")
	}
	h.mu.Lock()
	known := slices.Contains(h.commands, p.Command)
	h.mu.Unlock()
	if !known {
		return nil, rpc.InvalidParams("unknown command %q", p.Command)
	}
	return h.backend.Call(ctx, p.Command, map[string]any{"arguments": p.Arguments}).Await(ctx)
}

// scheduleDiagnostics spawns a background task that asks the backend for
// diagnostics of uri and publishes them.
func (h *Handlers) scheduleDiagnostics(ctx context.Context, uri string) {
	if !h.enabled("diagnostics") {
		return
	}
	if err := fiber.Go(ctx, func(ctx context.Context) { h.publishDiagnostics(ctx, uri) }); err != nil {
		h.logger.Warn("cannot schedule diagnostics", zap.String("uri", uri), zap.Error(err))
	}
}

func (h *Handlers) publishDiagnostics(ctx context.Context, uri string) {
	doc, ok := h.docs.Get(uri)
	if !ok {
		return
	}

	result, err := h.backend.Call(ctx, ToolDiagnostics, h.toolArgs(uri, nil)).Await(ctx)
	if err != nil {
		h.logger.Warn("diagnostics failed", zap.String("uri", uri), zap.Error(err))
		return
	}

	// Drop results computed for text the client has since changed or closed.
	current, ok := h.docs.Get(uri)
	if !ok || current.Version != doc.Version || current.Text != doc.Text {
		h.logger.Debug("discarding stale diagnostics", zap.String("uri", uri), zap.Int("version", doc.Version))
		return
	}

	diags, _ := result.([]any)
	if diags == nil {
		diags = []any{}
	}
	version := doc.Version
	h.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI:         uri,
		Version:     &version,
		Diagnostics: diags,
	})
}
