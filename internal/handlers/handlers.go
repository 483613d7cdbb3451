// Package handlers implements the language-server methods. Lifecycle and
// document-sync notifications are served locally; language features are
// forwarded to the analysis backend, with the calling task suspended until
// the backend answers.
package handlers

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/backend"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/fiber"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/server"
)

// ServerName is reported in the initialize result.
const ServerName = "lsp-stdio"

// Backend is the asynchronous analysis engine. *backend.Client implements it.
type Backend interface {
	Call(ctx context.Context, tool string, params any) *fiber.Future[any]
	ListTools(ctx context.Context) *fiber.Future[[]backend.Tool]
}

// Notifier sends server-to-client notifications.
type Notifier interface {
	Notify(method string, params any) error
}

// Options configures the handler set.
type Options struct {
	// Backend serves language features. Without one only lifecycle and
	// document-sync methods are registered.
	Backend   Backend
	Notifier  Notifier
	Lifecycle *server.Lifecycle
	// Features lists the enabled feature names (see config.KnownRequired).
	Features []string
	// Provided lists client features announced with --provide; they are
	// passed along to the backend.
	Provided []string
	Lang     string
	Version  string
	Logger   *zap.Logger
}

// Handlers is the set of method implementations sharing one document store.
type Handlers struct {
	backend   Backend
	notifier  Notifier
	lifecycle *server.Lifecycle
	features  []string
	provided  []string
	version   string
	logger    *zap.Logger

	docs *DocumentStore

	mu       sync.Mutex
	lang     string
	settings json.RawMessage
	commands []string
}

// New creates the handler set.
func New(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		backend:   opts.Backend,
		notifier:  opts.Notifier,
		lifecycle: opts.Lifecycle,
		features:  opts.Features,
		provided:  opts.Provided,
		version:   opts.Version,
		lang:      opts.Lang,
		logger:    logger,
		docs:      NewDocumentStore(),
	}
}

// Documents returns the open-document store.
func (h *Handlers) Documents() *DocumentStore { return h.docs }

// Settings returns the last workspace configuration pushed by the client.
func (h *Handlers) Settings() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

// enabled reports whether feature is served. Features need a backend.
func (h *Handlers) enabled(feature string) bool {
	return h.backend != nil && slices.Contains(h.features, feature)
}

// Initialize returns the handshake entry. The dispatcher runs it outside
// the registry.
func (h *Handlers) Initialize() rpc.Entry {
	return rpc.RequestEntry(server.MethodInitialize, h.initialize)
}

// Register adds every method this handler set serves to reg.
func (h *Handlers) Register(reg *rpc.Registry) {
	rpc.Notification0(reg, "initialized", h.initialized)
	rpc.Request0(reg, "shutdown", h.shutdown)
	rpc.Notification(reg, "$/cancelRequest", h.cancelRequest)

	rpc.Notification(reg, "textDocument/didOpen", h.didOpen)
	rpc.Notification(reg, "textDocument/didChange", h.didChange)
	rpc.Notification(reg, "textDocument/didClose", h.didClose)
	rpc.Notification(reg, "textDocument/didSave", h.didSave)
	rpc.Notification(reg, "workspace/didChangeConfiguration", h.didChangeConfiguration)

	h.registerFeatures(reg)
}

func (h *Handlers) initialize(ctx context.Context, p InitializeParams) (InitializeResult, error) {
	if len(p.Locale) >= 2 {
		h.mu.Lock()
		h.lang = p.Locale[:2]
		h.mu.Unlock()
	}

	fields := []zap.Field{zap.String("root", p.RootURI)}
	if p.ClientInfo != nil {
		fields = append(fields, zap.String("client", p.ClientInfo.Name), zap.String("client_version", p.ClientInfo.Version))
	}
	h.logger.Info("initialize", fields...)

	caps := h.capabilities()
	if h.enabled("commands") {
		tools, err := h.backend.ListTools(ctx).Await(ctx)
		if err != nil {
			// Commands are optional; the handshake still succeeds.
			h.logger.Warn("listing backend tools failed", zap.Error(err))
			h.logMessage(MessageWarning, "backend commands unavailable: "+err.Error())
		}
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		h.mu.Lock()
		h.commands = names
		h.mu.Unlock()
		caps.ExecuteCommandProvider = &ExecuteCommandOptions{Commands: names}
	}

	return InitializeResult{
		Capabilities: caps,
		ServerInfo:   ServerInfo{Name: ServerName, Version: h.version},
	}, nil
}

// capabilities advertises document sync plus every enabled feature.
func (h *Handlers) capabilities() ServerCapabilities {
	caps := ServerCapabilities{
		TextDocumentSync: TextDocumentSyncOptions{
			OpenClose: true,
			Change:    2,
			Save:      &SaveOptions{IncludeText: true},
		},
		HoverProvider:              h.enabled("hover"),
		DefinitionProvider:         h.enabled("definition"),
		ReferencesProvider:         h.enabled("references"),
		DocumentSymbolProvider:     h.enabled("symbols"),
		DocumentFormattingProvider: h.enabled("formatting"),
	}
	if h.enabled("completion") {
		caps.CompletionProvider = &CompletionOptions{TriggerCharacters: []string{"."}}
	}
	return caps
}

func (h *Handlers) initialized(ctx context.Context) error {
	h.logger.Info("client initialized", zap.Int("features", len(h.features)))
	return nil
}

func (h *Handlers) shutdown(ctx context.Context) (any, error) {
	if h.lifecycle != nil {
		h.lifecycle.RequestShutdown()
	}
	h.logger.Info("shutdown requested")
	return nil, nil
}

// cancelRequest is accepted so clients do not see it as unknown; in-flight
// tasks are not cancelled.
func (h *Handlers) cancelRequest(ctx context.Context, p CancelParams) error {
	h.logger.Debug("ignoring cancel request", zap.ByteString("id", p.ID))
	return nil
}

func (h *Handlers) didOpen(ctx context.Context, p DidOpenTextDocumentParams) error {
	if p.TextDocument.URI == "" {
		return rpc.InvalidParams("missing textDocument.uri")
	}
	h.docs.Open(p.TextDocument)
	h.scheduleDiagnostics(ctx, p.TextDocument.URI)
	return nil
}

func (h *Handlers) didChange(ctx context.Context, p DidChangeTextDocumentParams) error {
	return h.docs.Change(p.TextDocument, p.ContentChanges)
}

func (h *Handlers) didClose(ctx context.Context, p DidCloseTextDocumentParams) error {
	h.docs.Close(p.TextDocument.URI)
	if h.enabled("diagnostics") {
		// Clear diagnostics the editor still shows for the closed file.
		h.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
			URI:         p.TextDocument.URI,
			Diagnostics: []any{},
		})
	}
	return nil
}

func (h *Handlers) didSave(ctx context.Context, p DidSaveTextDocumentParams) error {
	h.docs.Save(p.TextDocument.URI, p.Text)
	h.scheduleDiagnostics(ctx, p.TextDocument.URI)
	return nil
}

func (h *Handlers) didChangeConfiguration(ctx context.Context, p DidChangeConfigurationParams) error {
	h.mu.Lock()
	h.settings = p.Settings
	h.mu.Unlock()
	h.logger.Debug("configuration changed", zap.Int("bytes", len(p.Settings)))
	return nil
}

func (h *Handlers) logMessage(typ int, msg string) {
	h.notify("window/logMessage", LogMessageParams{Type: typ, Message: msg})
}

func (h *Handlers) notify(method string, params any) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(method, params); err != nil {
		h.logger.Warn("notification failed", zap.String("method", method), zap.Error(err))
	}
}
