// Package lspstdio provides in-process embedding for the lsp.stdio language
// server: a JSON-RPC server on a reader/writer pair whose language features
// are answered by the orchestrator.
package lspstdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/backend"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/config"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/handlers"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/server"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/transport"
)

// Version is reported by --version and in the initialize result.
const Version = "0.4.0"

// Sender dispatches tool calls to the orchestrator. In production this is
// the in-process router or a QUIC client.
type Sender = backend.Sender

// Options configures an embedded server. The zero value serves
// Content-Length framed messages with every known feature enabled.
type Options struct {
	Framing transport.Framing
	// Features restricts the served language features. Nil enables all of
	// config.KnownRequired.
	Features []string
	// Required features are always served; they need a backend.
	Required []string
	// Provided lists client features passed along to the backend.
	Provided []string
	Lang     string
	// StackSize is the per-task stack budget; zero uses the default.
	StackSize int
	Logger    *zap.Logger
}

// Server wraps the internal server for public use.
type Server struct {
	srv      *server.Server
	channel  *transport.Channel
	handlers *handlers.Handlers
}

// ErrBackendRequired is returned by NewServer when required features are
// requested without a sender to serve them.
var ErrBackendRequired = errors.New("required features need a backend")

// NewServer creates a language server that reads requests from in and writes
// responses to out. A nil sender runs without a backend: only lifecycle and
// document-sync methods are served.
func NewServer(sender Sender, in io.Reader, out io.Writer, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil && len(opts.Required) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBackendRequired, strings.Join(opts.Required, ", "))
	}
	features := opts.Features
	if features == nil {
		features = slices.Clone(config.KnownRequired)
	}
	for _, f := range opts.Required {
		if !slices.Contains(features, f) {
			features = append(features, f)
		}
	}
	lang := opts.Lang
	if lang == "" {
		lang = config.DefaultLang
	}

	channel := transport.NewChannel(in, out, opts.Framing, logger.Named("transport"))
	var h *handlers.Handlers
	// Open buffers are released once; diagnostics still draining then find
	// no document and publish nothing.
	lifecycle := server.NewLifecycle(func() {
		n := h.Documents().Clear()
		logger.Info("released open documents", zap.Int("documents", n))
	})

	hopts := handlers.Options{
		Notifier:  channel,
		Lifecycle: lifecycle,
		Features:  features,
		Provided:  opts.Provided,
		Lang:      lang,
		Version:   Version,
		Logger:    logger.Named("handlers"),
	}
	if sender != nil {
		hopts.Backend = backend.NewClient(sender, logger.Named("backend"))
	}
	h = handlers.New(hopts)

	reg := rpc.NewRegistry()
	h.Register(reg)

	srv := server.New(channel, reg, server.Options{
		Initialize:  h.Initialize(),
		Lifecycle:   lifecycle,
		StackSize:   opts.StackSize,
		Maintenance: debug.FreeOSMemory,
		Logger:      logger,
	})
	return &Server{srv: srv, channel: channel, handlers: h}, nil
}

// Run serves messages until the client exits, the input ends or ctx is
// cancelled. The returned code is the process exit status: 0 when the
// client requested shutdown first, 1 otherwise.
func (s *Server) Run(ctx context.Context) (int, error) {
	return s.srv.Run(ctx)
}

// OpenDocuments returns the URIs of the documents the client has open.
func (s *Server) OpenDocuments() []string {
	return s.handlers.Documents().URIs()
}
