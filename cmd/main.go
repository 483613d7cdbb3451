// Command lsp-stdio is the entry point for the lsp.stdio plugin. It serves
// the Language Server Protocol on stdin/stdout and forwards language
// features to tools registered with the Orchestra orchestrator over QUIC.
// Without --orchestrator-addr it only tracks documents.
//
// Usage:
//
//	lsp-stdio --orchestrator-addr localhost:9100 --certs-dir ~/.orchestra/certs
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/sdk-go/plugin"
	"go.uber.org/zap"

	lspstdio "github.com/orchestra-mcp/plugin-lsp-stdio"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/config"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if config.IsHelp(err) {
			return 0
		}
		// Unknown required features and invalid flags abort before any
		// message is read.
		fmt.Fprintf(os.Stderr, "lsp.stdio: %v\n", err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Println(lspstdio.Version)
		return 0
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsp.stdio: logger: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if cfg.Wait {
		logger.Info("waiting before start", zap.Duration("delay", config.WaitDelay))
		time.Sleep(config.WaitDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var sender lspstdio.Sender
	if cfg.OrchestratorAddr != "" {
		// Resolve the certs directory (expand ~ if present).
		certsDir := plugin.ResolveCertsDir(cfg.CertsDir)

		clientTLS, err := plugin.ClientTLSConfig(certsDir, "lsp.stdio-client")
		if err != nil {
			logger.Error("client TLS config", zap.Error(err))
			return 1
		}

		client, err := plugin.NewOrchestratorClient(ctx, cfg.OrchestratorAddr, clientTLS)
		if err != nil {
			logger.Error("connect to orchestrator", zap.String("addr", cfg.OrchestratorAddr), zap.Error(err))
			return 1
		}
		defer client.Close()

		logger.Info("connected to orchestrator", zap.String("addr", cfg.OrchestratorAddr))
		sender = client
	}

	srv, err := lspstdio.NewServer(sender, os.Stdin, os.Stdout, lspstdio.Options{
		Framing:  cfg.Framing,
		Required: cfg.Require,
		Provided: cfg.Provide,
		Lang:     cfg.Lang,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("pass --orchestrator-addr", zap.Error(err))
		return 1
	}
	code, err := srv.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("interrupted")
	case err != nil:
		logger.Error("server stopped", zap.Error(err))
	}
	logger.Info("exiting", zap.Int("code", code))
	return code
}
