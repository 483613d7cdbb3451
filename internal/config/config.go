// Package config parses the command line of the language server. Flags win
// over LSP_* environment variables, which win over an optional env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/sdk-go/plugin"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/transport"
)

// WaitDelay is how long --wait holds back startup so a debugger can attach.
const WaitDelay = 4 * time.Second

// DefaultLang is used when --lang is absent or not a valid language code.
const DefaultLang = "en"

// Features a client may require the server to have.
var KnownRequired = []string{
	"completion",
	"hover",
	"definition",
	"references",
	"symbols",
	"formatting",
	"diagnostics",
	"commands",
}

// Features a client may announce it provides.
var KnownProvided = []string{
	"http",
	"context-snippets",
	"default-snippets",
	"async-ask-load",
}

// StartupConfigError reports a required feature this server does not know.
// It is fatal: the process exits before reading any message.
type StartupConfigError struct {
	Feature string
}

func (e *StartupConfigError) Error() string {
	return fmt.Sprintf("unknown required feature %q (known: %s)", e.Feature, strings.Join(KnownRequired, ", "))
}

// Config is the parsed command line.
type Config struct {
	Require     []string
	Provide     []string
	ShowVersion bool
	// Lang is the two-letter locale key.
	Lang             string
	Wait             bool
	LogLevel         zapcore.Level
	Framing          transport.Framing
	OrchestratorAddr string
	CertsDir         string
	EnvFile          string

	// Warnings collects non-fatal problems found while parsing, such as
	// unknown provided features. They are logged once a logger exists.
	Warnings []string
}

// Parse parses args (without the program name). getenv supplies LSP_*
// defaults; pass os.Getenv in production. A flag.ErrHelp error means help
// was printed to output.
func Parse(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("lsp-stdio", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Func("require", "require a server feature (repeatable): "+strings.Join(KnownRequired, ", "), func(v string) error {
		cfg.Require = append(cfg.Require, v)
		return nil
	})
	fs.Func("provide", "announce a client feature (repeatable): "+strings.Join(KnownProvided, ", "), func(v string) error {
		cfg.Provide = append(cfg.Provide, v)
		return nil
	})
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print the version and exit")
	fs.BoolVar(&cfg.Wait, "wait", false, fmt.Sprintf("wait %s before starting, for attaching a debugger", WaitDelay))
	lang := fs.String("lang", "", "language code for messages (first two characters are used)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	framing := fs.String("framing", "", "message framing: header or line")
	addr := fs.String("orchestrator-addr", "", "address of the orchestrator; empty runs without a backend")
	certsDir := fs.String("certs-dir", "", "directory for mTLS certificates")
	fs.StringVar(&cfg.EnvFile, "env-file", "", "load LSP_* defaults from this file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	env, err := newEnv(cfg.EnvFile, getenv)
	if err != nil {
		return nil, err
	}

	cfg.OrchestratorAddr = firstNonEmpty(*addr, env.get("LSP_ORCHESTRATOR_ADDR"))
	cfg.CertsDir = firstNonEmpty(*certsDir, env.get("LSP_CERTS_DIR"), plugin.DefaultCertsDir)

	cfg.LogLevel, err = parseLevel(firstNonEmpty(*logLevel, env.get("LSP_LOG_LEVEL")))
	if err != nil {
		return nil, err
	}
	cfg.Framing, err = transport.ParseFraming(firstNonEmpty(*framing, env.get("LSP_FRAMING")))
	if err != nil {
		return nil, err
	}

	var warn string
	cfg.Lang, warn = localeKey(firstNonEmpty(*lang, env.get("LSP_LANG")))
	if warn != "" {
		cfg.Warnings = append(cfg.Warnings, warn)
	}

	if err := cfg.validateFeatures(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validateFeatures() error {
	for _, f := range c.Require {
		if !slices.Contains(KnownRequired, f) {
			return &StartupConfigError{Feature: f}
		}
	}
	for _, f := range c.Provide {
		if !slices.Contains(KnownProvided, f) {
			c.Warnings = append(c.Warnings, fmt.Sprintf("unknown provided feature %q ignored", f))
		}
	}
	return nil
}

// localeKey reduces code to a two-letter language key. Invalid codes fall
// back to DefaultLang with a warning.
func localeKey(code string) (string, string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultLang, ""
	}
	key := strings.ToLower(code)
	if len(key) > 2 {
		key = key[:2]
	}
	tag, err := language.Parse(key)
	if err != nil {
		return DefaultLang, fmt.Sprintf("invalid language %q, using %q", code, DefaultLang)
	}
	base, _ := tag.Base()
	return base.String(), ""
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// env resolves LSP_* keys from the process environment first, then from the
// env file.
type env struct {
	getenv func(string) string
	file   map[string]string
}

func newEnv(path string, getenv func(string) string) (*env, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	e := &env{getenv: getenv}
	if path == "" {
		return e, nil
	}
	file, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	e.file = file
	return e, nil
}

func (e *env) get(key string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return e.file[key]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsHelp reports whether err is the flag package's help request.
func IsHelp(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}
