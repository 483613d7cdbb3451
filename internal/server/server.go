// Package server ties the transport, the method registry and the fiber
// scheduler together: it owns the protocol lifecycle, turns each inbound
// message into a task and drives the main loop.
package server

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/fiber"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// MethodInitialize and MethodExit are handled by the dispatcher itself;
// they never go through the registry while they carry lifecycle meaning.
const (
	MethodInitialize = "initialize"
	MethodExit       = "exit"
)

const (
	defaultMaintenanceInterval = 30 * time.Second
	defaultDrainTimeout        = 2 * time.Second
)

// Channel is the transport contract the main loop relies on. Only the loop
// calls HasMessage, NextMessage and IsClosed; Send and Notify may be called
// from any task.
type Channel interface {
	Start()
	HasMessage() bool
	NextMessage() *rpc.Message
	Send(resp *rpc.Response) error
	Notify(method string, params any) error
	IsClosed() bool
	RequestStop()
}

// Options configures a Server.
type Options struct {
	// Initialize handles the handshake request. It bypasses the registry.
	Initialize rpc.Entry
	// Lifecycle is shared with handlers that need to record a shutdown
	// request. A fresh one is created when nil.
	Lifecycle *Lifecycle
	// StackSize is the stack budget given to every dispatched task.
	StackSize int
	// Maintenance is a best-effort reclaim callback run at most once per
	// MaintenanceInterval. Its panics are logged and dropped.
	Maintenance         func()
	MaintenanceInterval time.Duration
	// DrainTimeout bounds how long tasks may keep running after the
	// transport closed before the scheduler is closed under them.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Server is the owned server context: lifecycle, registry, transport and the
// scheduler created by Run.
type Server struct {
	channel    Channel
	registry   *rpc.Registry
	initialize rpc.Entry
	lifecycle  *Lifecycle
	logger     *zap.Logger

	stackSize    int
	drainTimeout time.Duration
	maintenance  func()
	sometimes    rate.Sometimes

	sched *fiber.Scheduler
}

// New creates a server. The registry is sealed: no handler may be added once
// the server exists.
func New(channel Channel, registry *rpc.Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lc := opts.Lifecycle
	if lc == nil {
		lc = NewLifecycle(nil)
	}
	interval := opts.MaintenanceInterval
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	stack := opts.StackSize
	if stack <= 0 {
		stack = fiber.DefaultStackSize
	}
	registry.Seal()

	return &Server{
		channel:      channel,
		registry:     registry,
		initialize:   opts.Initialize,
		lifecycle:    lc,
		logger:       logger,
		stackSize:    stack,
		drainTimeout: drain,
		maintenance:  opts.Maintenance,
		sometimes:    rate.Sometimes{Interval: interval},
	}
}

// Lifecycle returns the server's lifecycle state machine.
func (s *Server) Lifecycle() *Lifecycle {
	return s.lifecycle
}
