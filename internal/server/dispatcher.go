package server

import (
	"context"
	"errors"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/fiber"
	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/rpc"
)

// taskBody returns the body of the task that handles msg.
func (s *Server) taskBody(msg *rpc.Message) fiber.Body {
	return func(ctx context.Context) {
		s.dispatch(ctx, msg)
	}
}

// dispatch routes one message. A request always gets exactly one response;
// a notification never gets one.
func (s *Server) dispatch(ctx context.Context, msg *rpc.Message) {
	if rpc.IsRequest(msg) {
		if msg.Method == MethodInitialize && s.lifecycle.ClaimInitialize() {
			s.handshake(ctx, msg)
			return
		}
		s.dispatchRequest(ctx, msg)
		return
	}
	s.dispatchNotification(ctx, msg)
}

func (s *Server) handshake(ctx context.Context, msg *rpc.Message) {
	if s.initialize.Invoke == nil {
		s.lifecycle.FinishInitialize(true)
		s.logger.Info("lifecycle initialized")
		s.reply(msg, rpc.NewResult(msg, nil))
		return
	}

	result, err := s.invoke(ctx, &s.initialize, msg)
	if err != nil {
		s.lifecycle.FinishInitialize(false)
		s.logFailure(msg, err)
		s.reply(msg, rpc.NewErrorResponse(msg, err))
		return
	}
	s.lifecycle.FinishInitialize(true)
	s.logger.Info("lifecycle initialized")
	s.reply(msg, rpc.NewResult(msg, result))
}

func (s *Server) dispatchRequest(ctx context.Context, msg *rpc.Message) {
	if s.lifecycle.State() != Initialized {
		s.logger.Debug("request before initialize", zap.String("method", msg.Method), zap.Any("id", msg.ID))
		s.reply(msg, rpc.NewErrorResponse(msg, &rpc.NotInitializedError{Method: msg.Method}))
		return
	}

	e, ok := s.registry.Lookup(msg.Method)
	if !ok || e.Kind != rpc.KindRequest {
		s.logger.Debug("method not found", zap.String("method", msg.Method), zap.Any("id", msg.ID))
		s.reply(msg, rpc.NewErrorResponse(msg, &rpc.MethodNotFoundError{Method: msg.Method}))
		return
	}

	result, err := s.invoke(ctx, e, msg)
	if err != nil {
		s.logFailure(msg, err)
		s.reply(msg, rpc.NewErrorResponse(msg, err))
		return
	}
	s.reply(msg, rpc.NewResult(msg, result))
}

func (s *Server) dispatchNotification(ctx context.Context, msg *rpc.Message) {
	// Exit is honoured in every state.
	if msg.Method == MethodExit || s.lifecycle.ShutdownRequested() {
		s.shutdown(msg.Method)
		return
	}
	if s.lifecycle.State() != Initialized {
		s.logger.Debug("dropping notification before initialize", zap.String("method", msg.Method))
		return
	}

	e, ok := s.registry.Lookup(msg.Method)
	if !ok {
		s.logger.Debug("ignoring unknown notification", zap.String("method", msg.Method))
		return
	}
	// A request handler invoked as a notification runs with its result
	// discarded.
	if _, err := s.invoke(ctx, e, msg); err != nil {
		s.logFailure(msg, err)
	}
}

// shutdown stops the transport and fires the shutdown hook once.
func (s *Server) shutdown(trigger string) {
	s.channel.RequestStop()
	if s.lifecycle.BeginShutdown() {
		s.logger.Info("lifecycle shutting down",
			zap.String("trigger", trigger),
			zap.Bool("shutdown_requested", s.lifecycle.ShutdownRequested()),
		)
	}
}

// invoke decodes params and runs the handler inside the task's error
// boundary. Every failure, panics included, comes back as an error.
func (s *Server) invoke(ctx context.Context, e *rpc.Entry, msg *rpc.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &rpc.HandlerFailure{Method: msg.Method, Panic: r, Stack: debug.Stack()}
		}
	}()

	params, err := e.Decode(msg.Params)
	if err != nil {
		return nil, err
	}
	result, err = e.Invoke(ctx, params)
	if err != nil {
		return nil, &rpc.HandlerFailure{Method: msg.Method, Err: err}
	}
	return result, nil
}

func (s *Server) reply(msg *rpc.Message, resp *rpc.Response) {
	if err := s.channel.Send(resp); err != nil {
		s.logger.Warn("failed to send response",
			zap.String("method", msg.Method),
			zap.Any("id", msg.ID),
			zap.Error(err),
		)
	}
}

func (s *Server) logFailure(msg *rpc.Message, err error) {
	fields := []zap.Field{zap.String("method", msg.Method), zap.Error(err)}
	if rpc.IsRequest(msg) {
		fields = append(fields, zap.Any("id", msg.ID))
	}

	var failure *rpc.HandlerFailure
	if errors.As(err, &failure) && failure.Panic != nil {
		fields = append(fields, zap.Any("panic", failure.Panic), zap.ByteString("stack", failure.Stack))
		s.logger.Error("handler panicked", fields...)
		return
	}
	var decodeErr *rpc.ParamsDecodeError
	if errors.As(err, &decodeErr) {
		s.logger.Warn("invalid params", fields...)
		return
	}
	s.logger.Error("handler failed", fields...)
}
