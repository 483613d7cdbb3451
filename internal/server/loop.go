package server

import (
	"context"
	"time"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orchestra-mcp/plugin-lsp-stdio/internal/fiber"
)

// Run starts the transport and drives the main loop until the transport
// closes or ctx is cancelled. The exit code is 0 when the client requested
// shutdown and 1 otherwise; cancellation also returns ctx's error once the
// in-flight tasks have drained. Run must be called once.
func (s *Server) Run(ctx context.Context) (int, error) {
	s.sched = fiber.NewScheduler(ctx, s.logger)
	s.channel.Start()

	g, gctx := errgroup.WithContext(ctx)
	loopDone := make(chan struct{})

	// Cancellation only asks the transport to stop; the loop then drains
	// like it does at end of input.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.logger.Debug("context cancelled, stopping transport")
			s.channel.RequestStop()
			return ctx.Err()
		case <-loopDone:
			return nil
		}
	})
	g.Go(func() error {
		defer close(loopDone)
		s.loop()
		s.drain()
		return nil
	})

	err := g.Wait()
	s.lifecycle.Terminate()
	if err != nil {
		s.logger.Info("lifecycle terminated by cancellation", zap.Error(err))
		return 1, err
	}
	if s.lifecycle.ShutdownRequested() {
		s.logger.Info("lifecycle terminated")
		return 0, nil
	}
	s.logger.Info("lifecycle terminated without shutdown request")
	return 1, nil
}

// loop runs ticks until the transport closes. Each tick admits every
// pending message as a task, runs one scheduler round and backs off while
// nothing makes progress.
func (s *Server) loop() {
	var bo iox.Backoff
	for !s.channel.IsClosed() {
		admitted := s.admitPending()

		before := s.sched.Size()
		s.sched.RunRound()
		progress := admitted > 0 || s.sched.Size() < before

		s.maintain()

		if progress {
			bo.Reset()
		} else {
			bo.Wait()
		}
	}
}

func (s *Server) admitPending() int {
	n := 0
	for s.channel.HasMessage() {
		msg := s.channel.NextMessage()
		if msg == nil {
			break
		}
		if _, err := s.sched.Admit(s.taskBody(msg), s.stackSize); err != nil {
			s.logger.Warn("dropping message", zap.String("method", msg.Method), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// drain keeps running rounds after the transport closed so in-flight tasks
// can finish, then closes the scheduler. Tasks still suspended at the
// deadline have their contexts cancelled.
func (s *Server) drain() {
	deadline := time.Now().Add(s.drainTimeout)
	var bo iox.Backoff
	for s.sched.Size() > 0 && time.Now().Before(deadline) {
		before := s.sched.Size()
		s.sched.RunRound()
		if s.sched.Size() < before {
			bo.Reset()
		} else {
			bo.Wait()
		}
	}
	if n := s.sched.Size(); n > 0 {
		s.logger.Warn("closing scheduler with suspended tasks", zap.Int("tasks", n))
	}
	s.sched.Close()
}

// maintain runs the maintenance hook at its configured cadence.
func (s *Server) maintain() {
	if s.maintenance == nil {
		return
	}
	s.sometimes.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("maintenance hook panicked", zap.Any("panic", r))
			}
		}()
		s.maintenance()
	})
}
