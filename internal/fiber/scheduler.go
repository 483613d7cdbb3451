package fiber

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Admit once the scheduler has been closed.
var ErrClosed = errors.New("fiber: scheduler closed")

// InvariantError reports corrupted scheduler bookkeeping, such as resuming a
// terminated task or reaping one twice. It is raised with panic and is never
// recovered.
type InvariantError struct {
	Op    string
	Task  uuid.UUID
	State State
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("fiber: invariant violated: %s task %s in state %s", e.Op, e.Task, e.State)
}

// Scheduler owns an ordered collection of tasks and resumes each runnable
// task once per round.
type Scheduler struct {
	// roundMu serializes rounds. It is separate from mu because task bodies
	// call Admit from their own goroutine while a round is in progress.
	roundMu sync.Mutex

	mu     sync.Mutex // guards tasks and closed
	tasks  []*Task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomix.Uint32
	logger *zap.Logger
}

// NewScheduler creates an empty scheduler. Task contexts derive from ctx.
func NewScheduler(ctx context.Context, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Admit registers a new task. It does not start executing it: the task runs
// for the first time in the next round that begins after Admit returns. The
// returned Task is a read-only handle.
func (s *Scheduler) Admit(body Body, stackSize int) (*Task, error) {
	if body == nil {
		return nil, errors.New("fiber: nil task body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t := newTask(s.ctx, s, s.seq.Add(1), body, stackSize)
	s.tasks = append(s.tasks, t)
	return t, nil
}

// RunRound resumes every task that was runnable when the round started,
// exactly once and in admission order, then reaps all terminated tasks.
// Tasks admitted during the round wait for the next one. It returns the
// number of tasks resumed.
func (s *Scheduler) RunRound() int {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	s.mu.Lock()
	round := slices.Clone(s.tasks)
	s.mu.Unlock()

	resumed := 0
	for _, t := range round {
		if t.State() != Runnable {
			continue
		}
		ev := t.step()
		resumed++
		if ev.panic != nil {
			s.logger.Error("task panicked",
				zap.Stringer("task", t.id),
				zap.Uint32("seq", t.seq),
				zap.Any("panic", ev.panic),
				zap.ByteString("stack", ev.stack),
			)
		}
	}

	s.reap()
	return resumed
}

// reap removes every terminated task from the collection in one pass.
func (s *Scheduler) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.tasks[:0]
	for _, t := range s.tasks {
		if t.State() != Terminated {
			live = append(live, t)
			continue
		}
		if t.reaped {
			panic(&InvariantError{Op: "reap", Task: t.id, State: t.State()})
		}
		t.reaped = true
		t.release()
	}
	clear(s.tasks[len(live):])
	s.tasks = live
}

// Size returns the number of tracked tasks: runnable ones plus terminated
// ones not yet reaped.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// closePasses bounds how many times Close resumes a task that keeps
// suspending after its context was cancelled.
const closePasses = 16

// Close stops admitting tasks, cancels every task context and then resumes
// each started task until it unwinds, so no task body runs once Close
// returns. Tasks that never started are dropped without running. A task
// still suspended after closePasses resumptions is logged and left parked.
func (s *Scheduler) Close() {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	if len(tasks) > 0 {
		s.logger.Debug("scheduler closed with live tasks", zap.Int("tasks", len(tasks)))
	}
	for range closePasses {
		live := tasks[:0]
		for _, t := range tasks {
			switch {
			case !t.started:
				t.abandon()
			case t.State() == Runnable:
				if ev := t.step(); ev.panic != nil {
					s.logger.Error("task panicked",
						zap.Stringer("task", t.id),
						zap.Uint32("seq", t.seq),
						zap.Any("panic", ev.panic),
						zap.ByteString("stack", ev.stack),
					)
				}
			}
			if t.State() != Terminated {
				live = append(live, t)
				continue
			}
			t.reaped = true
			t.release()
		}
		clear(tasks[len(live):])
		tasks = live
		if len(tasks) == 0 {
			return
		}
	}
	s.logger.Error("tasks ignored cancellation", zap.Int("tasks", len(tasks)))
	for _, t := range tasks {
		t.release()
	}
}

// WithScheduler returns a context from which Go admits tasks into s.
func WithScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, schedulerKey{}, s)
}

// SchedulerFrom returns the scheduler carried by ctx, if any.
func SchedulerFrom(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(schedulerKey{}).(*Scheduler)
	return s
}

// Go admits body as a fire-and-forget task into the scheduler carried by ctx.
// Task bodies always carry their scheduler, so handlers use Go to spawn
// background work.
func Go(ctx context.Context, body Body) error {
	s := SchedulerFrom(ctx)
	if s == nil {
		return errors.New("fiber: no scheduler in context")
	}
	_, err := s.Admit(body, DefaultStackSize)
	return err
}
