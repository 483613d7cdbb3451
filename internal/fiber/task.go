// Package fiber runs cooperative tasks on a single logical thread.
//
// Every Task owns a goroutine, but a Task only executes while the Scheduler
// has handed control to it: resuming a Task blocks the scheduler until the
// Task either suspends (Yield, Await on a pending Future) or returns. Many
// in-flight requests therefore interleave without ever running in parallel.
package fiber

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultStackSize is the stack budget recorded for tasks admitted without an
// explicit one. Goroutine stacks grow on demand, so the budget is advisory.
const DefaultStackSize = 64 * 1024

// State is the lifecycle state of a Task.
type State uint32

const (
	// Runnable tasks are resumed once per scheduler round.
	Runnable State = iota
	// Terminated tasks have returned and wait to be reaped.
	Terminated
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Body is the code a Task runs. The context carries the Task itself so that
// Await and Yield can suspend it, and the owning Scheduler so that Go can
// admit follow-up work.
type Body func(ctx context.Context)

// yieldEvent is what a task goroutine hands back to the scheduler when it
// gives up control.
type yieldEvent struct {
	done  bool
	panic any
	stack []byte
}

// Task is a resumable unit of execution. Once admitted it is owned by the
// Scheduler; the exported methods are read-only probes.
type Task struct {
	id        uuid.UUID
	seq       uint32
	body      Body
	stackSize int

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Uint32
	started bool
	reaped  bool

	// Both channels hold at most one pending handoff.
	resume chan struct{}
	yield  chan yieldEvent
}

func newTask(parent context.Context, s *Scheduler, seq uint32, body Body, stackSize int) *Task {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	t := &Task{
		id:        uuid.New(),
		seq:       seq,
		body:      body,
		stackSize: stackSize,
		resume:    make(chan struct{}, 1),
		yield:     make(chan yieldEvent, 1),
	}
	ctx, cancel := context.WithCancel(parent)
	ctx = context.WithValue(ctx, schedulerKey{}, s)
	t.ctx = context.WithValue(ctx, taskKey{}, t)
	t.cancel = cancel
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() uuid.UUID { return t.id }

// StackSize returns the stack budget the task was admitted with.
func (t *Task) StackSize() int { return t.stackSize }

// State returns the task's current state.
func (t *Task) State() State { return State(t.state.Load()) }

// step hands control to the task and waits until it suspends or returns.
// Only the scheduler calls step, and never concurrently for the same task.
func (t *Task) step() yieldEvent {
	if t.State() != Runnable {
		panic(&InvariantError{Op: "resume", Task: t.id, State: t.State()})
	}
	if !t.started {
		t.started = true
		go t.run()
	} else {
		t.resume <- struct{}{}
	}
	ev := <-t.yield
	if ev.done {
		t.state.Store(uint32(Terminated))
		t.cancel()
	}
	return ev
}

func (t *Task) run() {
	var ev yieldEvent
	defer func() {
		if r := recover(); r != nil {
			ev.panic = r
			ev.stack = debug.Stack()
		}
		ev.done = true
		t.yield <- ev
	}()
	t.body(t.ctx)
}

// suspend gives control back to the scheduler and parks until the next
// resume. The task only ever wakes through the scheduler's handoff; a done
// context is reported after resumption, or immediately when it is already
// done, in which case the task keeps control.
func (t *Task) suspend() error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	t.yield <- yieldEvent{}
	<-t.resume
	return t.ctx.Err()
}

// abandon terminates a task whose body never started.
func (t *Task) abandon() {
	t.state.Store(uint32(Terminated))
	t.cancel()
}

// release drops the references a reaped task holds.
func (t *Task) release() {
	t.cancel()
	t.body = nil
}

type (
	taskKey      struct{}
	schedulerKey struct{}
)

// Current returns the Task running the calling code, or nil when called
// outside any task.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// Yield suspends the current task until the next scheduler round. Outside a
// task it only reports ctx's error.
func Yield(ctx context.Context) error {
	if t := Current(ctx); t != nil {
		return t.suspend()
	}
	return ctx.Err()
}
