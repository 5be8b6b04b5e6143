package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/kidhasmoxy/otto-engine/errors"
)

// DefaultTaskBuffer is the number of tasks that can wait for the loop before
// Post blocks.
const DefaultTaskBuffer = 256

// Loop is the engine's scheduler: a single goroutine that runs posted tasks one
// at a time in the order they were posted. Everything that touches the state
// store or the listener registries runs on it. Go starts independent tasks
// (rule triggers, the hub reader, the clock) that share the loop's lifetime but
// not its goroutine.
type Loop struct {
	tasks   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	running atomic.Bool
}

// NewLoop creates a stopped loop.
func NewLoop(buffer int, logger *slog.Logger) *Loop {
	if buffer <= 0 {
		buffer = DefaultTaskBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		tasks:  make(chan func(), buffer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "loop"),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called. Tasks still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyRunning, "Loop", "Run", "start loop")
	}
	defer l.running.Store(false)
	stop := context.AfterFunc(ctx, l.cancel)
	defer stop()

	l.logger.Info("Scheduler loop started")
	for {
		select {
		case <-l.ctx.Done():
			l.logger.Info("Scheduler loop stopped")
			return nil
		case task := <-l.tasks:
			l.exec(task)
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Stop cancels the loop and every task started with Go.
func (l *Loop) Stop() {
	l.cancel()
}

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Context is cancelled when the loop stops.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post queues fn to run on the loop. It blocks while the queue is full and
// fails once the loop has stopped or ctx is done.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	if l.ctx.Err() != nil {
		return errors.WrapFatal(errors.ErrLoopStopped, "Loop", "Post", "queue task")
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.ctx.Done():
		return errors.WrapFatal(errors.ErrLoopStopped, "Loop", "Post", "queue task")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go runs fn in its own goroutine with the loop's context. Panics are logged.
func (l *Loop) Go(fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("Background task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn(l.ctx)
	}()
}
