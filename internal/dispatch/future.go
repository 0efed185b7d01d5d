package dispatch

import (
	"context"
	"fmt"
)

// Action is work executed on the device context.
type Action func() error

// Future is the eventual result of a submitted Action.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task has run or was rejected.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is a queued Action together with its Future.
type Task struct {
	seq    uint64
	action Action
	future *Future
}

// Seq is the submission sequence number, starting at 1.
func (t *Task) Seq() uint64 {
	return t.seq
}

// Run executes the action and resolves the future. A panicking action resolves
// the future with an error instead of unwinding the caller.
func (t *Task) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v", t.seq, r)
		}
		t.future.resolve(err)
	}()
	return t.action()
}

// Reject resolves the future with err without running the action.
func (t *Task) Reject(err error) {
	t.future.resolve(err)
}
