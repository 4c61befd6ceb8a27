package spillsort

import (
	"context"
	"sync"
)

// TaskContext tracks the lifetime of the task a sorter belongs to.
// Completion callbacks registered with OnCompletion run exactly once,
// in registration order, whether the task succeeds, fails, or is
// canceled. The sorter registers its cleanup here at construction so
// partially consumed output can never leak pages or spill files.
type TaskContext struct {
	mu        sync.Mutex
	ctx       context.Context
	callbacks []func()
	completed bool
}

// NewTaskContext creates a TaskContext bound to ctx.
func NewTaskContext(ctx context.Context) *TaskContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &TaskContext{ctx: ctx}
}

// Context returns the task's context.
func (t *TaskContext) Context() context.Context { return t.ctx }

// OnCompletion registers f to run when the task completes. If the task
// has already completed, f runs immediately.
func (t *TaskContext) OnCompletion(f func()) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		f()
		return
	}
	t.callbacks = append(t.callbacks, f)
	t.mu.Unlock()
}

// Complete runs all registered callbacks. Subsequent calls are no-ops.
func (t *TaskContext) Complete() {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

// Watch completes the task when its context is canceled. It spawns one
// goroutine; call it at most once per TaskContext.
func (t *TaskContext) Watch() {
	go func() {
		<-t.ctx.Done()
		t.Complete()
	}()
}
