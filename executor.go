package docstore

import (
	"context"
	"sync"

	"github.com/hupe1980/docstore/resource"
)

// Executor runs background tasks on behalf of the store. The store never
// spawns goroutines of its own except through its executor, so callers can
// plug in their own scheduler and own cancellation.
type Executor interface {
	// Submit schedules task for execution. It must not block on the task
	// itself, though it may block briefly on queue admission.
	Submit(task func())
}

// GoExecutor runs each task on its own goroutine, gated by the resource
// controller's background-worker budget. A nil controller means no gating.
type GoExecutor struct {
	rc *resource.Controller
	wg sync.WaitGroup
}

// NewGoExecutor creates a goroutine-per-task executor.
func NewGoExecutor(rc *resource.Controller) *GoExecutor {
	return &GoExecutor{rc: rc}
}

// Submit implements Executor.
func (e *GoExecutor) Submit(task func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.rc.AcquireBackground(context.Background()); err != nil {
			return
		}
		defer e.rc.ReleaseBackground()
		task()
	}()
}

// Wait blocks until every submitted task has finished. Test hook and
// shutdown aid.
func (e *GoExecutor) Wait() {
	e.wg.Wait()
}
