// Grounded on middleware/concurrency.go's Semaphore (per-key map of
// channels bounding concurrency) generalized into per-flow FIFOs, and
// on golang.org/x/sync/semaphore's weighted acquire for maxInflight
// gating shared by all three dispatchers.
package schedule

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of scheduled work. Run is invoked on a goroutine
// of its own once the maxInflight gate admits the task, and holds one
// gate slot until it returns.
type Task struct {
	Key      string // flow key (fair) / unused (priority, EDF)
	Priority int    // 0..9, 0 is highest (priority dispatcher)
	Deadline int64  // unix millis (EDF dispatcher)
	Seq      int64  // tie-break for EDF's (deadline, seq) ordering
	Run      func(ctx context.Context)
}

// Dispatcher admits and drains tasks under a maxInflight gate and
// reports completion via onTaskDone.
type Dispatcher interface {
	Submit(t Task)
	Close()
}

// onTaskDoneHook is called after every task's Run returns, matching
// spec.md's "call onTaskDone (success or failure)" contract. runTask
// invokes it; it takes no arguments, since the dispatcher has no
// notion of task outcome.
type onTaskDoneHook = func()

// gate wraps golang.org/x/sync/semaphore for maxInflight admission,
// shared by all three dispatcher implementations.
type gate struct {
	sem *semaphore.Weighted
}

func newGate(maxInflight int) *gate {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &gate{sem: semaphore.NewWeighted(int64(maxInflight))}
}

func (g *gate) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *gate) release() {
	g.sem.Release(1)
}

// runTask executes t.Run under the gate, then always releases and
// invokes onTaskDone — regardless of how Run behaves — matching the
// "success or failure" completion contract.
func runTask(ctx context.Context, g *gate, t Task, onTaskDone onTaskDoneHook) {
	defer g.release()
	defer func() {
		if onTaskDone != nil {
			onTaskDone()
		}
	}()
	t.Run(ctx)
}
