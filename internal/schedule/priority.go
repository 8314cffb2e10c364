package schedule

import (
	"context"
	"sync"
	"time"
)

const priorityLevels = 10

// PriorityDispatcher drains ten strict-priority FIFOs (0 highest..9
// lowest), always preferring the highest non-empty level, with an
// optional delay before admitting level-0 tasks (so a burst of
// priority-0 traffic can't fully starve lower levels without ever
// yielding).
type PriorityDispatcher struct {
	mu         sync.Mutex
	queues     [priorityLevels][]Task
	notify     chan struct{}
	gate       *gate
	onTaskDone onTaskDoneHook
	lowDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPriorityDispatcher builds and starts a priority dispatcher.
func NewPriorityDispatcher(maxInflight int, lowDelay time.Duration, onTaskDone onTaskDoneHook) *PriorityDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &PriorityDispatcher{
		notify:     make(chan struct{}, 1),
		gate:       newGate(maxInflight),
		onTaskDone: onTaskDone,
		lowDelay:   lowDelay,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go d.drainLoop()
	return d
}

// Submit enqueues t at its priority level (clamped to [0,9]).
func (d *PriorityDispatcher) Submit(t Task) {
	lvl := t.Priority
	if lvl < 0 {
		lvl = 0
	}
	if lvl >= priorityLevels {
		lvl = priorityLevels - 1
	}
	d.mu.Lock()
	d.queues[lvl] = append(d.queues[lvl], t)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *PriorityDispatcher) popHighest() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for lvl := 0; lvl < priorityLevels; lvl++ {
		if len(d.queues[lvl]) > 0 {
			t := d.queues[lvl][0]
			d.queues[lvl] = d.queues[lvl][1:]
			return t, true
		}
	}
	return Task{}, false
}

func (d *PriorityDispatcher) drainLoop() {
	defer close(d.done)
	for {
		t, ok := d.popHighest()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-d.notify:
				continue
			}
		}

		if t.Priority == 0 && d.lowDelay > 0 {
			select {
			case <-time.After(d.lowDelay):
			case <-d.ctx.Done():
				return
			}
		}

		if err := d.gate.acquire(d.ctx); err != nil {
			return
		}
		go runTask(d.ctx, d.gate, t, d.onTaskDone)
	}
}

// Close stops the dispatcher; in-flight tasks are allowed to finish,
// queued-but-undrained tasks are dropped.
func (d *PriorityDispatcher) Close() {
	d.cancel()
	<-d.done
}
