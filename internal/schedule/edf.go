package schedule

import (
	"container/heap"
	"context"
	"sync"
)

// edfHeap is a min-heap ordered by (Deadline, Seq), implementing
// container/heap.Interface.
type edfHeap []Task

func (h edfHeap) Len() int { return len(h) }
func (h edfHeap) Less(i, j int) bool {
	if h[i].Deadline != h[j].Deadline {
		return h[i].Deadline < h[j].Deadline
	}
	return h[i].Seq < h[j].Seq
}
func (h edfHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *edfHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }

func (h *edfHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// EDFDispatcher drains tasks in earliest-deadline-first order.
type EDFDispatcher struct {
	mu         sync.Mutex
	heap       edfHeap
	nextSeq    int64
	notify     chan struct{}
	gate       *gate
	onTaskDone onTaskDoneHook

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEDFDispatcher builds and starts an EDF dispatcher.
func NewEDFDispatcher(maxInflight int, onTaskDone onTaskDoneHook) *EDFDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &EDFDispatcher{
		notify:     make(chan struct{}, 1),
		gate:       newGate(maxInflight),
		onTaskDone: onTaskDone,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	heap.Init(&d.heap)
	go d.drainLoop()
	return d
}

// Submit enqueues t, assigning Seq if the caller left it at zero so
// ties break in submission order.
func (d *EDFDispatcher) Submit(t Task) {
	d.mu.Lock()
	if t.Seq == 0 {
		d.nextSeq++
		t.Seq = d.nextSeq
	}
	heap.Push(&d.heap, t)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *EDFDispatcher) popEarliest() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heap.Len() == 0 {
		return Task{}, false
	}
	t := heap.Pop(&d.heap).(Task)
	return t, true
}

func (d *EDFDispatcher) drainLoop() {
	defer close(d.done)
	for {
		t, ok := d.popEarliest()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-d.notify:
				continue
			}
		}
		if err := d.gate.acquire(d.ctx); err != nil {
			return
		}
		go runTask(d.ctx, d.gate, t, d.onTaskDone)
	}
}

// Close stops the dispatcher; in-flight tasks are allowed to finish.
func (d *EDFDispatcher) Close() {
	d.cancel()
	<-d.done
}
