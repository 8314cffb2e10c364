package schedule

import (
	"container/list"
	"context"
	"sync"
)

// FairDispatcher keeps one FIFO per flow key (header/query/IP derived
// by the caller) and round-robins across the currently active flows;
// a flow whose queue drains is detached rather than retained empty.
type FairDispatcher struct {
	mu         sync.Mutex
	flows      map[string]*list.List // key -> []Task (as a list for FIFO pop)
	order      *list.List            // round-robin order of flow keys, front = next
	flowElem   map[string]*list.Element
	notify     chan struct{}
	gate       *gate
	onTaskDone onTaskDoneHook

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFairDispatcher builds and starts a fair dispatcher.
func NewFairDispatcher(maxInflight int, onTaskDone onTaskDoneHook) *FairDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &FairDispatcher{
		flows:      make(map[string]*list.List),
		order:      list.New(),
		flowElem:   make(map[string]*list.Element),
		notify:     make(chan struct{}, 1),
		gate:       newGate(maxInflight),
		onTaskDone: onTaskDone,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go d.drainLoop()
	return d
}

// Submit enqueues t onto its flow's FIFO, registering the flow in the
// round-robin order if it wasn't already active.
func (d *FairDispatcher) Submit(t Task) {
	d.mu.Lock()
	q, ok := d.flows[t.Key]
	if !ok {
		q = list.New()
		d.flows[t.Key] = q
		el := d.order.PushBack(t.Key)
		d.flowElem[t.Key] = el
	}
	q.PushBack(t)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *FairDispatcher) popNext() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	el := d.order.Front()
	if el == nil {
		return Task{}, false
	}
	key := el.Value.(string)
	q := d.flows[key]
	front := q.Front()
	t := front.Value.(Task)
	q.Remove(front)

	if q.Len() == 0 {
		d.order.Remove(el)
		delete(d.flows, key)
		delete(d.flowElem, key)
	} else {
		d.order.MoveToBack(el)
	}
	return t, true
}

func (d *FairDispatcher) drainLoop() {
	defer close(d.done)
	for {
		t, ok := d.popNext()
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
func (d *FairDispatcher) Close() {
	d.cancel()
	<-d.done
}
