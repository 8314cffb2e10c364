package schedule_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayforge/gatewaycore/internal/schedule"
)

func TestPriorityDispatcherDrainsHighestFirst(t *testing.T) {
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	var doneCount int64
	d := schedule.NewPriorityDispatcher(1, 0, func() { atomic.AddInt64(&doneCount, 1) })
	defer d.Close()

	// Occupy the single inflight slot with a gate task so 0 and 5 are
	// both queued before draining resumes, making the drain order
	// deterministic.
	ready := make(chan struct{})
	wg.Add(1)
	d.Submit(schedule.Task{Priority: 9, Run: func(ctx context.Context) {
		<-ready
		mu.Lock()
		order = append(order, 9)
		mu.Unlock()
		wg.Done()
	}})

	wg.Add(2)
	submit := func(prio int) {
		d.Submit(schedule.Task{Priority: prio, Run: func(ctx context.Context) {
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
			wg.Done()
		}})
	}
	submit(5)
	submit(0)
	close(ready)

	wg.Wait()
	assert.Equal(t, []int{9, 0, 5}, order)
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&doneCount) == 3 }, time.Second, 10*time.Millisecond)
}

func TestFairDispatcherRoundRobinsFlows(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	var wg sync.WaitGroup

	d := schedule.NewFairDispatcher(1, nil)
	defer d.Close()

	wg.Add(4)
	for _, key := range []string{"a", "a", "b", "b"} {
		k := key
		d.Submit(schedule.Task{Key: k, Run: func(ctx context.Context) {
			mu.Lock()
			seen = append(seen, k)
			mu.Unlock()
			wg.Done()
		}})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 4)
	aCount, bCount := 0, 0
	for _, k := range seen {
		if k == "a" {
			aCount++
		} else {
			bCount++
		}
	}
	assert.Equal(t, 2, aCount)
	assert.Equal(t, 2, bCount)
}

func TestEDFDispatcherDrainsEarliestDeadlineFirst(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup

	d := schedule.NewEDFDispatcher(1, nil)
	defer d.Close()

	// Gate task occupies the single inflight slot so all three
	// deadlines are queued before draining resumes.
	ready := make(chan struct{})
	wg.Add(1)
	d.Submit(schedule.Task{Deadline: 0, Run: func(ctx context.Context) {
		<-ready
		wg.Done()
	}})

	wg.Add(3)
	submit := func(deadline int64) {
		d.Submit(schedule.Task{Deadline: deadline, Run: func(ctx context.Context) {
			mu.Lock()
			order = append(order, deadline)
			mu.Unlock()
			wg.Done()
		}})
	}
	submit(300)
	submit(100)
	submit(200)
	close(ready)

	wg.Wait()
	assert.Equal(t, []int64{100, 200, 300}, order)
}

func TestDispatcherHonorsMaxInflight(t *testing.T) {
	var active, maxSeen int64
	d := schedule.NewFairDispatcher(2, nil)
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		d.Submit(schedule.Task{Key: "k", Run: func(ctx context.Context) {
			n := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt64(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			wg.Done()
		}})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, int64(2))
}
