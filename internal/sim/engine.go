// Package sim provides the discrete-event engine driving time-based
// callbacks such as the periodic refresh sweep.
package sim

import (
	"container/heap"

	"github.com/wooks1998/simplessd/internal/interfaces"
)

type scheduled struct {
	id   interfaces.EventID
	tick uint64
	seq  uint64
}

type eventQueue []scheduled

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].tick != q[j].tick {
		return q[i].tick < q[j].tick
	}
	// Same tick: preserve scheduling order.
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(scheduled)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Engine is a single-threaded discrete-event scheduler. Callbacks run
// synchronously inside RunUntil in tick order.
type Engine struct {
	callbacks map[interfaces.EventID]func(uint64)
	queue     eventQueue
	nextID    interfaces.EventID
	nextSeq   uint64
	now       uint64
}

// NewEngine returns an empty engine at tick zero.
func NewEngine() *Engine {
	return &Engine{
		callbacks: make(map[interfaces.EventID]func(uint64)),
		nextID:    1,
	}
}

// AllocateEvent registers a callback and returns its id.
func (e *Engine) AllocateEvent(callback func(tick uint64)) interfaces.EventID {
	id := e.nextID
	e.nextID++
	e.callbacks[id] = callback
	return id
}

// ScheduleEvent queues the event to fire at the absolute tick. Scheduling
// the same event again queues an additional firing.
func (e *Engine) ScheduleEvent(id interfaces.EventID, tick uint64) {
	if _, ok := e.callbacks[id]; !ok {
		return
	}
	heap.Push(&e.queue, scheduled{id: id, tick: tick, seq: e.nextSeq})
	e.nextSeq++
}

// RunUntil fires every event scheduled at or before tick, in order. Events
// may reschedule themselves; a rescheduled firing within the window runs in
// the same call.
func (e *Engine) RunUntil(tick uint64) {
	for len(e.queue) > 0 && e.queue[0].tick <= tick {
		item := heap.Pop(&e.queue).(scheduled)
		if item.tick > e.now {
			e.now = item.tick
		}
		if cb, ok := e.callbacks[item.id]; ok {
			cb(item.tick)
		}
	}
	if tick > e.now {
		e.now = tick
	}
}

// Now returns the engine clock, the largest tick seen so far.
func (e *Engine) Now() uint64 { return e.now }

// Pending returns the number of queued firings.
func (e *Engine) Pending() int { return len(e.queue) }
