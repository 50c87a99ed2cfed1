package arbiter

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/banshee-data/autointersection/internal/protocol"
)

// ErrQueueEmpty is returned by Dequeue and Peek on an empty queue.
var ErrQueueEmpty = errors.New("queue is empty")

// Comparator orders waiting vehicles. A negative result puts a before b;
// zero falls back to arrival order.
type Comparator func(a, b Vehicle) int

// VehiclePriorityQueue holds vehicles waiting for the intersection. It is
// FIFO by arrival unless a Comparator is supplied. Safe for concurrent use.
type VehiclePriorityQueue struct {
	mu    sync.Mutex
	items vehicleHeap
	seq   uint64
}

// NewVehiclePriorityQueue returns an empty queue. cmp may be nil.
func NewVehiclePriorityQueue(cmp Comparator) *VehiclePriorityQueue {
	return &VehiclePriorityQueue{items: vehicleHeap{cmp: cmp}}
}

// Enqueue adds v. A vehicle already waiting is refreshed in place and keeps
// its position; Enqueue then returns false.
func (q *VehiclePriorityQueue) Enqueue(v Vehicle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.items.find(v.ID); i >= 0 {
		q.items.entries[i].v.LastSeen = v.LastSeen
		return false
	}
	q.seq++
	heap.Push(&q.items, &queueEntry{v: v, seq: q.seq})
	return true
}

// Dequeue removes and returns the head.
func (q *VehiclePriorityQueue) Dequeue() (Vehicle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return Vehicle{}, ErrQueueEmpty
	}
	return heap.Pop(&q.items).(*queueEntry).v, nil
}

// Peek returns the head without removing it.
func (q *VehiclePriorityQueue) Peek() (Vehicle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return Vehicle{}, ErrQueueEmpty
	}
	return q.items.entries[0].v, nil
}

// Remove drops the vehicle with the given identity, reporting whether it
// was waiting.
func (q *VehiclePriorityQueue) Remove(id protocol.Vehicle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.items.find(id)
	if i < 0 {
		return false
	}
	heap.Remove(&q.items, i)
	return true
}

// Contains reports whether id is waiting.
func (q *VehiclePriorityQueue) Contains(id protocol.Vehicle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.find(id) >= 0
}

func (q *VehiclePriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns the waiting vehicles in dequeue order.
func (q *VehiclePriorityQueue) Snapshot() []Vehicle {
	q.mu.Lock()
	defer q.mu.Unlock()
	tmp := vehicleHeap{cmp: q.items.cmp, entries: make([]*queueEntry, len(q.items.entries))}
	for i, e := range q.items.entries {
		c := *e
		tmp.entries[i] = &c
	}
	out := make([]Vehicle, 0, tmp.Len())
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*queueEntry).v)
	}
	return out
}

type queueEntry struct {
	v     Vehicle
	seq   uint64
	index int
}

type vehicleHeap struct {
	cmp     Comparator
	entries []*queueEntry
}

func (h vehicleHeap) Len() int { return len(h.entries) }

func (h vehicleHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if h.cmp != nil {
		if c := h.cmp(a.v, b.v); c != 0 {
			return c < 0
		}
	}
	return a.seq < b.seq
}

func (h vehicleHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *vehicleHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *vehicleHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	e.index = -1
	return e
}

func (h vehicleHeap) find(id protocol.Vehicle) int {
	for i, e := range h.entries {
		if e.v.ID == id {
			return i
		}
	}
	return -1
}
