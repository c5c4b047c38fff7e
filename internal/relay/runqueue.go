package relay

import (
	"container/heap"
	"time"
)

// RunQueue is an ordered set of (deadline, tag, opaque) triples with at
// most one pending entry per (tag, opaque). Four independent instances
// are used by the scheduler: relay drain, connector admission, route
// suspension/keepalive, hoststat expiry (spec.md §4.1).
type RunQueue[Tag comparable, Opaque comparable] struct {
	seq     uint64
	heap    runqHeap[Tag, Opaque]
	index   map[runqKey[Tag, Opaque]]*runqEntry[Tag, Opaque]
}

type runqKey[Tag comparable, Opaque comparable] struct {
	Tag    Tag
	Opaque Opaque
}

type runqEntry[Tag comparable, Opaque comparable] struct {
	deadline time.Time
	seq      uint64 // breaks ties in arrival order
	tag      Tag
	opaque   Opaque
	index    int // position in heap, maintained by container/heap
}

type runqHeap[Tag comparable, Opaque comparable] []*runqEntry[Tag, Opaque]

func (h runqHeap[Tag, Opaque]) Len() int { return len(h) }

func (h runqHeap[Tag, Opaque]) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h runqHeap[Tag, Opaque]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runqHeap[Tag, Opaque]) Push(x any) {
	e := x.(*runqEntry[Tag, Opaque])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *runqHeap[Tag, Opaque]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// NewRunQueue constructs an empty timer service.
func NewRunQueue[Tag comparable, Opaque comparable]() *RunQueue[Tag, Opaque] {
	return &RunQueue[Tag, Opaque]{
		index: make(map[runqKey[Tag, Opaque]]*runqEntry[Tag, Opaque]),
	}
}

// Schedule inserts a (deadline, tag, opaque) entry, replacing any
// existing entry for the same (tag, opaque).
func (q *RunQueue[Tag, Opaque]) Schedule(deadline time.Time, tag Tag, opaque Opaque) {
	q.Cancel(tag, opaque)
	q.seq++
	e := &runqEntry[Tag, Opaque]{deadline: deadline, seq: q.seq, tag: tag, opaque: opaque}
	heap.Push(&q.heap, e)
	q.index[runqKey[Tag, Opaque]{tag, opaque}] = e
}

// Cancel removes the pending entry for (tag, opaque), if any, and
// reports whether one was found.
func (q *RunQueue[Tag, Opaque]) Cancel(tag Tag, opaque Opaque) bool {
	k := runqKey[Tag, Opaque]{tag, opaque}
	e, ok := q.index[k]
	if !ok {
		return false
	}
	delete(q.index, k)
	if e.index >= 0 {
		heap.Remove(&q.heap, e.index)
	}
	return true
}

// Pending returns the scheduled deadline for (tag, opaque), if any.
func (q *RunQueue[Tag, Opaque]) Pending(tag Tag, opaque Opaque) (time.Time, bool) {
	e, ok := q.index[runqKey[Tag, Opaque]{tag, opaque}]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len reports the number of pending entries.
func (q *RunQueue[Tag, Opaque]) Len() int { return len(q.heap) }

// Fired pops and returns every entry whose deadline is <= now, in
// (deadline, arrival) order, and removes them from the index.
func (q *RunQueue[Tag, Opaque]) Fired(now time.Time) []struct {
	Tag    Tag
	Opaque Opaque
} {
	var out []struct {
		Tag    Tag
		Opaque Opaque
	}
	for q.heap.Len() > 0 && !q.heap[0].deadline.After(now) {
		e := heap.Pop(&q.heap).(*runqEntry[Tag, Opaque])
		delete(q.index, runqKey[Tag, Opaque]{e.tag, e.opaque})
		out = append(out, struct {
			Tag    Tag
			Opaque Opaque
		}{e.tag, e.opaque})
	}
	return out
}

// NextDeadline reports the earliest pending deadline, if any.
func (q *RunQueue[Tag, Opaque]) NextDeadline() (time.Time, bool) {
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].deadline, true
}
