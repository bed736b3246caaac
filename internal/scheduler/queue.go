package scheduler

import (
	"container/heap"
	"time"
)

type entry struct {
	id  int64
	due time.Time
}

// dueQueue is a min-heap on (due, id). Only the worker goroutine touches it.
type dueQueue struct {
	items []entry
	ids   map[int64]struct{}
}

func newDueQueue() *dueQueue { return &dueQueue{ids: map[int64]struct{}{}} }

func (q *dueQueue) Len() int { return len(q.items) }
func (q *dueQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return a.id < b.id
}
func (q *dueQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *dueQueue) Push(x any)    { q.items = append(q.items, x.(entry)) }
func (q *dueQueue) Pop() any {
	old := q.items
	e := old[len(old)-1]
	q.items = old[:len(old)-1]
	return e
}

// add inserts e unless its id is already tracked.
func (q *dueQueue) add(e entry) {
	if _, ok := q.ids[e.id]; ok {
		return
	}
	q.ids[e.id] = struct{}{}
	heap.Push(q, e)
}

func (q *dueQueue) peek() (entry, bool) {
	if len(q.items) == 0 {
		return entry{}, false
	}
	return q.items[0], true
}

// popDue drops every entry due at or before t.
func (q *dueQueue) popDue(t time.Time) int {
	n := 0
	for len(q.items) > 0 && !q.items[0].due.After(t) {
		e := heap.Pop(q).(entry)
		delete(q.ids, e.id)
		n++
	}
	return n
}

func (q *dueQueue) reset(es []entry) {
	q.items = q.items[:0]
	clear(q.ids)
	for _, e := range es {
		if _, ok := q.ids[e.id]; ok {
			continue
		}
		q.ids[e.id] = struct{}{}
		q.items = append(q.items, e)
	}
	heap.Init(q)
}
