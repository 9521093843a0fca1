package syncer

import (
	"container/heap"
	"time"

	"forwardctl/internal/models"
)

type State string

const (
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StatePreempted State = "preempted"
	StateDropped   State = "dropped"
)

type Request struct {
	ID         string             `json:"id"`
	Trigger    models.SyncTrigger `json:"trigger"`
	Priority   int                `json:"priority"`
	Force      bool               `json:"force"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	State      State              `json:"state"`

	seq   uint64
	index int
}

// requestQueue is a max-heap on priority; among equal priorities the earlier
// arrival comes first.
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*Request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

func (q *requestQueue) push(r *Request) { heap.Push(q, r) }

func (q *requestQueue) pop() *Request {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Request)
}

func (q *requestQueue) remove(r *Request) {
	if r.index >= 0 && r.index < q.Len() && (*q)[r.index] == r {
		heap.Remove(q, r.index)
	}
}

func (q requestQueue) byTrigger(t models.SyncTrigger) *Request {
	for _, r := range q {
		if r.Trigger == t {
			return r
		}
	}
	return nil
}

// weakest is the entry evicted first: lowest priority, latest arrival.
func (q requestQueue) weakest() *Request {
	var w *Request
	for _, r := range q {
		if w == nil || r.Priority < w.Priority || (r.Priority == w.Priority && r.seq > w.seq) {
			w = r
		}
	}
	return w
}

// snapshot returns copies in execution order.
func (q requestQueue) snapshot() []Request {
	out := make([]Request, 0, len(q))
	tmp := make(requestQueue, 0, len(q))
	for _, r := range q {
		c := *r
		tmp = append(tmp, &c)
	}
	heap.Init(&tmp)
	for tmp.Len() > 0 {
		out = append(out, *heap.Pop(&tmp).(*Request))
	}
	return out
}
