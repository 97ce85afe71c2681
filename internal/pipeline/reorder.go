package pipeline

import (
	"container/heap"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// reorderBuffer is owned by one evaluation worker. It releases records in
// (event time, id) order once the worker's event-time watermark has passed
// them by grace, or once the worker has been idle for grace.
type reorderBuffer struct {
	grace     time.Duration
	held      heldQueue
	watermark time.Time
	lastPush  time.Time
}

func newReorderBuffer(grace time.Duration) *reorderBuffer {
	return &reorderBuffer{grace: grace}
}

func (b *reorderBuffer) push(tx *domain.Transaction, now time.Time) {
	if t := tx.EventTime(); t.After(b.watermark) {
		b.watermark = t
	}
	b.lastPush = now
	heap.Push(&b.held, tx)
}

// ready pops the records the watermark has passed.
func (b *reorderBuffer) ready() []*domain.Transaction {
	var out []*domain.Transaction
	for b.held.Len() > 0 && b.watermark.After(b.held[0].EventTime().Add(b.grace)) {
		out = append(out, heap.Pop(&b.held).(*domain.Transaction))
	}
	return out
}

// idle drains everything when nothing arrived for grace.
func (b *reorderBuffer) idle(now time.Time) []*domain.Transaction {
	if b.held.Len() == 0 || now.Sub(b.lastPush) < b.grace {
		return nil
	}
	return b.drain()
}

func (b *reorderBuffer) drain() []*domain.Transaction {
	out := make([]*domain.Transaction, 0, b.held.Len())
	for b.held.Len() > 0 {
		out = append(out, heap.Pop(&b.held).(*domain.Transaction))
	}
	return out
}

func (b *reorderBuffer) Len() int { return b.held.Len() }

type heldQueue []*domain.Transaction

func (q heldQueue) Len() int { return len(q) }
func (q heldQueue) Less(i, j int) bool {
	a, b := q[i].EventTime(), q[j].EventTime()
	if !a.Equal(b) {
		return a.Before(b)
	}
	return q[i].ID < q[j].ID
}
func (q heldQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *heldQueue) Push(x any)   { *q = append(*q, x.(*domain.Transaction)) }
func (q *heldQueue) Pop() any {
	old := *q
	n := len(old)
	tx := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return tx
}
