package queue

import "sync"

// PendingWrites holds encoded frames issued before the link became writable.
// It is unbounded and preserves insertion order.
type PendingWrites struct {
	mu    sync.Mutex
	items [][]byte
	bytes int
}

func New() *PendingWrites {
	return &PendingWrites{}
}

// Push appends a copy of buf.
func (q *PendingWrites) Push(buf []byte) {
	cp := append([]byte(nil), buf...)

	q.mu.Lock()
	q.items = append(q.items, cp)
	q.bytes += len(cp)
	q.mu.Unlock()
}

// Drain removes and returns every queued frame, oldest first.
func (q *PendingWrites) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	q.bytes = 0
	return items
}

// Flush drains the queue and hands each frame to write in FIFO order.
// A write error does not stop the flush; every failure is returned in order.
func (q *PendingWrites) Flush(write func([]byte) error) (sent int, errs []error) {
	for _, buf := range q.Drain() {
		if err := write(buf); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errs
}

func (q *PendingWrites) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Size returns the total number of queued bytes.
func (q *PendingWrites) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Clear drops every queued frame and reports how many were dropped.
func (q *PendingWrites) Clear() int {
	return len(q.Drain())
}
