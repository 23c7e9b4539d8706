package goble

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type writeJob struct {
	write func(chunk []byte) error
	data  []byte
}

// writer serialises writes for one link, splitting frames into chunks and
// pacing chunks through a token bucket. The backlog is unbounded so a flush
// of queued commands is never cut short.
type writer struct {
	mu      sync.Mutex
	backlog []writeJob
	wake    chan struct{}

	limiter *rate.Limiter
	chunk   int
	failed  func(err error)
}

func newWriter(opts Options, failed func(err error)) *writer {
	limit := rate.Inf
	if opts.WriteRate > 0 {
		limit = rate.Limit(opts.WriteRate)
	}
	return &writer{
		wake:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
		chunk:   opts.ChunkSize,
		failed:  failed,
	}
}

// enqueue never blocks.
func (w *writer) enqueue(job writeJob) {
	w.mu.Lock()
	w.backlog = append(w.backlog, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

func (w *writer) take() []writeJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	jobs := w.backlog
	w.backlog = nil
	return jobs
}

func (w *writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		for _, job := range w.take() {
			if err := w.send(ctx, job); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.failed(err)
			}
		}
	}
}

func (w *writer) send(ctx context.Context, job writeJob) error {
	for _, chunk := range split(job.data, w.chunk) {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := job.write(chunk); err != nil {
			return NormalizeError(err)
		}
	}
	return nil
}

// split cuts data into chunks of at most size bytes. size <= 0 keeps data whole.
func split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
