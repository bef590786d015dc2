package pipeline

import (
	"context"
	"sync"
)

// Handle controls a running Worker: it carries the cancellation signal and the join point.
type Handle struct {
	worker   *Worker
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start runs worker in its own goroutine. Cancelling ctx stops it as well.
func Start(ctx context.Context, worker *Worker) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		worker: worker,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		worker.Run(ctx)
	}()
	return h
}

// Stop cancels the worker and waits for it to return. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(h.cancel)
	<-h.done
}

// Done is closed once the worker has returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Output returns worker's result buffer
func (h *Handle) Output() *LatestBuffer[*Result] {
	return h.worker.Output()
}

// Worker returns controlled worker
func (h *Handle) Worker() *Worker {
	return h.worker
}
