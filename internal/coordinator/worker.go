package coordinator

import "sync"

// worker runs negotiation tasks one at a time in submission order. The
// queue is unbounded so that enqueueing never blocks the event loop.
type worker struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newWorker() *worker {
	return &worker{wake: make(chan struct{}, 1)}
}

func (w *worker) enqueue(fn func()) {
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) next() func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	fn := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return fn
}

// run drains the queue until done is closed. Tasks still queued at that
// point are discarded.
func (w *worker) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if fn := w.next(); fn != nil {
			fn()
			continue
		}
		select {
		case <-w.wake:
		case <-done:
			return
		}
	}
}
