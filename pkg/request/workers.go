package request

import (
	"sync"
)

// Workers owns the two background queues of a filesystem: the finish worker
// drives launched requests to completion off callers' threads, and the
// cancel worker performs cancellations requested from inconvenient threads
// (typically from inside a completion callback).
type Workers struct {
	mu      sync.Mutex
	cond    *sync.Cond
	finishQ []*Request
	cancelQ []*Request
	current *Request // the request the finish worker is blocked on
	running bool
	wg      sync.WaitGroup
}

// NewWorkers starts both workers.
func NewWorkers() *Workers {
	w := &Workers{running: true}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(2)
	go w.finishLoop()
	go w.cancelLoop()
	return w
}

// Launch enqueues a request for the finish worker. The worker blocks on the
// request's completion, providing an ordered join point at shutdown.
func (w *Workers) Launch(r *Request) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		r.Cancel()
		return
	}
	w.finishQ = append(w.finishQ, r)
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Cancel enqueues a request for the cancel worker.
func (w *Workers) Cancel(r *Request) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		r.Cancel()
		return
	}
	w.cancelQ = append(w.cancelQ, r)
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Close stops both workers. Requests still sitting in the finish queue are
// cancelled instead of waited on, as is the one currently being driven;
// both queues drain before Close returns.
func (w *Workers) Close() {
	w.mu.Lock()
	w.running = false
	current := w.current
	w.mu.Unlock()
	w.cond.Broadcast()
	if current != nil {
		current.Cancel()
	}
	w.wg.Wait()
}

func (w *Workers) finishLoop() {
	defer w.wg.Done()
	w.mu.Lock()
	for {
		for w.running && len(w.finishQ) == 0 {
			w.cond.Wait()
		}
		if !w.running {
			// Shutdown: cancel everything still queued.
			pending := w.finishQ
			w.finishQ = nil
			w.mu.Unlock()
			for _, r := range pending {
				r.Cancel()
			}
			return
		}
		r := w.finishQ[0]
		w.finishQ = w.finishQ[1:]
		w.current = r
		w.mu.Unlock()
		r.Finish()
		w.mu.Lock()
		w.current = nil
	}
}

func (w *Workers) cancelLoop() {
	defer w.wg.Done()
	w.mu.Lock()
	for {
		for w.running && len(w.cancelQ) == 0 {
			w.cond.Wait()
		}
		if len(w.cancelQ) == 0 && !w.running {
			w.mu.Unlock()
			return
		}
		r := w.cancelQ[0]
		w.cancelQ = w.cancelQ[1:]
		w.mu.Unlock()
		r.Cancel()
		w.mu.Lock()
	}
}
