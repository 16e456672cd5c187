package factory

import (
	"sync"
)

// EventLoop serializes user-visible callbacks onto whichever thread pumps
// it. Completions enqueue closures; ProcessEvents drains them on the
// caller's thread, Exec pumps until Quit.
type EventLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	stopped bool
}

// NewEventLoop creates an idle loop.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post enqueues a callback for the loop thread. Safe from any goroutine.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// ProcessEvents drains everything queued so far on the caller's thread and
// returns the number of callbacks run.
func (l *EventLoop) ProcessEvents() int {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

// Exec pumps the loop on the caller's thread until Quit.
func (l *EventLoop) Exec() {
	for {
		l.ProcessEvents()
		select {
		case <-l.wake:
		case <-l.quit:
			l.ProcessEvents()
			return
		}
	}
}

// Quit stops Exec after a final drain. Posts after Quit are dropped.
func (l *EventLoop) Quit() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.quit)
}
