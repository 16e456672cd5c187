// Package request implements the asynchronous request runtime: a tree of
// cancellable operations with exactly-once completion delivery and the
// background workers that drive launched requests to completion.
package request

import (
	"context"
	"sync"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// Loop posts user-visible callbacks onto the single-threaded event loop.
type Loop interface {
	Post(fn func())
}

// Request is one pending multi-step operation. Subrequests form a tree
// rooted at the user-visible request; a parent's cancellation propagates
// down, and a child's failure propagates up through the composing code.
type Request struct {
	loop   Loop
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	done     bool
	abort    func()
	children []*Request

	finished chan struct{}
}

// New creates a root request bound to the given event loop.
func New(loop Loop) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	return &Request{
		loop:     loop,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
}

// Context carries the request's cancellation to transport sends.
func (r *Request) Context() context.Context { return r.ctx }

// Loop returns the event loop the completion will be delivered on.
func (r *Request) Loop() Loop { return r.loop }

// Subrequest creates a child operation. Cancelling the parent cancels the
// child; the child's context descends from the parent's.
func (r *Request) Subrequest() *Request {
	child := &Request{loop: r.loop, finished: make(chan struct{})}
	child.ctx, child.cancel = context.WithCancel(r.ctx)
	r.mu.Lock()
	r.children = append(r.children, child)
	r.mu.Unlock()
	return child
}

// claim consumes the single completion slot. The first caller wins; every
// later claim returns false.
func (r *Request) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	return true
}

// Cancel aborts the request. It is idempotent and safe from any thread: the
// cancellation flag is set, any active transport send is torn down through
// the context, pending subrequests cancel recursively, and the completion
// fires with cloud.ErrAborted unless it was already delivered.
func (r *Request) Cancel() {
	claimed := r.claim()
	r.cancel()

	r.mu.Lock()
	children := make([]*Request, len(r.children))
	copy(children, r.children)
	abort := r.abort
	r.mu.Unlock()

	for _, c := range children {
		c.Cancel()
	}

	if claimed {
		if abort != nil {
			abort()
		}
		close(r.finished)
	}
}

// Cancelled reports whether cancellation was requested.
func (r *Request) Cancelled() bool { return r.ctx.Err() != nil }

// Finish blocks until the completion has been delivered (or the request was
// cancelled). The finish worker calls this off the caller's thread.
func (r *Request) Finish() { <-r.finished }

// Done exposes the completion as a channel for select-based waiters.
func (r *Request) Done() <-chan struct{} { return r.finished }

// Completed reports whether the terminal callback has been consumed.
func (r *Request) Completed() bool {
	select {
	case <-r.finished:
		return true
	default:
		return false
	}
}

// Bind attaches the operation's typed completion callback to the request
// and returns the deliverer the operation goroutine must call exactly once.
// Whichever of Cancel and the deliverer runs first consumes the completion;
// the other becomes a no-op. The callback itself always runs on the loop.
func Bind[T any](r *Request, cb func(T, error)) func(T, error) {
	r.mu.Lock()
	alreadyDone := r.done
	if !alreadyDone {
		r.abort = func() {
			var zero T
			r.loop.Post(func() { cb(zero, cloud.ErrAborted) })
		}
	}
	r.mu.Unlock()

	return func(v T, err error) {
		if !r.claim() {
			return
		}
		if err != nil {
			err = cloud.AsError(err)
		}
		r.loop.Post(func() { cb(v, err) })
		close(r.finished)
	}
}

// Resolve runs fn on its own goroutine and delivers its result through the
// request's completion exactly once.
func Resolve[T any](r *Request, cb func(T, error), fn func(ctx context.Context) (T, error)) *Request {
	deliver := Bind(r, cb)
	go func() {
		v, err := fn(r.ctx)
		if r.ctx.Err() != nil {
			err = cloud.ErrAborted
		}
		deliver(v, err)
	}()
	return r
}
