// Package auth implements the authorization state machine shared by every
// provider: refresh-then-consent token acquisition behind a barrier that
// serializes concurrent authorize attempts per handle.
package auth

import (
	"sync"
)

// Status is the answer of the user-supplied consent callback.
type Status int

const (
	// StatusNone declines interactive authorization; the operation fails.
	StatusNone Status = iota
	// StatusWaitForAuthorizationCode asks the engine to emit the consent
	// URL and wait for the code delivered through the HTTP server.
	StatusWaitForAuthorizationCode
)

// State of a handle's authorization machine.
type State int

const (
	Unauthorized State = iota
	Authorizing
	Authorized
)

// Callback is supplied by the user of the library. It must be safe for
// reentrant calls: several handles may consult it concurrently.
type Callback interface {
	// UserConsentRequired decides whether the engine may begin the
	// interactive consent flow for the named provider.
	UserConsentRequired(provider string) Status
	// Done reports the outcome of an authorization attempt.
	Done(provider string, err error)
}

// Barrier serializes authorize attempts: while one is in flight, later
// requests attach as waiters and share its outcome. This keeps the token
// endpoint from seeing a thundering herd of refresh calls.
type Barrier struct {
	mu       sync.Mutex
	inflight bool
	state    State
	waiters  []chan error
}

// State returns the machine's current state.
func (b *Barrier) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Run executes authorize at most once concurrently. If an authorize is
// already in flight the call only registers a waiter. The returned channel
// yields the shared outcome exactly once.
func (b *Barrier) Run(authorize func(done func(error))) <-chan error {
	ch := make(chan error, 1)
	b.mu.Lock()
	b.waiters = append(b.waiters, ch)
	if b.inflight {
		b.mu.Unlock()
		return ch
	}
	b.inflight = true
	b.state = Authorizing
	b.mu.Unlock()

	go authorize(b.finish)
	return ch
}

// finish resolves every waiter registered before or during the attempt.
func (b *Barrier) finish(err error) {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = nil
	b.inflight = false
	if err == nil {
		b.state = Authorized
	} else {
		b.state = Unauthorized
	}
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// Invalidate drops the machine back to Unauthorized, forcing the next
// operation through the barrier again.
func (b *Barrier) Invalidate() {
	b.mu.Lock()
	if !b.inflight {
		b.state = Unauthorized
	}
	b.mu.Unlock()
}
