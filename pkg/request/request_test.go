package request

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// inlineLoop runs posted callbacks immediately on the posting goroutine.
type inlineLoop struct{}

func (inlineLoop) Post(fn func()) { fn() }

func TestRequest_CompletesOnce(t *testing.T) {
	r := New(inlineLoop{})
	var count atomic.Int32
	deliver := Bind(r, func(v int, err error) { count.Add(1) })

	deliver(1, nil)
	deliver(2, nil)
	r.Cancel()

	if got := count.Load(); got != 1 {
		t.Errorf("completion fired %d times, want 1", got)
	}
}

func TestRequest_CancelDeliversAborted(t *testing.T) {
	r := New(inlineLoop{})
	var mu sync.Mutex
	var results []error
	deliver := Bind(r, func(v int, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	})

	r.Cancel()
	deliver(7, nil) // must be swallowed

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(results))
	}
	if !cloud.IsAborted(results[0]) {
		t.Errorf("error = %v, want aborted", results[0])
	}
}

func TestRequest_CancelIdempotentAnyThread(t *testing.T) {
	r := New(inlineLoop{})
	var count atomic.Int32
	Bind(r, func(v int, err error) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Cancel()
		}()
	}
	wg.Wait()

	if got := count.Load(); got != 1 {
		t.Errorf("completion fired %d times, want 1", got)
	}
}

func TestRequest_CancelPropagatesToChildren(t *testing.T) {
	parent := New(inlineLoop{})
	child := parent.Subrequest()
	grandchild := child.Subrequest()

	parent.Cancel()

	if grandchild.Context().Err() == nil {
		t.Error("grandchild context not cancelled")
	}
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Error("child never finished after parent cancel")
	}
}

func TestResolve_DeliversResult(t *testing.T) {
	r := New(inlineLoop{})
	ch := make(chan int, 1)
	Resolve(r, func(v int, err error) { ch <- v }, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	select {
	case v := <-ch:
		if v != 42 {
			t.Errorf("result = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestResolve_ErrorBecomesCloudError(t *testing.T) {
	r := New(inlineLoop{})
	ch := make(chan error, 1)
	Resolve(r, func(v int, err error) { ch <- err }, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	err := <-ch
	ce := cloud.AsError(err)
	if ce == nil || ce.Code != cloud.CodeFailure {
		t.Errorf("error = %v, want wrapped failure", err)
	}
}

func TestWorkers_FinishDrives(t *testing.T) {
	w := NewWorkers()
	defer w.Close()

	r := New(inlineLoop{})
	deliver := Bind(r, func(struct{}, error) {})
	w.Launch(r)

	go func() {
		time.Sleep(10 * time.Millisecond)
		deliver(struct{}{}, nil)
	}()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("request never finished")
	}
}

func TestWorkers_CloseCancelsQueued(t *testing.T) {
	w := NewWorkers()

	var aborted atomic.Bool
	first := New(inlineLoop{})
	Bind(first, func(_ struct{}, err error) {
		if cloud.IsAborted(err) {
			aborted.Store(true)
		}
	})
	w.Launch(first)

	// Give the finish worker a moment to start blocking on the request,
	// then close: the entry must be cancelled rather than waited on.
	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}
	if !aborted.Load() {
		t.Error("queued request was not cancelled at shutdown")
	}
}

func TestWorkers_CancelWorker(t *testing.T) {
	w := NewWorkers()
	defer w.Close()

	r := New(inlineLoop{})
	ch := make(chan error, 1)
	Bind(r, func(_ struct{}, err error) { ch <- err })
	w.Cancel(r)

	select {
	case err := <-ch:
		if !cloud.IsAborted(err) {
			t.Errorf("error = %v, want aborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel worker never ran")
	}
}
