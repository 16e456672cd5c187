// Package fileserver projects remote objects as byte-range-addressable HTTP
// streams. One instance serves one provider handle: GET requests carry a
// base64 file record, and a bounded in-memory pipeline couples client
// consumption to upstream fetch windows.
package fileserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/internal/metrics"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/httpd"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
)

const (
	// ChunkSize is the window size used to pace upstream downloads.
	ChunkSize = 8 * 1024 * 1024
	// CacheSize bounds the per-server item LRU.
	CacheSize = 128
)

// Server is the per-handle range-streaming endpoint.
type Server struct {
	handle  *provider.Handle
	items   *lruCache
	release func()
}

// New registers a file server for the handle under its state.
func New(h *provider.Handle, factory httpd.Factory) (*Server, error) {
	s := &Server{handle: h, items: newLRU(CacheSize)}
	release, err := factory.Create(h.State(), httpd.FileProvider, s)
	if err != nil {
		return nil, fmt.Errorf("register file server: %w", err)
	}
	s.release = release
	return s, nil
}

// Close unregisters the endpoint.
func (s *Server) Close() {
	if s.release != nil {
		s.release()
	}
}

// ServeHTTP handles one streaming request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	blob := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	state, id, name, size, err := provider.DecodeFileBlob(blob)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if state != s.handle.State() {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	header := w.Header()
	header.Set("Content-Type", provider.MimeFromName(name))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Disposition", `inline; filename="`+name+`"`)
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Headers", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	rng := cloud.Range{Start: 0, Size: size}
	code := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		parsed, err := cloud.ParseRange(rangeHeader)
		if err != nil {
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if parsed.IsFull() {
			parsed.Size = size - parsed.Start
		}
		if parsed.Start+parsed.Size > size || parsed.Size < 0 {
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		rng = parsed
		header.Set("Content-Range", rng.ContentRange(size))
		code = http.StatusPartialContent
	}

	item, err := s.item(r.Context(), id)
	if err != nil {
		logging.Warn("file server couldn't get item", zap.String("id", id), zap.Error(err))
		http.Error(w, "invalid node", http.StatusBadRequest)
		return
	}
	if item.Size != cloud.UnknownSize && rng.Start+rng.Size > item.Size {
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	header.Set("Content-Length", fmt.Sprintf("%d", rng.Size))
	w.WriteHeader(code)
	if r.Method == http.MethodHead || rng.Size == 0 {
		return
	}

	st := newStream(s.handle, item, rng)
	defer st.cancel()
	if err := st.copyTo(w, r.Context()); err != nil && !cloud.IsAborted(err) {
		logging.Warn("file server download failed", zap.String("id", id), zap.Error(err))
	}
}

// item resolves the record id through the LRU cache.
func (s *Server) item(ctx context.Context, id string) (cloud.Item, error) {
	if item, ok := s.items.Get(id); ok {
		metrics.RecordItemCache(true)
		return item, nil
	}
	metrics.RecordItemCache(false)
	item, err := s.handle.ItemData(ctx, id)
	if err != nil {
		return cloud.Item{}, err
	}
	s.items.Put(id, item)
	return item, nil
}

// ─── Streaming pipeline ─────────────────────────────────────────────────────

// stream drives ChunkSize-sized fetch windows over the requested range and
// buffers bytes between the upstream download and the HTTP response. When
// the buffered size falls below half a chunk the next window is issued;
// above that, new windows are deferred until a read drains the queue.
type stream struct {
	handle *provider.Handle
	item   cloud.Item

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	data      []byte
	remaining cloud.Range // window cursor, original request tail included
	delayed   bool
	finished  bool
	err       error
}

func newStream(h *provider.Handle, item cloud.Item, rng cloud.Range) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{
		handle:    h,
		item:      item,
		ctx:       ctx,
		cancel:    cancel,
		remaining: rng,
	}
	st.cond = sync.NewCond(&st.mu)
	st.runWindow()
	return st
}

// runWindow launches the download of the next window.
func (st *stream) runWindow() {
	st.mu.Lock()
	window := cloud.Range{Start: st.remaining.Start, Size: st.remaining.Size}
	if window.Size > ChunkSize {
		window.Size = ChunkSize
	}
	st.mu.Unlock()

	go func() {
		err := st.handle.DownloadRange(st.ctx, st.item, window, writerFunc(st.put))
		st.windowDone(err)
	}()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (st *stream) put(p []byte) (int, error) {
	st.mu.Lock()
	st.data = append(st.data, p...)
	st.mu.Unlock()
	st.cond.Broadcast()
	return len(p), nil
}

// windowDone advances the window cursor; the last window finishes the
// stream, otherwise the next one starts immediately or is deferred behind
// the backpressure threshold.
func (st *stream) windowDone(err error) {
	st.mu.Lock()
	if err != nil || st.remaining.Size <= ChunkSize {
		st.err = err
		st.finished = true
		st.mu.Unlock()
		st.cond.Broadcast()
		return
	}
	st.remaining.Start += ChunkSize
	st.remaining.Size -= ChunkSize
	if 2*len(st.data) < ChunkSize {
		st.mu.Unlock()
		st.cond.Broadcast()
		st.runWindow()
		return
	}
	st.delayed = true
	st.mu.Unlock()
	st.cond.Broadcast()
}

// copyTo pumps buffered bytes into the response until the stream drains.
func (st *stream) copyTo(w http.ResponseWriter, ctx context.Context) error {
	flusher, _ := w.(http.Flusher)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			st.cancel()
			st.cond.Broadcast()
		case <-done:
		}
	}()

	for {
		st.mu.Lock()
		if st.delayed && 2*len(st.data) < ChunkSize && !st.finished {
			st.delayed = false
			st.mu.Unlock()
			st.runWindow()
			st.mu.Lock()
		}
		for len(st.data) == 0 && !st.finished && st.ctx.Err() == nil {
			st.cond.Wait()
		}
		if st.ctx.Err() != nil {
			st.mu.Unlock()
			return cloud.ErrAborted
		}
		if len(st.data) == 0 {
			err := st.err
			st.mu.Unlock()
			return err
		}
		chunk := st.data
		st.data = nil
		st.mu.Unlock()

		if _, err := w.Write(chunk); err != nil {
			st.cancel()
			return cloud.ErrAborted
		}
		metrics.RecordStreamed(int64(len(chunk)))
		if flusher != nil {
			flusher.Flush()
		}
	}
}
