package vfs

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/internal/metrics"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// Read delivers object[offset : offset+size) clipped to the file. Reads
// served by a cached chunk return immediately; everything else parks on
// the inode until a covering download lands. A second window past the
// read-ahead midpoint is fetched opportunistically.
func (fs *FileSystem) Read(inode FileID, offset, size int64, cb ReadCallback) {
	fs.Getattr(inode, func(nd *Node, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if nd.handle == nil {
			cb(nil, cloud.NewError(cloud.CodeBad, "not a file"))
			return
		}
		item := nd.Item()
		if item.ID == AuthItemID {
			fs.readAuthItem(nd, offset, size, cb)
			return
		}
		objectSize := nd.Size()
		if objectSize == cloud.UnknownSize || objectSize == 0 {
			cb(nil, nil)
			return
		}

		rng := cloud.Range{Start: offset, Size: size}.Fit(objectSize)

		nd.mu.Lock()
		// Opportunistic read-ahead: if no cached chunk covers the window
		// past the midpoint, fetch it alongside the demand read.
		ahead := cloud.Range{Start: rng.Start + ReadAhead/2, Size: ReadAhead / 2}
		needAhead := true
		for _, c := range nd.chunks {
			if ahead.Inside(c.rng, objectSize) {
				needAhead = false
				break
			}
		}
		if needAhead {
			fs.downloadLocked(nd, cloud.Range{Start: rng.Start + ReadAhead/2, Size: rng.Size}, objectSize)
		}

		// Serve from the chunk cache when a chunk fully contains the range.
		for _, c := range nd.chunks {
			if rng.Inside(c.rng, objectSize) {
				data := c.data[rng.Start-c.rng.Start : rng.Start-c.rng.Start+rng.Size]
				nd.mu.Unlock()
				metrics.RecordChunkCache(true)
				cb(data, nil)
				return
			}
		}
		metrics.RecordChunkCache(false)
		nd.readRequests = append(nd.readRequests, readRequest{rng: rng, cb: cb})
		fs.downloadLocked(nd, rng, objectSize)
		nd.mu.Unlock()
	})
}

// readAuthItem serves a slice of the inlined consent redirect page.
func (fs *FileSystem) readAuthItem(nd *Node, offset, size int64, cb ReadCallback) {
	data := []byte(authorizeHTML(nd.handle.AuthorizeLibraryURL()))
	if len(data) == 0 {
		cb(nil, nil)
		return
	}
	start := offset
	if start > int64(len(data))-1 {
		start = int64(len(data)) - 1
	}
	end := start + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	cb(data[start:end], nil)
}

// downloadLocked issues a download for rng widened to at least ReadAhead,
// unless a pending download already covers it. nd.mu must be held.
func (fs *FileSystem) downloadLocked(nd *Node, rng cloud.Range, objectSize int64) {
	for _, pending := range nd.pendingDownloads {
		if rng.Inside(pending, objectSize) {
			return
		}
	}
	widened := rng
	if widened.Size < ReadAhead {
		widened.Size = ReadAhead
	}
	widened = widened.Fit(objectSize)
	nd.pendingDownloads = append(nd.pendingDownloads, widened)

	collector := &downloadCollector{
		done: func(data []byte, err error) {
			fs.downloadFinished(nd, widened, objectSize, data, err)
		},
	}
	logging.Debug("requesting",
		zap.String("filename", nd.item.Filename),
		zap.Int64("start", widened.Start),
		zap.Int64("size", widened.Size))
	r := nd.handle.DownloadFile(nd.item, widened, collector)
	fs.workers.Launch(r)
}

// downloadFinished delivers the window to every parked reader it covers
// and caches the chunk in the bounded FIFO.
func (fs *FileSystem) downloadFinished(nd *Node, rng cloud.Range, objectSize int64, data []byte, err error) {
	nd.mu.Lock()
	var ready []readRequest
	kept := nd.readRequests[:0]
	for _, req := range nd.readRequests {
		if req.rng.Inside(rng, objectSize) {
			ready = append(ready, req)
		} else {
			kept = append(kept, req)
		}
	}
	nd.readRequests = kept
	for i, pending := range nd.pendingDownloads {
		if pending == rng {
			nd.pendingDownloads = append(nd.pendingDownloads[:i], nd.pendingDownloads[i+1:]...)
			break
		}
	}
	if err == nil {
		nd.chunks = append(nd.chunks, chunk{rng: rng, data: data})
		if len(nd.chunks) > CachedChunkCount {
			nd.chunks = nd.chunks[1:]
		}
	}
	nd.mu.Unlock()

	for _, req := range ready {
		if err != nil {
			req.cb(nil, err)
			continue
		}
		lo := req.rng.Start - rng.Start
		hi := lo + req.rng.Size
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}
		if lo > hi {
			lo = hi
		}
		req.cb(data[lo:hi], nil)
	}
}

// downloadCollector accumulates streamed bytes and hands the whole window
// to done.
type downloadCollector struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done func([]byte, error)
}

func (c *downloadCollector) ReceivedData(data []byte) {
	c.mu.Lock()
	c.buf.Write(data)
	c.mu.Unlock()
}

func (c *downloadCollector) Done(err error) {
	c.mu.Lock()
	data := c.buf.Bytes()
	c.mu.Unlock()
	if err != nil {
		c.done(nil, err)
		return
	}
	c.done(data, nil)
}

func (c *downloadCollector) Progress(now, total int64) {}
