package vfs

import (
	"os"
	"sync"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/request"
)

// FileID is the stable inode identifier, assigned monotonically from 1
// (the synthetic root). Ids are stable for the filesystem's lifetime but
// not across restarts.
type FileID = uint64

// chunk is one cached (range, bytes) pair.
type chunk struct {
	rng  cloud.Range
	data []byte
}

// readRequest is a parked reader waiting for a download window.
type readRequest struct {
	rng cloud.Range
	cb  ReadCallback
}

// Node is one inode. The node lock is a leaf: never acquire the filesystem
// lock while holding it.
type Node struct {
	mu sync.Mutex

	inode  FileID
	parent FileID
	handle *provider.Handle // nil for the synthetic root
	item   cloud.Item
	size   int64
	path   string

	// Write path
	cacheFilename string
	store         *os.File
	uploadReq     *request.Request

	// Read path
	pendingDownloads []cloud.Range
	readRequests     []readRequest
	chunks           []chunk

	listPending bool
}

// Inode returns the node's identifier.
func (n *Node) Inode() FileID { return n.inode }

// Parent returns the parent inode (0 only for the root).
func (n *Node) Parent() FileID { return n.parent }

// Handle returns the owning provider handle.
func (n *Node) Handle() *provider.Handle { return n.handle }

// Item returns the current provider item.
func (n *Node) Item() cloud.Item {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.item
}

// Size returns the node's byte size (may differ from the item during an
// upload, where it tracks progress).
func (n *Node) Size() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size
}

func (n *Node) setSize(size int64) {
	n.mu.Lock()
	n.size = size
	n.mu.Unlock()
}

// Filename returns the item's name.
func (n *Node) Filename() string { return n.Item().Filename }

// IsDirectory reports whether the node is a directory.
func (n *Node) IsDirectory() bool { return n.Item().IsDirectory() }

// Path returns the sanitized slash path of the node.
func (n *Node) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// uploadRequest returns the in-flight upload, if any.
func (n *Node) uploadRequest() *request.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uploadReq
}

func (n *Node) setUploadRequest(r *request.Request) {
	n.mu.Lock()
	n.uploadReq = r
	n.mu.Unlock()
}

// dropStore closes and removes the write buffer.
func (n *Node) dropStore() {
	n.mu.Lock()
	store, name := n.store, n.cacheFilename
	n.store = nil
	n.cacheFilename = ""
	n.mu.Unlock()
	if store != nil {
		store.Close()
		os.Remove(name)
	}
}
