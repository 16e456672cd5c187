// Package vfs layers a stable inode namespace over the union of mounted
// providers: directory caching with TTL, write-then-sync uploads, read
// chunk caching with read-ahead, and safe cross-thread cancellation.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/internal/metrics"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/request"
)

const (
	// CacheDirectoryDuration is the TTL of a directory's cached children.
	CacheDirectoryDuration = 10 * time.Second
	// ReadAhead is the minimum download window; it also drives prefetch.
	ReadAhead = 2 * 1024 * 1024
	// CachedChunkCount bounds the per-inode chunk FIFO.
	CachedChunkCount = 4
	// AuthItemID marks the synthetic authorize.html child of each provider
	// root; reads against it serve inlined consent HTML.
	AuthItemID = "NVap5sT9XY"

	rootID FileID = 1
)

// Callback signatures. Completions fire exactly once; cache hits may invoke
// the callback on the caller's thread, remote completions arrive on the
// event loop.
type (
	GetItemCallback func(*Node, error)
	ListCallback    func([]*Node, error)
	ReadCallback    func(data []byte, err error)
	WriteCallback   func(n int)
	ItemCallback    func(cloud.Item, error)
	DoneCallback    func(error)
)

// ProviderEntry mounts one handle under a label.
type ProviderEntry struct {
	Label  string
	Handle *provider.Handle
}

// Options configure a FileSystem.
type Options struct {
	// TemporaryDirectory holds write buffers; os.TempDir when empty.
	TemporaryDirectory string
	// CacheFile persists the listing cache between runs; empty disables.
	CacheFile string
	// Loop receives user-visible callbacks.
	Loop request.Loop
}

// FileSystem is the virtual filesystem over all mounted providers.
type FileSystem struct {
	mu        sync.Mutex
	next      FileID
	nodes     map[FileID]*Node
	nodeByKey map[string]FileID
	pathToID  map[string]FileID
	children  map[FileID]map[FileID]struct{}
	refreshed map[FileID]time.Time
	authNodes map[string]FileID
	labels    map[*provider.Handle]string

	loop    request.Loop
	workers *request.Workers
	tmpDir  string
	cache   *ListingCache
	running atomic.Bool
}

// New constructs the filesystem: one inode per mounted provider under the
// synthetic root, plus the authorize.html child per provider.
func New(entries []ProviderEntry, opts Options) *FileSystem {
	tmpDir := opts.TemporaryDirectory
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	fs := &FileSystem{
		next:      rootID,
		nodes:     make(map[FileID]*Node),
		nodeByKey: make(map[string]FileID),
		pathToID:  make(map[string]FileID),
		children:  make(map[FileID]map[FileID]struct{}),
		refreshed: make(map[FileID]time.Time),
		authNodes: make(map[string]FileID),
		labels:    make(map[*provider.Handle]string),
		loop:      opts.Loop,
		workers:   request.NewWorkers(),
		tmpDir:    tmpDir,
		cache:     NewListingCache(opts.CacheFile),
	}
	fs.running.Store(true)

	fs.mu.Lock()
	root := fs.addLocked(nil, 0, cloud.Item{
		ID: "root", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory,
	})
	rootChildren := make(map[FileID]struct{})
	for _, entry := range entries {
		fs.labels[entry.Handle] = entry.Label
		providerRoot := entry.Handle.RootDirectory()
		node := fs.addLocked(entry.Handle, root.inode, cloud.Item{
			ID:       providerRoot.ID,
			Filename: entry.Label,
			Size:     cloud.UnknownSize,
			Type:     cloud.ItemDirectory,
		})
		rootChildren[node.inode] = struct{}{}
		authNode := fs.addLocked(entry.Handle, node.inode, authItem(entry.Handle))
		fs.authNodes[entry.Label] = authNode.inode
	}
	fs.children[root.inode] = rootChildren
	fs.mu.Unlock()

	if err := fs.cache.Load(); err != nil {
		logging.Warn("listing cache load failed", zap.Error(err))
	}
	return fs
}

// Close shuts the filesystem down: live requests cancel, both workers drain
// and join, the listing cache is flushed.
func (fs *FileSystem) Close() {
	fs.running.Store(false)
	fs.mu.Lock()
	nodes := make([]*Node, 0, len(fs.nodes))
	for _, n := range fs.nodes {
		nodes = append(nodes, n)
	}
	fs.mu.Unlock()
	for _, n := range nodes {
		if r := n.uploadRequest(); r != nil {
			r.Cancel()
		}
		n.dropStore()
	}
	fs.workers.Close()
	if err := fs.cache.Flush(); err != nil {
		logging.Warn("listing cache flush failed", zap.Error(err))
	}
}

// Root returns the synthetic root inode.
func (fs *FileSystem) Root() FileID { return rootID }

func authorizeHTML(url string) string {
	return "<html><script>window.location.href=\"" + url + "\";</script></html>"
}

func authItem(h *provider.Handle) cloud.Item {
	return cloud.Item{
		ID:       AuthItemID,
		Filename: "authorize.html",
		Size:     int64(len(authorizeHTML(h.AuthorizeLibraryURL()))),
	}
}

// ─── Node table ─────────────────────────────────────────────────────────────

func (fs *FileSystem) key(h *provider.Handle, item cloud.Item) string {
	label := ""
	if h != nil {
		label = fs.labels[h]
		if label == "" {
			label = h.Name()
		}
	}
	return label + "\x00" + item.Filename + "\x00" + item.ID
}

// addLocked interns (handle, item) under parent; an existing node with the
// same identity is returned unchanged. fs.mu must be held.
func (fs *FileSystem) addLocked(h *provider.Handle, parent FileID, item cloud.Item) *Node {
	key := fs.key(h, item)
	if id, ok := fs.nodeByKey[key]; ok {
		return fs.nodes[id]
	}
	id := fs.next
	fs.next++
	node := &Node{
		inode:  id,
		parent: parent,
		handle: h,
		item:   item,
		size:   item.Size,
	}
	fs.nodes[id] = node
	fs.nodeByKey[key] = id
	if parent > 0 {
		node.path = fs.nodes[parent].path + "/" + cloud.Sanitize(item.Filename)
		fs.pathToID[node.path] = id
	} else {
		fs.pathToID[""] = id
	}
	return node
}

// setLocked rebinds inode to a fresh item, keeping the path index
// consistent. fs.mu must be held.
func (fs *FileSystem) setLocked(id FileID, h *provider.Handle, parent FileID, item cloud.Item, size int64) *Node {
	if old, ok := fs.nodes[id]; ok {
		delete(fs.nodeByKey, fs.key(old.handle, old.item))
		delete(fs.pathToID, old.path)
	}
	node := &Node{inode: id, parent: parent, handle: h, item: item, size: size}
	fs.nodes[id] = node
	fs.nodeByKey[fs.key(h, item)] = id
	if parent > 0 {
		node.path = fs.nodes[parent].path + "/" + cloud.Sanitize(item.Filename)
		fs.pathToID[node.path] = id
	}
	return node
}

// removeLocked drops a node from every index. fs.mu must be held.
func (fs *FileSystem) removeLocked(id FileID) {
	if node, ok := fs.nodes[id]; ok {
		delete(fs.nodeByKey, fs.key(node.handle, node.item))
		delete(fs.pathToID, node.path)
		delete(fs.nodes, id)
	}
	delete(fs.children, id)
	delete(fs.refreshed, id)
}

// Get returns the node for an inode, or nil.
func (fs *FileSystem) Get(id FileID) *Node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nodes[id]
}

func (fs *FileSystem) collectLocked(set map[FileID]struct{}) []*Node {
	nodes := make([]*Node, 0, len(set))
	for id := range set {
		if n, ok := fs.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].inode < nodes[j].inode })
	return nodes
}

// invalidateLocked clears every descendant of root: their ids are stale
// after a move and must be re-listed. In-flight reads on descendants are
// allowed to complete; their results land on unlinked nodes and are
// discarded with them. fs.mu must be held.
func (fs *FileSystem) invalidateLocked(root FileID) {
	set, ok := fs.children[root]
	if !ok {
		return
	}
	for id := range set {
		fs.invalidateLocked(id)
		fs.removeLocked(id)
	}
	delete(fs.children, root)
	delete(fs.refreshed, root)
}

// ─── Metadata operations ────────────────────────────────────────────────────

// Getattr resolves the node, refreshing an unknown file size from the
// provider before first use.
func (fs *FileSystem) Getattr(inode FileID, cb GetItemCallback) {
	nd := fs.Get(inode)
	if nd == nil {
		cb(nil, cloud.NewError(cloud.CodeBad, "no such inode"))
		return
	}
	item := nd.Item()
	if nd.handle == nil || item.IsDirectory() || nd.Size() != cloud.UnknownSize {
		cb(nd, nil)
		return
	}
	r := nd.handle.GetItemData(item.ID, func(fresh cloud.Item, err error) {
		if err != nil {
			nd.setSize(0)
			cb(nil, err)
			return
		}
		fs.mu.Lock()
		node := fs.setLocked(inode, nd.handle, nd.parent, fresh, fresh.Size)
		fs.mu.Unlock()
		cb(node, nil)
	})
	fs.workers.Launch(r)
}

// GetattrPath resolves a sanitized slash path through the path index.
func (fs *FileSystem) GetattrPath(path string, cb GetItemCallback) {
	if len(path) > 0 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	fs.mu.Lock()
	id, ok := fs.pathToID[path]
	fs.mu.Unlock()
	if !ok {
		cb(nil, cloud.NewError(cloud.CodeNotFound, "file not found"))
		return
	}
	fs.Getattr(id, cb)
}

// Lookup finds the child of parent whose sanitized filename matches name.
func (fs *FileSystem) Lookup(parent FileID, name string, cb GetItemCallback) {
	fs.Readdir(parent, func(nodes []*Node, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		for _, n := range nodes {
			if cloud.Sanitize(n.Filename()) == name {
				cb(n, nil)
				return
			}
		}
		cb(nil, cloud.NewError(cloud.CodeNotFound, "no entry %q", name))
	})
}

// Readdir lists a directory. Cached children are returned immediately; a
// background refresh runs when the TTL lapsed and none is pending. A
// refresh failure on a never-listed directory yields the single synthetic
// authorize.html child pointing at the consent URL.
func (fs *FileSystem) Readdir(inode FileID, cb ListCallback) {
	reported := false
	fs.mu.Lock()
	set, hasChildren := fs.children[inode]
	if hasChildren {
		nodes := fs.collectLocked(set)
		fs.mu.Unlock()
		reported = true
		cb(nodes, nil)
	} else {
		fs.mu.Unlock()
	}

	nd := fs.Get(inode)
	if nd == nil || (nd.handle == nil && !reported) {
		if !reported {
			cb(nil, cloud.NewError(cloud.CodeBad, "no such directory"))
		}
		return
	}
	if nd.handle == nil {
		return // the synthetic root's children are static
	}

	// Seed a first listing from the persisted cache while the network
	// refresh runs.
	label := fs.labelOf(nd.handle)
	if !reported {
		if items, ok := fs.cache.Get(nd.handle.Name(), label, nd.Item().ID); ok {
			ids := fs.bindChildren(nd, inode, items, false)
			fs.mu.Lock()
			nodes := fs.collectLocked(ids)
			fs.mu.Unlock()
			reported = true
			cb(nodes, nil)
		}
	}

	fs.mu.Lock()
	refreshedAt, hasTS := fs.refreshed[inode]
	fs.mu.Unlock()

	nd.mu.Lock()
	if reported && (nd.listPending || (hasTS && time.Since(refreshedAt) <= CacheDirectoryDuration)) {
		nd.mu.Unlock()
		return
	}
	nd.listPending = true
	nd.mu.Unlock()

	alreadyReported := reported
	r := nd.handle.ListDirectory(nd.Item(), func(items []cloud.Item, err error) {
		defer func() {
			nd.mu.Lock()
			nd.listPending = false
			nd.mu.Unlock()
		}()
		if err != nil {
			if alreadyReported {
				return
			}
			if cloud.IsAborted(err) {
				cb(nil, err)
				return
			}
			// Never listed and the provider refused: hand out the
			// authorize.html child so readers can reach the consent URL.
			fs.mu.Lock()
			auth := fs.nodes[fs.authNodes[label]]
			fs.mu.Unlock()
			if auth == nil {
				cb(nil, err)
				return
			}
			cb([]*Node{auth}, nil)
			return
		}
		ids := fs.bindChildren(nd, inode, items, true)
		metrics.RecordDirectoryRefresh()
		fs.cache.Put(nd.handle.Name(), label, nd.Item().ID, items)
		if !alreadyReported {
			fs.mu.Lock()
			nodes := fs.collectLocked(ids)
			fs.mu.Unlock()
			cb(nodes, nil)
		}
	})
	fs.workers.Launch(r)
}

// bindChildren interns the listed items as children of inode. A refresh
// also stamps the TTL clock.
func (fs *FileSystem) bindChildren(nd *Node, inode FileID, items []cloud.Item, refresh bool) map[FileID]struct{} {
	set := make(map[FileID]struct{}, len(items))
	fs.mu.Lock()
	for _, item := range items {
		set[fs.addLocked(nd.handle, inode, item).inode] = struct{}{}
	}
	fs.children[inode] = set
	if refresh {
		fs.refreshed[inode] = time.Now()
	}
	fs.mu.Unlock()
	return set
}

func (fs *FileSystem) labelOf(h *provider.Handle) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if label := fs.labels[h]; label != "" {
		return label
	}
	return h.Name()
}

// ─── Write path ─────────────────────────────────────────────────────────────

// Mknod creates a fresh inode with an empty local write buffer under
// parent, returning 0 when the parent belongs to no provider.
func (fs *FileSystem) Mknod(parent FileID, name string) FileID {
	fs.mu.Lock()
	p, ok := fs.nodes[parent]
	if !ok || p.handle == nil {
		fs.mu.Unlock()
		return 0
	}
	node := fs.addLocked(p.handle, parent, cloud.Item{Filename: name, Size: 0})
	if set, ok := fs.children[parent]; ok {
		set[node.inode] = struct{}{}
	}
	fs.mu.Unlock()

	if err := fs.openStore(node); err != nil {
		logging.Error("mknod buffer", zap.String("name", name), zap.Error(err))
		return 0
	}
	return node.inode
}

func (fs *FileSystem) openStore(node *Node) error {
	name := filepath.Join(fs.tmpDir, fmt.Sprintf("cloudgrove%d", node.inode))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create write buffer: %w", err)
	}
	node.mu.Lock()
	node.cacheFilename = name
	node.store = f
	node.mu.Unlock()
	return nil
}

// Write stores data into the node's local buffer; failures report 0 bytes.
func (fs *FileSystem) Write(inode FileID, data []byte, offset int64, cb WriteCallback) {
	nd := fs.Get(inode)
	if nd == nil {
		cb(0)
		return
	}
	nd.mu.Lock()
	if nd.store == nil {
		nd.mu.Unlock()
		if err := fs.openStore(nd); err != nil {
			cb(0)
			return
		}
		nd.mu.Lock()
	}
	_, err := nd.store.WriteAt(data, offset)
	if end := offset + int64(len(data)); err == nil && end > nd.size {
		nd.size = end
	}
	nd.mu.Unlock()
	if err != nil {
		logging.Error("write buffer", zap.Uint64("inode", inode), zap.Error(err))
		cb(0)
		return
	}
	cb(len(data))
}

// Fsync uploads the node's write buffer. The upload streams from the
// buffer in bounded chunks and reports progress as the inode's running
// size; success rebinds the inode to the server's item, failure keeps the
// local buffer for a later retry.
func (fs *FileSystem) Fsync(inode FileID, cb DoneCallback) {
	nd := fs.Get(inode)
	if nd == nil {
		cb(cloud.NewError(cloud.CodeBad, "no such inode"))
		return
	}
	parent := fs.Get(nd.parent)
	if parent == nil || parent.handle == nil {
		cb(cloud.NewError(cloud.CodeServiceUnavailable, "no provider"))
		return
	}

	nd.mu.Lock()
	store := nd.store
	nd.mu.Unlock()
	if store == nil {
		cb(nil)
		return
	}
	size, err := store.Seek(0, io.SeekEnd)
	if err != nil {
		cb(cloud.NewError(cloud.CodeFailure, "seek write buffer: %v", err))
		return
	}

	// Sniff the content type while the buffer is still local.
	sniffed := ""
	if mt, err := mimetype.DetectReader(io.NewSectionReader(store, 0, size)); err == nil {
		sniffed = mt.String()
	}

	upload := &provider.Upload{
		Size: size,
		Open: func() (io.Reader, error) {
			return &progressReader{
				r:  io.NewSectionReader(store, 0, size),
				fn: nd.setSize,
			}, nil
		},
	}

	filename := nd.Filename()
	logging.Debug("fsync", zap.String("filename", filename), zap.Int64("size", size))
	r := parent.handle.UploadFile(parent.Item(), filename, upload, func(item cloud.Item, err error) {
		if err != nil {
			cb(err)
			return
		}
		if item.MimeType == "" {
			item.MimeType = sniffed
		}
		fs.mu.Lock()
		fs.setLocked(inode, parent.handle, nd.parent, item, item.Size)
		fs.mu.Unlock()
		nd.dropStore()
		logging.Debug("fsynced", zap.String("filename", filename))
		cb(nil)
	})
	nd.setUploadRequest(r)
	fs.workers.Launch(r)
}

type progressReader struct {
	r   io.Reader
	now int64
	fn  func(int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.now += int64(n)
		p.fn(p.now)
	}
	return n, err
}

// Mkdir creates a remote directory under parent.
func (fs *FileSystem) Mkdir(parent FileID, name string, cb GetItemCallback) {
	nd := fs.Get(parent)
	if nd == nil || nd.handle == nil {
		cb(nil, cloud.NewError(cloud.CodeBad, "no provider"))
		return
	}
	r := nd.handle.CreateDirectory(nd.Item(), name, func(item cloud.Item, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		fs.mu.Lock()
		node := fs.addLocked(nd.handle, parent, item)
		if set, ok := fs.children[parent]; ok {
			set[node.inode] = struct{}{}
		}
		fs.mu.Unlock()
		cb(node, nil)
	})
	fs.workers.Launch(r)
}

// ─── Rename & remove ────────────────────────────────────────────────────────

// Rename moves parent/name to newparent/newname. Cross-provider moves fail
// with ServiceUnavailable. When the name changes, the item is renamed
// first; a differing target parent then triggers the move. The inode is
// re-parented atomically and descendant entries are invalidated.
func (fs *FileSystem) Rename(parent FileID, name string, newparent FileID, newname string, cb ItemCallback) {
	if cloud.Sanitize(newname) != newname {
		cb(cloud.Item{}, cloud.NewError(cloud.CodeServiceUnavailable, "invalid new name"))
		return
	}
	fs.Lookup(parent, name, func(node *Node, err error) {
		if err != nil {
			cb(cloud.Item{}, err)
			return
		}
		parentNode := fs.Get(parent)
		destNode := fs.Get(newparent)
		if parentNode == nil || destNode == nil ||
			parentNode.handle == nil || destNode.handle == nil {
			cb(cloud.Item{}, cloud.NewError(cloud.CodeFailure, "invalid provider"))
			return
		}
		if parentNode.handle != destNode.handle {
			cb(cloud.Item{}, cloud.NewError(cloud.CodeServiceUnavailable, "can't move files between providers"))
			return
		}
		logging.Debug("renaming", zap.String("from", name), zap.String("to", newname))

		finish := func(item cloud.Item, err error) {
			if err != nil {
				cb(cloud.Item{}, err)
				return
			}
			fs.mu.Lock()
			fs.invalidateLocked(node.inode)
			if set, ok := fs.children[parent]; ok {
				delete(set, node.inode)
			}
			if set, ok := fs.children[newparent]; ok {
				set[node.inode] = struct{}{}
			}
			fs.setLocked(node.inode, node.handle, newparent, item, node.Size())
			fs.mu.Unlock()
			cb(item, nil)
		}

		move := func(item cloud.Item) {
			if parent != newparent {
				r := node.handle.MoveItem(item, destNode.Item(), finish)
				fs.workers.Launch(r)
			} else {
				finish(item, nil)
			}
		}

		if cloud.Sanitize(node.Filename()) != newname {
			r := node.handle.RenameItem(node.Item(), newname, func(item cloud.Item, err error) {
				if err != nil {
					cb(cloud.Item{}, err)
					return
				}
				move(item)
			})
			fs.workers.Launch(r)
		} else {
			move(node.Item())
		}
	})
}

// Remove deletes parent/name. Directories must list empty; a file with an
// in-flight upload only cancels the upload and unlinks locally.
func (fs *FileSystem) Remove(parent FileID, name string, cb DoneCallback) {
	logging.Debug("removing", zap.String("name", name))
	unlink := func(node *Node) {
		fs.mu.Lock()
		if set, ok := fs.children[parent]; ok {
			delete(set, node.inode)
		}
		fs.removeLocked(node.inode)
		fs.mu.Unlock()
	}
	removeFile := func(node *Node) {
		if upload := node.uploadRequest(); upload != nil && !upload.Completed() {
			fs.workers.Cancel(upload)
			node.dropStore()
			unlink(node)
			cb(nil)
			return
		}
		if node.handle == nil {
			cb(cloud.NewError(cloud.CodeServiceUnavailable, "no provider"))
			return
		}
		r := node.handle.DeleteItem(node.Item(), func(err error) {
			if err != nil {
				logging.Warn("remove failed", zap.String("name", name), zap.Error(err))
				cb(err)
				return
			}
			unlink(node)
			cb(nil)
		})
		fs.workers.Launch(r)
	}
	fs.Lookup(parent, name, func(node *Node, err error) {
		if err != nil {
			cb(err)
			return
		}
		if node.IsDirectory() {
			fs.Readdir(node.inode, func(children []*Node, err error) {
				if err != nil {
					cb(err)
					return
				}
				if len(children) > 0 {
					cb(cloud.NewError(cloud.CodeNotEmpty, "not empty"))
					return
				}
				removeFile(node)
			})
			return
		}
		removeFile(node)
	})
}
