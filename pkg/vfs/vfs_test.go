package vfs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

type inlineLoop struct{}

func (inlineLoop) Post(fn func()) { fn() }

// memAdapter is an instrumented in-memory provider: ids are slash paths,
// directories map names to entries.
type memAdapter struct {
	name string

	mu        sync.Mutex
	files     map[string][]byte   // id -> content
	dirs      map[string][]string // id -> child ids
	downloads atomic.Int32
	listings  atomic.Int32
	deletes   atomic.Int32
	listStall chan struct{} // when set, listings block until closed
	failList  bool
}

func newMemAdapter(name string) *memAdapter {
	return &memAdapter{
		name:  name,
		files: make(map[string][]byte),
		dirs:  map[string][]string{"/": {}},
	}
}

func (m *memAdapter) addFile(id string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[id] = content
	m.dirs["/"] = append(m.dirs["/"], id)
}

func (m *memAdapter) Name() string { return m.name }

func (m *memAdapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "/", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (m *memAdapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpListDirectoryPage, provider.OpGetItemData, provider.OpDownloadFile,
		provider.OpUploadFile, provider.OpDeleteItem, provider.OpCreateDirectory,
		provider.OpMoveItem, provider.OpRenameItem:
		return true
	}
	return false
}

func (m *memAdapter) Reauthorize(int, http.Header) bool { return false }

func (m *memAdapter) IsSuccess(c int, _ http.Header) bool { return cloud.IsSuccess(c) }

func (m *memAdapter) BuildRequest(provider.Op, provider.Args, cloud.Token) (*transport.Request, io.Reader, error) {
	return nil, nil, cloud.ErrOperationNotSupported
}

func (m *memAdapter) ParseResponse(provider.Op, provider.Args, []byte, http.Header) (*provider.Result, error) {
	return nil, cloud.ErrOperationNotSupported
}

func (m *memAdapter) itemFor(id string) cloud.Item {
	if _, ok := m.dirs[id]; ok {
		name := "/"
		if id != "/" {
			name = id[bytes.LastIndexByte([]byte(id), '/')+1:]
		}
		return cloud.Item{ID: id, Filename: name, Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
	}
	name := id[bytes.LastIndexByte([]byte(id), '/')+1:]
	return cloud.Item{ID: id, Filename: name, Size: int64(len(m.files[id]))}
}

func (m *memAdapter) Do(ctx context.Context, op provider.Op, args provider.Args, sink io.Writer) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		m.listings.Add(1)
		if stall := m.listStall; stall != nil {
			select {
			case <-stall:
			case <-ctx.Done():
				return nil, cloud.ErrAborted
			}
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.failList {
			return nil, cloud.NewError(cloud.CodeUnauthorized, "listing refused")
		}
		children, ok := m.dirs[args.Item.ID]
		if !ok {
			return nil, cloud.NewError(cloud.CodeNotFound, "no such directory")
		}
		res := &provider.Result{}
		for _, id := range children {
			res.Items = append(res.Items, m.itemFor(id))
		}
		return res, nil

	case provider.OpGetItemData:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.dirs[args.ID]; !ok {
			if _, ok := m.files[args.ID]; !ok {
				return nil, cloud.NewError(cloud.CodeNotFound, "no such item")
			}
		}
		return &provider.Result{Item: m.itemFor(args.ID)}, nil

	case provider.OpDownloadFile:
		m.downloads.Add(1)
		m.mu.Lock()
		content, ok := m.files[args.Item.ID]
		m.mu.Unlock()
		if !ok {
			return nil, cloud.NewError(cloud.CodeNotFound, "no such file")
		}
		rng := args.Range.Fit(int64(len(content)))
		if _, err := sink.Write(content[rng.Start:rng.End()]); err != nil {
			return nil, err
		}
		return &provider.Result{}, nil

	case provider.OpUploadFile:
		src, err := args.Upload.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		id := "/" + args.Name
		m.mu.Lock()
		m.files[id] = data
		found := false
		for _, c := range m.dirs[args.Parent.ID] {
			if c == id {
				found = true
			}
		}
		if !found {
			m.dirs[args.Parent.ID] = append(m.dirs[args.Parent.ID], id)
		}
		item := m.itemFor(id)
		m.mu.Unlock()
		return &provider.Result{Item: item}, nil

	case provider.OpDeleteItem:
		m.deletes.Add(1)
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.files, args.Item.ID)
		for dir, children := range m.dirs {
			kept := children[:0]
			for _, c := range children {
				if c != args.Item.ID {
					kept = append(kept, c)
				}
			}
			m.dirs[dir] = kept
		}
		return &provider.Result{}, nil

	case provider.OpCreateDirectory:
		id := "/" + args.Name
		m.mu.Lock()
		m.dirs[id] = []string{}
		m.dirs[args.Parent.ID] = append(m.dirs[args.Parent.ID], id)
		item := m.itemFor(id)
		m.mu.Unlock()
		return &provider.Result{Item: item}, nil

	case provider.OpRenameItem, provider.OpMoveItem:
		m.mu.Lock()
		defer m.mu.Unlock()
		newID := "/" + args.Name
		if op == provider.OpMoveItem {
			newID = "/" + args.Item.Filename
		}
		if content, ok := m.files[args.Item.ID]; ok {
			delete(m.files, args.Item.ID)
			m.files[newID] = content
		}
		for dir, children := range m.dirs {
			for i, c := range children {
				if c == args.Item.ID {
					m.dirs[dir][i] = newID
				}
			}
		}
		return &provider.Result{Item: m.itemFor(newID)}, nil
	}
	return nil, cloud.ErrOperationNotSupported
}

func newHandle(m *memAdapter) *provider.Handle {
	return provider.NewHandle(m, provider.InitData{Loop: inlineLoop{}, State: "s-" + m.name})
}

func newFS(t *testing.T, adapters ...*memAdapter) *FileSystem {
	t.Helper()
	var entries []ProviderEntry
	for _, m := range adapters {
		entries = append(entries, ProviderEntry{Label: m.name, Handle: newHandle(m)})
	}
	fs := New(entries, Options{
		TemporaryDirectory: t.TempDir(),
		Loop:               inlineLoop{},
	})
	t.Cleanup(fs.Close)
	return fs
}

// providerRoot resolves the mounted root inode for a label.
func providerRoot(t *testing.T, fs *FileSystem, label string) FileID {
	t.Helper()
	var id FileID
	done := make(chan struct{})
	fs.Readdir(fs.Root(), func(nodes []*Node, err error) {
		if err != nil {
			t.Errorf("readdir root: %v", err)
		}
		for _, n := range nodes {
			if n.Filename() == label {
				id = n.Inode()
			}
		}
		close(done)
	})
	<-done
	if id == 0 {
		t.Fatalf("provider %q not mounted", label)
	}
	return id
}

func lookup(t *testing.T, fs *FileSystem, parent FileID, name string) *Node {
	t.Helper()
	ch := make(chan *Node, 1)
	fs.Lookup(parent, name, func(n *Node, err error) {
		if err != nil {
			t.Errorf("lookup %q: %v", name, err)
		}
		ch <- n
	})
	select {
	case n := <-ch:
		if n == nil {
			t.FailNow()
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("lookup %q timed out", name)
		return nil
	}
}

func read(t *testing.T, fs *FileSystem, inode FileID, offset, size int64) []byte {
	t.Helper()
	ch := make(chan []byte, 1)
	fs.Read(inode, offset, size, func(data []byte, err error) {
		if err != nil {
			t.Errorf("read: %v", err)
		}
		ch <- data
	})
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("read timed out")
		return nil
	}
}

func TestRead_SmallReadAndChunkCache(t *testing.T) {
	m := newMemAdapter("mem")
	object := make([]byte, 100)
	for i := range object {
		object[i] = byte(i)
	}
	m.addFile("/obj.bin", object)
	fs := newFS(t, m)

	root := providerRoot(t, fs, "mem")
	node := lookup(t, fs, root, "obj.bin")

	got := read(t, fs, node.Inode(), 10, 20)
	if !bytes.Equal(got, object[10:30]) {
		t.Errorf("read(10,20) = %v, want object[10:30)", got)
	}

	before := m.downloads.Load()
	got = read(t, fs, node.Inode(), 15, 10)
	if !bytes.Equal(got, object[15:25]) {
		t.Errorf("read(15,10) = %v, want object[15:25)", got)
	}
	if after := m.downloads.Load(); after != before {
		t.Errorf("second read issued %d extra downloads, want 0", after-before)
	}
}

func TestRead_PastEnd(t *testing.T) {
	m := newMemAdapter("mem")
	object := make([]byte, 100)
	for i := range object {
		object[i] = byte(i)
	}
	m.addFile("/obj.bin", object)
	fs := newFS(t, m)

	node := lookup(t, fs, providerRoot(t, fs, "mem"), "obj.bin")
	got := read(t, fs, node.Inode(), 90, 50)
	if len(got) != 10 || !bytes.Equal(got, object[90:100]) {
		t.Errorf("read(90,50) returned %d bytes, want 10 equal to object[90:100)", len(got))
	}
}

func TestRename_CrossProviderFails(t *testing.T) {
	a := newMemAdapter("alpha")
	b := newMemAdapter("beta")
	a.addFile("/a.txt", []byte("a"))
	fs := newFS(t, a, b)

	rootA := providerRoot(t, fs, "alpha")
	rootB := providerRoot(t, fs, "beta")

	ch := make(chan error, 1)
	fs.Rename(rootA, "a.txt", rootB, "a.txt", func(item cloud.Item, err error) { ch <- err })
	err := <-ch
	if cloud.AsError(err).Code != cloud.CodeServiceUnavailable {
		t.Errorf("cross-provider rename error = %v, want ServiceUnavailable", err)
	}
}

func TestRename_InvalidNameFails(t *testing.T) {
	m := newMemAdapter("mem")
	m.addFile("/a.txt", []byte("a"))
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")

	ch := make(chan error, 1)
	fs.Rename(root, "a.txt", root, "b:d.txt", func(item cloud.Item, err error) { ch <- err })
	if err := <-ch; cloud.AsError(err).Code != cloud.CodeServiceUnavailable {
		t.Errorf("invalid rename error = %v, want ServiceUnavailable", err)
	}
}

func TestFsync_RoundTrip(t *testing.T) {
	m := newMemAdapter("mem")
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")
	// Prime the children set so mknod's entry lands in a listed directory.
	lookupAll(t, fs, root)

	inode := fs.Mknod(root, "note.txt")
	if inode == 0 {
		t.Fatal("mknod returned 0")
	}

	wrote := make(chan int, 1)
	fs.Write(inode, []byte("hello"), 0, func(n int) { wrote <- n })
	if n := <-wrote; n != 5 {
		t.Fatalf("write wrote %d bytes, want 5", n)
	}

	synced := make(chan error, 1)
	fs.Fsync(inode, func(err error) { synced <- err })
	if err := <-synced; err != nil {
		t.Fatalf("fsync: %v", err)
	}

	node := fs.Get(inode)
	if node.Size() != 5 {
		t.Errorf("size after fsync = %d, want 5", node.Size())
	}
	if node.Item().ID == "" {
		t.Error("item id still empty after fsync")
	}

	found := false
	done := make(chan struct{})
	fs.Readdir(root, func(nodes []*Node, err error) {
		for _, n := range nodes {
			if n.Filename() == "note.txt" {
				found = true
			}
		}
		close(done)
	})
	<-done
	if !found {
		t.Error("note.txt missing from parent listing")
	}
}

func lookupAll(t *testing.T, fs *FileSystem, dir FileID) {
	t.Helper()
	done := make(chan struct{})
	fs.Readdir(dir, func([]*Node, error) { close(done) })
	<-done
}

func TestCancelledListing_SingleAbortedCallback(t *testing.T) {
	m := newMemAdapter("mem")
	m.listStall = make(chan struct{})
	handle := newHandle(m)

	var calls atomic.Int32
	errCh := make(chan error, 2)
	r := handle.ListDirectory(handle.RootDirectory(), func(items []cloud.Item, err error) {
		calls.Add(1)
		errCh <- err
	})
	time.Sleep(20 * time.Millisecond)
	r.Cancel()
	close(m.listStall)

	select {
	case err := <-errCh:
		if !cloud.IsAborted(err) {
			t.Errorf("error = %v, want aborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("callback fired %d times, want exactly 1", got)
	}
}

func TestRemove_NonEmptyDirectory(t *testing.T) {
	m := newMemAdapter("mem")
	m.mu.Lock()
	m.dirs["/sub"] = []string{"/sub/child.txt"}
	m.files["/sub/child.txt"] = []byte("x")
	m.dirs["/"] = append(m.dirs["/"], "/sub")
	m.mu.Unlock()
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")

	ch := make(chan error, 1)
	fs.Remove(root, "sub", func(err error) { ch <- err })
	if err := <-ch; cloud.AsError(err).Code != cloud.CodeNotEmpty {
		t.Errorf("remove non-empty error = %v, want NotEmpty", err)
	}
}

func TestRemove_File(t *testing.T) {
	m := newMemAdapter("mem")
	m.addFile("/gone.txt", []byte("x"))
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")
	node := lookup(t, fs, root, "gone.txt")

	ch := make(chan error, 1)
	fs.Remove(root, "gone.txt", func(err error) { ch <- err })
	if err := <-ch; err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.deletes.Load() != 1 {
		t.Errorf("deletes = %d, want 1", m.deletes.Load())
	}
	if fs.Get(node.Inode()) != nil {
		t.Error("inode survived removal")
	}
}

func TestReaddir_AuthItemOnFailure(t *testing.T) {
	m := newMemAdapter("mem")
	m.failList = true
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")

	ch := make(chan []*Node, 1)
	fs.Readdir(root, func(nodes []*Node, err error) {
		if err != nil {
			t.Errorf("readdir: %v", err)
		}
		ch <- nodes
	})
	nodes := <-ch
	if len(nodes) != 1 || nodes[0].Item().ID != AuthItemID {
		t.Fatalf("failed listing yielded %d nodes, want the authorize.html child", len(nodes))
	}

	data := read(t, fs, nodes[0].Inode(), 0, 4096)
	if !bytes.Contains(data, []byte("window.location.href")) {
		t.Errorf("authorize.html content = %q", data)
	}
}

func TestReaddir_RefreshTTL(t *testing.T) {
	m := newMemAdapter("mem")
	m.addFile("/a.txt", []byte("a"))
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")

	lookupAll(t, fs, root)
	listings := m.listings.Load()

	// Within the TTL a cached readdir must not refresh.
	lookupAll(t, fs, root)
	time.Sleep(50 * time.Millisecond)
	if got := m.listings.Load(); got != listings {
		t.Errorf("readdir within TTL issued %d extra listings", got-listings)
	}
}

func TestGetattrPath_Index(t *testing.T) {
	m := newMemAdapter("mem")
	m.addFile("/we:ird.txt", []byte("x"))
	fs := newFS(t, m)
	root := providerRoot(t, fs, "mem")
	lookupAll(t, fs, root)

	ch := make(chan *Node, 1)
	fs.GetattrPath("/mem/we_ird.txt", func(n *Node, err error) {
		if err != nil {
			t.Errorf("getattr path: %v", err)
		}
		ch <- n
	})
	n := <-ch
	if n == nil || n.Item().ID != "/we:ird.txt" {
		t.Error("sanitized path did not resolve to the provider item")
	}

	missing := make(chan error, 1)
	fs.GetattrPath("/mem/nope", func(n *Node, err error) { missing <- err })
	if err := <-missing; cloud.AsError(err).Code != cloud.CodeNotFound {
		t.Errorf("missing path error = %v, want NotFound", err)
	}
}
