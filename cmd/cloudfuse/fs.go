package main

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/vfs"
)

// cloudNode bridges one vfs inode into the kernel FUSE tree.
type cloudNode struct {
	fs.Inode

	cfs *vfs.FileSystem
	id  vfs.FileID
}

var _ fs.InodeEmbedder = (*cloudNode)(nil)
var _ fs.NodeGetattrer = (*cloudNode)(nil)
var _ fs.NodeLookuper = (*cloudNode)(nil)
var _ fs.NodeReaddirer = (*cloudNode)(nil)
var _ fs.NodeOpener = (*cloudNode)(nil)
var _ fs.NodeReader = (*cloudNode)(nil)
var _ fs.NodeWriter = (*cloudNode)(nil)
var _ fs.NodeFsyncer = (*cloudNode)(nil)
var _ fs.NodeCreater = (*cloudNode)(nil)
var _ fs.NodeMkdirer = (*cloudNode)(nil)
var _ fs.NodeUnlinker = (*cloudNode)(nil)
var _ fs.NodeRmdirer = (*cloudNode)(nil)
var _ fs.NodeRenamer = (*cloudNode)(nil)

// await blocks the FUSE goroutine until the vfs completion lands.
func await[T any](run func(cb func(T, error))) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	run(func(v T, err error) { ch <- outcome{v, err} })
	o := <-ch
	return o.v, o.err
}

// errno maps engine failures onto kernel error numbers.
func errno(err error) syscall.Errno {
	switch cloud.AsError(err).Code {
	case cloud.CodeNotFound:
		return syscall.ENOENT
	case cloud.CodeNotEmpty:
		return syscall.ENOTEMPTY
	case cloud.CodeUnauthorized, cloud.CodeForbidden:
		return syscall.EACCES
	case cloud.CodeServiceUnavailable:
		return syscall.ENOTSUP
	case cloud.CodeAborted:
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

func fillAttr(node *vfs.Node, out *gofuse.Attr) {
	item := node.Item()
	if item.IsDirectory() {
		out.Mode = 0o755 | syscall.S_IFDIR
	} else {
		out.Mode = 0o644 | syscall.S_IFREG
	}
	if size := node.Size(); size != cloud.UnknownSize {
		out.Size = uint64(size)
	}
	if !item.Timestamp.IsZero() {
		out.Mtime = uint64(item.Timestamp.Unix())
		out.Atime = out.Mtime
		out.Ctime = out.Mtime
	}
}

func (n *cloudNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	node, err := await(func(cb func(*vfs.Node, error)) { n.cfs.Getattr(n.id, cb) })
	if err != nil {
		return errno(err)
	}
	fillAttr(node, &out.Attr)
	return 0
}

func (n *cloudNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, err := await(func(cb func(*vfs.Node, error)) { n.cfs.Lookup(n.id, name, cb) })
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(node, &out.Attr)
	child := &cloudNode{cfs: n.cfs, id: node.Inode()}
	stable := fs.StableAttr{Mode: out.Attr.Mode &^ 0o777, Ino: node.Inode()}
	return n.NewInode(ctx, child, stable), 0
}

func (n *cloudNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	nodes, err := await(func(cb func([]*vfs.Node, error)) { n.cfs.Readdir(n.id, cb) })
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]gofuse.DirEntry, 0, len(nodes))
	for _, node := range nodes {
		mode := uint32(syscall.S_IFREG)
		if node.IsDirectory() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{
			Name: cloud.Sanitize(node.Filename()),
			Mode: mode,
			Ino:  node.Inode(),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *cloudNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (n *cloudNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := await(func(cb func([]byte, error)) {
		n.cfs.Read(n.id, off, int64(len(dest)), cb)
	})
	if err != nil {
		return nil, errno(err)
	}
	copied := copy(dest, data)
	return gofuse.ReadResultData(dest[:copied]), 0
}

func (n *cloudNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	var written int
	done := make(chan struct{}, 1)
	n.cfs.Write(n.id, data, off, func(count int) {
		written = count
		done <- struct{}{}
	})
	<-done
	if written == 0 && len(data) > 0 {
		return 0, syscall.EIO
	}
	return uint32(written), 0
}

func (n *cloudNode) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	errCh := make(chan error, 1)
	n.cfs.Fsync(n.id, func(err error) { errCh <- err })
	if err := <-errCh; err != nil {
		return errno(err)
	}
	return 0
}

func (n *cloudNode) Create(ctx context.Context, name string, flags, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	id := n.cfs.Mknod(n.id, name)
	if id == 0 {
		return nil, nil, 0, syscall.EIO
	}
	out.Attr.Mode = 0o644 | syscall.S_IFREG
	child := &cloudNode{cfs: n.cfs, id: id}
	inode := n.NewInode(ctx, child, fs.StableAttr{Ino: id})
	return inode, nil, 0, 0
}

func (n *cloudNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, err := await(func(cb func(*vfs.Node, error)) { n.cfs.Mkdir(n.id, name, cb) })
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(node, &out.Attr)
	child := &cloudNode{cfs: n.cfs, id: node.Inode()}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: node.Inode()}), 0
}

func (n *cloudNode) Unlink(ctx context.Context, name string) syscall.Errno {
	errCh := make(chan error, 1)
	n.cfs.Remove(n.id, name, func(err error) { errCh <- err })
	if err := <-errCh; err != nil {
		return errno(err)
	}
	return 0
}

func (n *cloudNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

func (n *cloudNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*cloudNode)
	if !ok {
		return syscall.EIO
	}
	_, err := await(func(cb func(cloud.Item, error)) {
		n.cfs.Rename(n.id, name, target.id, newName, cb)
	})
	if err != nil {
		return errno(err)
	}
	return 0
}
