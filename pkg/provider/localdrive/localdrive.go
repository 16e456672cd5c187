// Package localdrive exposes a rooted local directory through the provider
// engine. It backs tests and local mounts; no authorization is involved.
package localdrive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

// Adapter implements provider.Adapter over the local filesystem. Item ids
// are slash paths relative to the root; the root's id is "/".
type Adapter struct {
	root string
}

// New creates a local drive adapter rooted at the "root" hint (the process
// working directory when absent).
func New(hints cloud.Hints) *Adapter {
	return &Adapter{root: hints.Get("root", ".")}
}

func (a *Adapter) Name() string { return "local" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "/", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (a *Adapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpListDirectoryPage, provider.OpGetItemData, provider.OpDownloadFile,
		provider.OpUploadFile, provider.OpDeleteItem, provider.OpCreateDirectory,
		provider.OpMoveItem, provider.OpRenameItem, provider.OpGeneralData:
		return true
	}
	return false
}

func (a *Adapter) Reauthorize(int, http.Header) bool { return false }

func (a *Adapter) IsSuccess(code int, _ http.Header) bool { return cloud.IsSuccess(code) }

func (a *Adapter) BuildRequest(provider.Op, provider.Args, cloud.Token) (*transport.Request, io.Reader, error) {
	return nil, nil, cloud.ErrOperationNotSupported
}

func (a *Adapter) ParseResponse(provider.Op, provider.Args, []byte, http.Header) (*provider.Result, error) {
	return nil, cloud.ErrOperationNotSupported
}

// resolve maps an item id onto a filesystem path, refusing escapes.
func (a *Adapter) resolve(id string) (string, error) {
	cleaned := path.Clean("/" + id)
	if strings.Contains(cleaned, "..") {
		return "", cloud.NewError(cloud.CodeBad, "invalid path %q", id)
	}
	return filepath.Join(a.root, filepath.FromSlash(cleaned)), nil
}

func fileItem(id string, info os.FileInfo) cloud.Item {
	it := cloud.Item{
		ID:        id,
		Filename:  info.Name(),
		Size:      info.Size(),
		Timestamp: info.ModTime(),
		Type:      provider.ItemTypeFromName(info.Name()),
	}
	if id == "/" {
		it.Filename = "/"
	}
	if info.IsDir() {
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	}
	return it
}

func joinID(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

// Do implements provider.Direct.
func (a *Adapter) Do(ctx context.Context, op provider.Op, args provider.Args, sink io.Writer) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		dir, err := a.resolve(args.Item.ID)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, mapError(err)
		}
		res := &provider.Result{}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			res.Items = append(res.Items, fileItem(joinID(args.Item.ID, e.Name()), info))
		}
		return res, nil

	case provider.OpGetItemData:
		p, err := a.resolve(args.ID)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{Item: fileItem(args.ID, info)}, nil

	case provider.OpDownloadFile:
		p, err := a.resolve(args.Item.ID)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, mapError(err)
		}
		defer f.Close()
		rng := args.Range
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			return nil, mapError(err)
		}
		if rng.IsFull() {
			_, err = io.Copy(sink, f)
		} else {
			_, err = io.CopyN(sink, f, rng.Size)
			if err == io.EOF {
				err = nil
			}
		}
		return &provider.Result{}, mapError(err)

	case provider.OpUploadFile:
		p, err := a.resolve(joinID(args.Parent.ID, args.Name))
		if err != nil {
			return nil, err
		}
		src, err := args.Upload.Open()
		if err != nil {
			return nil, mapError(err)
		}
		f, err := os.Create(p)
		if err != nil {
			return nil, mapError(err)
		}
		if _, err := io.Copy(f, src); err != nil {
			f.Close()
			return nil, mapError(err)
		}
		if err := f.Close(); err != nil {
			return nil, mapError(err)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{Item: fileItem(joinID(args.Parent.ID, args.Name), info)}, nil

	case provider.OpDeleteItem:
		p, err := a.resolve(args.Item.ID)
		if err != nil {
			return nil, err
		}
		return &provider.Result{}, mapError(os.Remove(p))

	case provider.OpCreateDirectory:
		id := joinID(args.Parent.ID, args.Name)
		p, err := a.resolve(id)
		if err != nil {
			return nil, err
		}
		if err := os.Mkdir(p, 0o755); err != nil {
			return nil, mapError(err)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, mapError(err)
		}
		return &provider.Result{Item: fileItem(id, info)}, nil

	case provider.OpMoveItem:
		dstID := joinID(args.Destination.ID, args.Item.Filename)
		return a.rename(args.Item, dstID)

	case provider.OpRenameItem:
		dstID := joinID(path.Dir(strings.TrimSuffix(args.Item.ID, "/")), args.Name)
		return a.rename(args.Item, dstID)

	case provider.OpGeneralData:
		return &provider.Result{General: cloud.GeneralData{
			Username:   a.root,
			SpaceUsed:  cloud.UnknownSize,
			SpaceTotal: cloud.UnknownSize,
		}}, nil
	}
	return nil, cloud.ErrOperationNotSupported
}

func (a *Adapter) rename(item cloud.Item, dstID string) (*provider.Result, error) {
	src, err := a.resolve(item.ID)
	if err != nil {
		return nil, err
	}
	dst, err := a.resolve(dstID)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, mapError(err)
	}
	moved := item
	moved.ID = dstID
	moved.Filename = path.Base(dstID)
	return &provider.Result{Item: moved}, nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return cloud.NewError(cloud.CodeNotFound, "%v", err)
	case os.IsPermission(err):
		return cloud.NewError(cloud.CodeForbidden, "%v", err)
	default:
		return cloud.NewError(cloud.CodeFailure, "%v", fmt.Errorf("local drive: %w", err))
	}
}
