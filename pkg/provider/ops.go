package provider

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/cloudgrove/cloudgrove/internal/metrics"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/request"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

// DownloadCallback receives streamed bytes off the transport goroutine;
// Done fires exactly once on the event loop.
type DownloadCallback interface {
	ReceivedData(data []byte)
	Done(err error)
	Progress(now, total int64)
}

type callbackWriter struct {
	cb DownloadCallback
	n  int64
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	w.cb.ReceivedData(p)
	w.n += int64(len(p))
	return len(p), nil
}

func voidCB(cb func(error)) func(struct{}, error) {
	return func(_ struct{}, err error) { cb(err) }
}

func isDirect(a Adapter) bool {
	_, ok := a.(Direct)
	return ok
}

// RootDirectory returns the provider's namespace root.
func (h *Handle) RootDirectory() cloud.Item { return h.adapter.RootDirectory() }

// ExchangeCode exchanges an authorization code (or credential blob) for a
// token pair.
func (h *Handle) ExchangeCode(code string, cb func(cloud.Token, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Token, error) {
		return h.exchangeCode(ctx, code)
	})
}

// GetItemURL resolves a directly fetchable URL for the item.
func (h *Handle) GetItemURL(item cloud.Item, cb func(string, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (string, error) {
		if item.URL != "" {
			return item.URL, nil
		}
		res, err := h.doParsed(ctx, OpGetItemURL, Args{Item: item})
		if err != nil {
			return "", err
		}
		return res.URL, nil
	})
}

// ListDirectoryPage fetches one page of a directory listing.
func (h *Handle) ListDirectoryPage(item cloud.Item, pageToken string, cb func(cloud.PageData, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.PageData, error) {
		res, err := h.doParsed(ctx, OpListDirectoryPage, Args{Item: item, PageToken: pageToken})
		if err != nil {
			return cloud.PageData{}, err
		}
		return cloud.PageData{Items: res.Items, NextToken: res.NextToken}, nil
	})
}

// ListDirectory drives ListDirectoryPage until the page token drains and
// delivers the concatenated listing.
func (h *Handle) ListDirectory(item cloud.Item, cb func([]cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) ([]cloud.Item, error) {
		return h.listAll(ctx, item)
	})
}

func (h *Handle) listAll(ctx context.Context, item cloud.Item) ([]cloud.Item, error) {
	var items []cloud.Item
	token := ""
	for {
		res, err := h.doParsed(ctx, OpListDirectoryPage, Args{Item: item, PageToken: token})
		if err != nil {
			return nil, err
		}
		items = append(items, res.Items...)
		if res.NextToken == "" {
			return items, nil
		}
		token = res.NextToken
	}
}

// GetItem resolves a slash-separated path by walking listings from the
// provider root.
func (h *Handle) GetItem(path string, cb func(cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Item, error) {
		current := h.adapter.RootDirectory()
		for _, component := range strings.Split(path, "/") {
			if component == "" {
				continue
			}
			children, err := h.listAll(ctx, current)
			if err != nil {
				return cloud.Item{}, err
			}
			found := false
			for _, c := range children {
				if c.Filename == component {
					current, found = c, true
					break
				}
			}
			if !found {
				return cloud.Item{}, cloud.NewError(cloud.CodeNotFound, "no %q in %q", component, current.Filename)
			}
		}
		return current, nil
	})
}

// GetItemData fetches the item with the given provider id.
func (h *Handle) GetItemData(id string, cb func(cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Item, error) {
		res, err := h.doParsed(ctx, OpGetItemData, Args{ID: id})
		if err != nil {
			return cloud.Item{}, err
		}
		return res.Item, nil
	})
}

// DownloadFile streams the byte range of item into the callback.
func (h *Handle) DownloadFile(item cloud.Item, rng cloud.Range, cb DownloadCallback) *request.Request {
	r := request.New(h.loop)
	deliver := request.Bind(r, func(_ struct{}, err error) { cb.Done(err) })
	go func() {
		sink := &callbackWriter{cb: cb}
		progress := func(now, total int64) { cb.Progress(now, total) }
		var err error
		switch {
		case isDirect(h.adapter):
			if h.adapter.Supports(OpDownloadFile) {
				_, err = h.adapter.(Direct).Do(r.Context(), OpDownloadFile, Args{Item: item, Range: rng}, sink)
			} else {
				err = cloud.ErrOperationNotSupported
			}
		case h.adapter.Supports(OpDownloadFile):
			_, _, err = h.do(r.Context(), OpDownloadFile, Args{Item: item, Range: rng}, sink, progress)
		case h.adapter.Supports(OpGetItemURL):
			// Providers without a direct content endpoint resolve a link
			// first and range-read from it.
			var res *Result
			res, err = h.doParsed(r.Context(), OpGetItemURL, Args{Item: item})
			if err == nil {
				err = h.fetchURL(r.Context(), res.URL, &rng, sink, progress)
			}
		default:
			err = cloud.ErrOperationNotSupported
		}
		if r.Context().Err() != nil {
			err = cloud.ErrAborted
		}
		metrics.RecordDownload(h.adapter.Name(), sink.n)
		deliver(struct{}{}, err)
	}()
	return r
}

// UploadFile streams a new file under parent. The upload source is reopened
// for each wire attempt, so re-authorization retries restart cleanly. On
// success the callback receives the server's item for the fresh file.
func (h *Handle) UploadFile(parent cloud.Item, name string, upload *Upload, cb func(cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Item, error) {
		var item cloud.Item
		var err error
		if linker, ok := h.adapter.(UploadLinker); ok {
			item, err = h.linkedUpload(ctx, linker, Args{Parent: parent, Name: name, Upload: upload})
		} else {
			var res *Result
			res, err = h.doParsed(ctx, OpUploadFile, Args{Parent: parent, Name: name, Upload: upload})
			if res != nil {
				item = res.Item
			}
		}
		if err != nil {
			return cloud.Item{}, err
		}
		metrics.RecordUpload(h.adapter.Name(), upload.Size)
		return item, nil
	})
}

// linkedUpload composes a two-step upload: resolve the transfer target,
// push the body, then stat the fresh item.
func (h *Handle) linkedUpload(ctx context.Context, linker UploadLinker, a Args) (cloud.Item, error) {
	if h.needsAuthorization() {
		if err := h.runAuthorize(ctx); err != nil {
			return cloud.Item{}, err
		}
	}
	req, body, err := linker.UploadLinkRequest(a, h.Token())
	if err != nil {
		return cloud.Item{}, err
	}
	var out, errOut bytes.Buffer
	resp, err := h.transport.Send(ctx, req, body, &out, &errOut, nil)
	if err != nil {
		return cloud.Item{}, err
	}
	if !h.adapter.IsSuccess(resp.Code, resp.Headers) {
		return cloud.Item{}, httpError(resp.Code, errOut.String())
	}
	method, target, err := linker.ParseUploadLink(out.Bytes())
	if err != nil {
		return cloud.Item{}, cloud.AsError(err)
	}

	content, err := a.Upload.Open()
	if err != nil {
		return cloud.Item{}, cloud.AsError(err)
	}
	push := transport.NewRequest(target, method, true)
	var pushErr bytes.Buffer
	resp, err = h.transport.Send(ctx, push, content, io.Discard, &pushErr, nil)
	if err != nil {
		return cloud.Item{}, err
	}
	if !cloud.IsSuccess(resp.Code) {
		return cloud.Item{}, httpError(resp.Code, pushErr.String())
	}

	res, err := h.doParsed(ctx, OpGetItemData, Args{ID: linker.UploadedItemID(a)})
	if err != nil {
		return cloud.Item{}, err
	}
	return res.Item, nil
}

// DeleteItem removes the item from the provider.
func (h *Handle) DeleteItem(item cloud.Item, cb func(error)) *request.Request {
	return request.Resolve(request.New(h.loop), voidCB(cb), func(ctx context.Context) (struct{}, error) {
		_, err := h.doParsed(ctx, OpDeleteItem, Args{Item: item})
		return struct{}{}, err
	})
}

// CreateDirectory creates a directory named name under parent.
func (h *Handle) CreateDirectory(parent cloud.Item, name string, cb func(cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Item, error) {
		res, err := h.doParsed(ctx, OpCreateDirectory, Args{Parent: parent, Name: name})
		if err != nil {
			return cloud.Item{}, err
		}
		return res.Item, nil
	})
}

// MoveItem moves item under the destination directory.
func (h *Handle) MoveItem(item, destination cloud.Item, cb func(cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Item, error) {
		res, err := h.doParsed(ctx, OpMoveItem, Args{Item: item, Destination: destination})
		if err != nil {
			return cloud.Item{}, err
		}
		return res.Item, nil
	})
}

// RenameItem renames item in place.
func (h *Handle) RenameItem(item cloud.Item, name string, cb func(cloud.Item, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.Item, error) {
		res, err := h.doParsed(ctx, OpRenameItem, Args{Item: item, Name: name})
		if err != nil {
			return cloud.Item{}, err
		}
		return res.Item, nil
	})
}

// GeneralData fetches account-level information.
func (h *Handle) GeneralData(cb func(cloud.GeneralData, error)) *request.Request {
	return request.Resolve(request.New(h.loop), cb, func(ctx context.Context) (cloud.GeneralData, error) {
		res, err := h.doParsed(ctx, OpGeneralData, Args{})
		if err != nil {
			return cloud.GeneralData{}, err
		}
		return res.General, nil
	})
}

// GetThumbnail streams the item's thumbnail. Providers without a dedicated
// thumbnail operation fall back to the item's thumbnail URL.
func (h *Handle) GetThumbnail(item cloud.Item, cb DownloadCallback) *request.Request {
	r := request.New(h.loop)
	deliver := request.Bind(r, func(_ struct{}, err error) { cb.Done(err) })
	go func() {
		sink := &callbackWriter{cb: cb}
		var err error
		switch {
		case h.adapter.Supports(OpGetThumbnail):
			_, _, err = h.do(r.Context(), OpGetThumbnail, Args{Item: item}, sink, nil)
		case item.ThumbnailURL != "":
			err = h.fetchURL(r.Context(), item.ThumbnailURL, nil, sink, nil)
		default:
			err = cloud.ErrOperationNotSupported
		}
		if r.Context().Err() != nil {
			err = cloud.ErrAborted
		}
		deliver(struct{}{}, err)
	}()
	return r
}

// DownloadRange streams one byte range synchronously into sink. The file
// server's pipeline drives its fetch windows through this, owning its own
// goroutines and cancellation context.
func (h *Handle) DownloadRange(ctx context.Context, item cloud.Item, rng cloud.Range, sink io.Writer) error {
	counted := &countingWriter{w: sink}
	var err error
	switch {
	case isDirect(h.adapter):
		if !h.adapter.Supports(OpDownloadFile) {
			return cloud.ErrOperationNotSupported
		}
		_, err = h.adapter.(Direct).Do(ctx, OpDownloadFile, Args{Item: item, Range: rng}, counted)
	case h.adapter.Supports(OpDownloadFile):
		_, _, err = h.do(ctx, OpDownloadFile, Args{Item: item, Range: rng}, counted, nil)
	case h.adapter.Supports(OpGetItemURL):
		var res *Result
		res, err = h.doParsed(ctx, OpGetItemURL, Args{Item: item})
		if err == nil {
			err = h.fetchURL(ctx, res.URL, &rng, counted, nil)
		}
	default:
		err = cloud.ErrOperationNotSupported
	}
	metrics.RecordDownload(h.adapter.Name(), counted.n)
	if ctx.Err() != nil {
		return cloud.ErrAborted
	}
	return err
}

// ItemData fetches an item by id synchronously.
func (h *Handle) ItemData(ctx context.Context, id string) (cloud.Item, error) {
	res, err := h.doParsed(ctx, OpGetItemData, Args{ID: id})
	if err != nil {
		return cloud.Item{}, err
	}
	return res.Item, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// fetchURL performs a plain GET against a resolved URL; used for thumbnail
// URLs and for providers whose downloads go through GetItemURL.
func (h *Handle) fetchURL(ctx context.Context, url string, rng *cloud.Range, sink io.Writer, progress transport.Progress) error {
	req := transport.NewRequest(url, "GET", true)
	if rng != nil {
		req.SetHeader("Range", rng.Header())
	}
	var errBuf bytes.Buffer
	resp, err := h.transport.Send(ctx, req, nil, sink, &errBuf, progress)
	if err != nil {
		return err
	}
	if !cloud.IsSuccess(resp.Code) {
		return httpError(resp.Code, errBuf.String())
	}
	return nil
}
