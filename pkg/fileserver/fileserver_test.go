package fileserver

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/httpd"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/provider/localdrive"
)

type inlineLoop struct{}

func (inlineLoop) Post(fn func()) { fn() }

func TestLRU_EvictsOldest(t *testing.T) {
	c := newLRU(4)
	const extra = 3
	for i := 0; i < 4+extra; i++ {
		c.Put(fmt.Sprintf("key%d", i), cloud.Item{ID: fmt.Sprintf("key%d", i)})
	}
	for i := 0; i < extra; i++ {
		if _, ok := c.Get(fmt.Sprintf("key%d", i)); ok {
			t.Errorf("key%d should have been evicted", i)
		}
	}
	for i := extra; i < 4+extra; i++ {
		if _, ok := c.Get(fmt.Sprintf("key%d", i)); !ok {
			t.Errorf("key%d missing", i)
		}
	}
	if c.Len() != 4 {
		t.Errorf("len = %d, want 4", c.Len())
	}
}

func TestLRU_GetRefreshesRecency(t *testing.T) {
	c := newLRU(2)
	c.Put("a", cloud.Item{ID: "a"})
	c.Put("b", cloud.Item{ID: "b"})
	c.Get("a")
	c.Put("c", cloud.Item{ID: "c"}) // must evict b, not a
	if _, ok := c.Get("a"); !ok {
		t.Error("a was evicted despite recent use")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b survived eviction")
	}
}

// newLocalServer builds a file server over a local-drive handle with one
// 16-byte object.
func newLocalServer(t *testing.T) (*Server, *provider.Handle, cloud.Item, *httpd.Server) {
	t.Helper()
	root := t.TempDir()
	content := []byte("0123456789abcdef")
	if err := os.WriteFile(filepath.Join(root, "file.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	adapter := localdrive.New(cloud.Hints{"root": root})
	handle := provider.NewHandle(adapter, provider.InitData{
		Loop:  inlineLoop{},
		State: "stX",
	})
	web := httpd.NewServer("127.0.0.1:0", "http://example.test")
	server, err := New(handle, web)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(server.Close)

	item := cloud.Item{ID: "/file.bin", Filename: "file.bin", Size: 16}
	return server, handle, item, web
}

func get(t *testing.T, web *httpd.Server, url string, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	web.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_FullBody(t *testing.T) {
	_, handle, item, web := newLocalServer(t)

	rec := get(t, web, handle.FileDaemonURL(item), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %q", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "0123456789abcdef" {
		t.Errorf("body = %q", got)
	}
	if ar := rec.Header().Get("Accept-Ranges"); ar != "bytes" {
		t.Errorf("Accept-Ranges = %q", ar)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `inline; filename="file.bin"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestServer_PartialRange(t *testing.T) {
	_, handle, item, web := newLocalServer(t)

	rec := get(t, web, handle.FileDaemonURL(item), "bytes=0-7")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("code = %d", rec.Code)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 0-7/16" {
		t.Errorf("Content-Range = %q", cr)
	}
	if body := rec.Body.Bytes(); len(body) != 8 || string(body) != "01234567" {
		t.Errorf("body = %q", body)
	}
}

func TestServer_OpenEndedRange(t *testing.T) {
	_, handle, item, web := newLocalServer(t)

	rec := get(t, web, handle.FileDaemonURL(item), "bytes=10-")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("code = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "abcdef" {
		t.Errorf("body = %q", got)
	}
}

func TestServer_RangePastEnd(t *testing.T) {
	_, handle, item, web := newLocalServer(t)

	rec := get(t, web, handle.FileDaemonURL(item), "bytes=100-")
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("code = %d, want 416", rec.Code)
	}
}

func TestServer_WrongStateRejected(t *testing.T) {
	_, handle, item, web := newLocalServer(t)

	other := provider.NewHandle(localdrive.New(cloud.Hints{}), provider.InitData{
		Loop:  inlineLoop{},
		State: "other",
		Hints: cloud.Hints{"file_url": "http://example.test/stX"},
	})
	// A blob minted under another handle's state must be refused.
	rec := get(t, web, other.FileDaemonURL(item), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
	_ = handle
}

func TestServer_GarbageBlob(t *testing.T) {
	_, _, _, web := newLocalServer(t)

	rec := get(t, web, "http://example.test/stX/%21%21not-base64", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}

func TestServer_ItemCacheElidesLookups(t *testing.T) {
	server, handle, item, web := newLocalServer(t)

	for i := 0; i < 3; i++ {
		rec := get(t, web, handle.FileDaemonURL(item), "bytes=0-3")
		if rec.Code != http.StatusPartialContent {
			t.Fatalf("request %d: code = %d", i, rec.Code)
		}
		if _, err := io.ReadAll(rec.Result().Body); err != nil {
			t.Fatal(err)
		}
	}
	if server.items.Len() != 1 {
		t.Errorf("item cache holds %d entries, want 1", server.items.Len())
	}
}
