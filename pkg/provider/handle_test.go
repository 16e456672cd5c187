package provider

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

type inlineLoop struct{}

func (inlineLoop) Post(fn func()) { fn() }

// fakeAdapter speaks a tiny JSON protocol against an httptest server.
type fakeAdapter struct {
	base       string
	pages      int
	reauth401  bool
	tokenDelay time.Duration
	tokenValid atomic.Bool
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "root", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (f *fakeAdapter) Supports(op Op) bool {
	switch op {
	case OpListDirectoryPage, OpDownloadFile, OpDeleteItem:
		return true
	}
	return false
}

func (f *fakeAdapter) BuildRequest(op Op, a Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case OpListDirectoryPage:
		req := transport.NewRequest(f.base+"/list", "GET", true)
		AuthorizeBearer(req, tok)
		if a.PageToken != "" {
			req.SetParam("page", a.PageToken)
		}
		return req, nil, nil
	case OpDownloadFile:
		req := transport.NewRequest(f.base+"/data", "GET", true)
		AuthorizeBearer(req, tok)
		req.SetHeader("Range", a.Range.Header())
		return req, nil, nil
	case OpDeleteItem:
		req := transport.NewRequest(f.base+"/delete", "DELETE", true)
		AuthorizeBearer(req, tok)
		return req, nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

func (f *fakeAdapter) ParseResponse(op Op, a Args, body []byte, _ http.Header) (*Result, error) {
	switch op {
	case OpListDirectoryPage:
		page := 0
		if a.PageToken != "" {
			page, _ = strconv.Atoi(a.PageToken)
		}
		res := &Result{Items: []cloud.Item{{ID: fmt.Sprintf("item%d", page), Filename: fmt.Sprintf("item%d", page)}}}
		if page+1 < f.pages {
			res.NextToken = strconv.Itoa(page + 1)
		}
		return res, nil
	}
	return &Result{}, nil
}

func (f *fakeAdapter) Reauthorize(code int, _ http.Header) bool {
	return f.reauth401 && code == cloud.CodeUnauthorized
}

func (f *fakeAdapter) IsSuccess(code int, _ http.Header) bool { return cloud.IsSuccess(code) }

// OAuth surface: exchanges always mint "fresh-token".
func (f *fakeAdapter) AuthorizeURL(clientID, redirectURI, state string) string {
	return f.base + "/consent?state=" + state
}

func (f *fakeAdapter) ExchangeCodeRequest(_, _, _, code string) (*transport.Request, io.Reader) {
	return transport.NewRequest(f.base+"/token", "POST", true), nil
}

func (f *fakeAdapter) RefreshTokenRequest(_, _, refreshToken string) (*transport.Request, io.Reader) {
	return transport.NewRequest(f.base+"/token", "POST", true), nil
}

func (f *fakeAdapter) ParseTokenResponse(body []byte) (cloud.Token, error) {
	return ParseStandardToken(body)
}

// newFakeServer wires the adapter against a server that rejects stale
// bearers with 401 and counts token round-trips.
func newFakeServer(t *testing.T, fake *fakeAdapter) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if fake.tokenDelay > 0 {
			time.Sleep(fake.tokenDelay)
		}
		fake.tokenValid.Store(true)
		io.WriteString(w, `{"access_token":"fresh-token","refresh_token":"refresh"}`)
	})
	authed := func(r *http.Request) bool {
		return fake.tokenValid.Load() && r.Header.Get("Authorization") == "Bearer fresh-token"
	}
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "{}")
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "0123456789")
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &tokenCalls
}

func newTestHandle(fake *fakeAdapter, token string) *Handle {
	return NewHandle(fake, InitData{
		Token:     token,
		Transport: transport.New(),
		Loop:      inlineLoop{},
		State:     "st1",
	})
}

func TestListDirectory_ConcatenatesPages(t *testing.T) {
	fake := &fakeAdapter{pages: 3}
	ts, _ := newFakeServer(t, fake)
	fake.base = ts.URL
	fake.tokenValid.Store(true)
	h := newTestHandle(fake, "refresh")
	h.SetToken(cloud.Token{Token: "refresh", AccessToken: "fresh-token"})

	// Collect via paging ourselves first.
	var paged []cloud.Item
	token := ""
	for {
		ch := make(chan cloud.PageData, 1)
		h.ListDirectoryPage(h.RootDirectory(), token, func(pd cloud.PageData, err error) {
			if err != nil {
				t.Errorf("page: %v", err)
			}
			ch <- pd
		})
		pd := <-ch
		paged = append(paged, pd.Items...)
		if pd.NextToken == "" {
			break
		}
		token = pd.NextToken
	}

	ch := make(chan []cloud.Item, 1)
	h.ListDirectory(h.RootDirectory(), func(items []cloud.Item, err error) {
		if err != nil {
			t.Errorf("list: %v", err)
		}
		ch <- items
	})
	flat := <-ch

	if len(flat) != 3 || len(paged) != 3 {
		t.Fatalf("flat=%d paged=%d items, want 3", len(flat), len(paged))
	}
	for i := range flat {
		if flat[i].ID != paged[i].ID {
			t.Errorf("item %d: flat=%q paged=%q", i, flat[i].ID, paged[i].ID)
		}
	}
}

func TestDo_ReauthorizesOnceOn401(t *testing.T) {
	fake := &fakeAdapter{pages: 1, reauth401: true}
	ts, tokenCalls := newFakeServer(t, fake)
	fake.base = ts.URL
	h := newTestHandle(fake, "refresh")
	// A stale access token: the first wire call answers 401.
	h.SetToken(cloud.Token{Token: "refresh", AccessToken: "stale"})

	ch := make(chan error, 1)
	h.ListDirectory(h.RootDirectory(), func(items []cloud.Item, err error) { ch <- err })
	if err := <-ch; err != nil {
		t.Fatalf("list after reauth: %v", err)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
	if tok := h.Token(); tok.AccessToken != "fresh-token" {
		t.Errorf("access token = %q after refresh", tok.AccessToken)
	}
}

func TestAuthorizeBarrier_OneRefreshForConcurrentRequests(t *testing.T) {
	fake := &fakeAdapter{pages: 1, reauth401: true, tokenDelay: 100 * time.Millisecond}
	ts, tokenCalls := newFakeServer(t, fake)
	fake.base = ts.URL
	h := newTestHandle(fake, "refresh")
	h.SetToken(cloud.Token{Token: "refresh"})

	const concurrent = 6
	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		h.ListDirectory(h.RootDirectory(), func(items []cloud.Item, err error) {
			if err != nil {
				t.Errorf("list: %v", err)
			}
			wg.Done()
		})
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requests never completed")
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times for one barrier, want 1", got)
	}
}

func TestDownloadFile_StreamsRange(t *testing.T) {
	fake := &fakeAdapter{pages: 1}
	ts, _ := newFakeServer(t, fake)
	fake.base = ts.URL
	fake.tokenValid.Store(true)
	h := newTestHandle(fake, "refresh")
	h.SetToken(cloud.Token{Token: "refresh", AccessToken: "fresh-token"})

	var buf []byte
	done := make(chan error, 1)
	cb := &testDownload{
		data: func(p []byte) { buf = append(buf, p...) },
		done: func(err error) { done <- err },
	}
	h.DownloadFile(cloud.Item{ID: "x", Filename: "x"}, cloud.Range{Start: 0, Size: cloud.FullRange}, cb)
	if err := <-done; err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(buf) != "0123456789" {
		t.Errorf("downloaded %q", buf)
	}
}

type testDownload struct {
	data func([]byte)
	done func(error)
}

func (t *testDownload) ReceivedData(p []byte)     { t.data(p) }
func (t *testDownload) Done(err error)            { t.done(err) }
func (t *testDownload) Progress(now, total int64) {}

func TestFileDaemonURL_RoundTrip(t *testing.T) {
	fake := &fakeAdapter{}
	h := NewHandle(fake, InitData{Loop: inlineLoop{}, State: "st42", Hints: cloud.Hints{
		"file_url": "http://localhost:8080/st42",
	}})

	item := cloud.Item{ID: "some/id?x", Filename: "movie.mkv", Size: 4096}
	url := h.FileDaemonURL(item)
	blob := url[len("http://localhost:8080/st42/"):]

	state, id, name, size, err := DecodeFileBlob(blob)
	if err != nil {
		t.Fatalf("DecodeFileBlob: %v", err)
	}
	if state != "st42" || id != item.ID || name != item.Filename || size != item.Size {
		t.Errorf("roundtrip = %q %q %q %d", state, id, name, size)
	}
}

func TestUnsupportedOperation(t *testing.T) {
	fake := &fakeAdapter{}
	h := newTestHandle(fake, "")
	h.SetToken(cloud.Token{AccessToken: "fresh-token"})

	ch := make(chan error, 1)
	h.CreateDirectory(h.RootDirectory(), "x", func(item cloud.Item, err error) { ch <- err })
	err := <-ch
	if cloud.AsError(err).Code != cloud.CodeAborted {
		t.Errorf("error = %v, want aborted (unsupported operation)", err)
	}
}

func TestSerializeSession_RestoresState(t *testing.T) {
	fake := &fakeAdapter{}
	h := NewHandle(fake, InitData{Loop: inlineLoop{}, State: "st7", Token: "tok",
		Hints: cloud.Hints{"access_token": "acc", "client_id": "cid"}})

	token, hints, err := cloud.DeserializeSession(h.SerializeSession())
	if err != nil {
		t.Fatalf("DeserializeSession: %v", err)
	}
	if token != "tok" || hints["state"] != "st7" || hints["access_token"] != "acc" || hints["client_id"] != "cid" {
		t.Errorf("roundtrip token=%q hints=%v", token, hints)
	}
}
