package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

func TestSend_ParamsAndHeaders(t *testing.T) {
	var gotQuery, gotHeader, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotHeader = r.Header.Get("X-Probe")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, "pong")
	}))
	defer ts.Close()

	req := NewRequest(ts.URL, "POST", true)
	req.SetParam("q", "value with spaces")
	req.SetHeader("X-Probe", "probe")

	var out, errOut bytes.Buffer
	resp, err := New().Send(context.Background(), req, strings.NewReader("ping"), &out, &errOut, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Code != http.StatusOK {
		t.Errorf("code = %d", resp.Code)
	}
	if gotQuery != "value with spaces" || gotHeader != "probe" || gotBody != "ping" {
		t.Errorf("server saw q=%q header=%q body=%q", gotQuery, gotHeader, gotBody)
	}
	if out.String() != "pong" {
		t.Errorf("out = %q", out.String())
	}
}

func TestSend_ErrorBodyGoesToErrorStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer ts.Close()

	var out, errOut bytes.Buffer
	resp, err := New().Send(context.Background(), NewRequest(ts.URL, "GET", true), nil, &out, &errOut, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Code != http.StatusForbidden {
		t.Errorf("code = %d", resp.Code)
	}
	if out.Len() != 0 {
		t.Errorf("output stream received error body: %q", out.String())
	}
	if !strings.Contains(errOut.String(), "denied") {
		t.Errorf("error stream = %q", errOut.String())
	}
}

func TestSend_CancelSurfacesAborted(t *testing.T) {
	started := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var out, errOut bytes.Buffer
	_, err := New().Send(ctx, NewRequest(ts.URL, "GET", true), nil, &out, &errOut, nil)
	if !cloud.IsAborted(err) {
		t.Errorf("error = %v, want aborted", err)
	}
}

func TestSend_RedirectPolicy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "target")
	}))
	defer target.Close()
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusMovedPermanently)
	}))
	defer redirecting.Close()

	tr := New()

	var out bytes.Buffer
	resp, err := tr.Send(context.Background(), NewRequest(redirecting.URL, "GET", true), nil, &out, io.Discard, nil)
	if err != nil {
		t.Fatalf("Send follow: %v", err)
	}
	if resp.Code != http.StatusOK || out.String() != "target" {
		t.Errorf("follow: code=%d body=%q", resp.Code, out.String())
	}

	resp, err = tr.Send(context.Background(), NewRequest(redirecting.URL, "GET", false), nil, io.Discard, io.Discard, nil)
	if err != nil {
		t.Fatalf("Send no-follow: %v", err)
	}
	if resp.Code != http.StatusMovedPermanently {
		t.Errorf("no-follow: code=%d, want 301", resp.Code)
	}
}

func TestSend_Progress(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer ts.Close()

	var last int64
	var out bytes.Buffer
	_, err := New().Send(context.Background(), NewRequest(ts.URL, "GET", true), nil, &out, io.Discard,
		func(now, total int64) { last = now })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if last != int64(len(payload)) {
		t.Errorf("final progress = %d, want %d", last, len(payload))
	}
}
