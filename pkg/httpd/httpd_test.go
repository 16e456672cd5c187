package httpd

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer() *Server {
	return NewServer("127.0.0.1:0", "http://example.test")
}

func do(s *Server, method, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreate_RoutesAuthorization(t *testing.T) {
	s := testServer()
	release, err := s.Create("dropbox", Authorization, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "code="+r.URL.Query().Get("code"))
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := do(s, "GET", "http://example.test/dropbox?code=abc")
	if rec.Code != http.StatusOK || rec.Body.String() != "code=abc" {
		t.Errorf("code=%d body=%q", rec.Code, rec.Body.String())
	}

	release()
	rec = do(s, "GET", "http://example.test/dropbox?code=abc")
	if rec.Code != http.StatusNotFound {
		t.Errorf("after release: code=%d, want 404", rec.Code)
	}
}

func TestCreate_DuplicateSessionRejected(t *testing.T) {
	s := testServer()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if _, err := s.Create("x", Authorization, ok); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := s.Create("x", Authorization, ok); err == nil {
		t.Error("duplicate registration accepted")
	}
	// A different type under the same session is its own namespace.
	if _, err := s.Create("x", Callback, ok); err != nil {
		t.Errorf("callback under same session: %v", err)
	}
}

func TestFileProviderRouting(t *testing.T) {
	s := testServer()
	s.Create("st1", FileProvider, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "file:"+r.URL.Path)
	}))

	rec := do(s, "GET", "http://example.test/st1/c29tZWJsb2I=")
	if rec.Code != http.StatusOK || rec.Body.String() != "file:/st1/c29tZWJsb2I=" {
		t.Errorf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestStaticAssetsAndLogin(t *testing.T) {
	s := testServer()
	s.RegisterAsset("style.css", []byte("body{}"))
	s.RegisterAsset("webdav_login.html", []byte("<form/>"))

	if rec := do(s, "GET", "http://example.test/static/style.css"); rec.Body.String() != "body{}" {
		t.Errorf("asset body = %q", rec.Body.String())
	}
	if rec := do(s, "GET", "http://example.test/static/missing.css"); rec.Code != http.StatusNotFound {
		t.Errorf("missing asset code = %d", rec.Code)
	}
	rec := do(s, "GET", "http://example.test/webdav/login")
	if rec.Code != http.StatusOK || rec.Body.String() != "<form/>" {
		t.Errorf("login code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestFavicon(t *testing.T) {
	s := testServer()
	s.RegisterAsset("favicon.ico", []byte{0x00, 0x01})
	rec := do(s, "GET", "http://example.test/favicon.ico")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/x-icon" {
		t.Errorf("favicon code=%d type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestBaseURL(t *testing.T) {
	if got := testServer().BaseURL(); got != "http://example.test" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := NewServer("127.0.0.1:9999", "").BaseURL(); got != "http://127.0.0.1:9999" {
		t.Errorf("derived BaseURL = %q", got)
	}
}
