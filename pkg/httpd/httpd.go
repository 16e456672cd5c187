// Package httpd is the embedded HTTP server: it accepts OAuth redirect
// callbacks, serves the per-provider streaming file endpoint, and hosts the
// static login/success assets. One listener multiplexes every session.
package httpd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
)

// ServerType selects the endpoint class a handler is registered under.
type ServerType int

const (
	// Authorization receives the OAuth redirect carrying code/state/error.
	Authorization ServerType = iota
	// FileProvider serves streaming file content for a per-handle state.
	FileProvider
	// Callback answers 200 OK; used for liveness probes of the flow.
	Callback
)

// Factory hands out endpoint registrations. It is an explicit dependency of
// the cloud factory so tests can substitute their own.
type Factory interface {
	// Create registers handler under the session id for the given type and
	// returns a release function.
	Create(session string, typ ServerType, handler http.Handler) (release func(), err error)
	// BaseURL is the externally visible prefix, e.g. "http://localhost:12345".
	BaseURL() string
}

// Server is the mux-backed Factory implementation.
type Server struct {
	baseURL string
	router  *mux.Router
	httpd   *http.Server

	mu        sync.RWMutex
	auth      map[string]http.Handler
	files     map[string]http.Handler
	callbacks map[string]http.Handler
	assets    map[string][]byte
}

// NewServer creates a server bound to addr. baseURL is what redirect URIs
// are built from; pass "" to derive it from addr.
func NewServer(addr, baseURL string) *Server {
	if baseURL == "" {
		baseURL = "http://" + addr
	}
	s := &Server{
		baseURL:   baseURL,
		auth:      make(map[string]http.Handler),
		files:     make(map[string]http.Handler),
		callbacks: make(map[string]http.Handler),
		assets:    make(map[string][]byte),
	}

	r := mux.NewRouter()
	r.HandleFunc("/favicon.ico", s.handleFavicon)
	r.HandleFunc("/static/{asset}", s.handleStatic)
	r.HandleFunc("/{session}/login", s.handleLogin)
	r.HandleFunc("/{session}/{blob:.*}", s.handleFile)
	r.HandleFunc("/{session}", s.handleSession)
	s.router = r
	s.httpd = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// BaseURL implements Factory.
func (s *Server) BaseURL() string { return s.baseURL }

// Create implements Factory.
func (s *Server) Create(session string, typ ServerType, handler http.Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var table map[string]http.Handler
	switch typ {
	case Authorization:
		table = s.auth
	case FileProvider:
		table = s.files
	case Callback:
		table = s.callbacks
	default:
		return nil, fmt.Errorf("unknown server type %d", typ)
	}
	if _, exists := table[session]; exists {
		return nil, fmt.Errorf("session %q already registered", session)
	}
	table[session] = handler

	return func() {
		s.mu.Lock()
		delete(table, session)
		s.mu.Unlock()
	}, nil
}

// RegisterAsset installs a static asset served under /static/<name>.
// Login pages registered as "<kind>_login.html" back the /<kind>/login route.
func (s *Server) RegisterAsset(name string, data []byte) {
	s.mu.Lock()
	s.assets[name] = data
	s.mu.Unlock()
}

// Serve starts accepting connections and blocks until Close.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.httpd.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpd.Addr, err)
	}
	logging.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpd.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the listener down, draining in-flight responses.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpd.Shutdown(ctx)
}

// Handler exposes the router for httptest-based exercising.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) lookup(table map[string]http.Handler, key string) http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return table[key]
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	if h := s.lookup(s.auth, session); h != nil {
		h.ServeHTTP(w, r)
		return
	}
	if h := s.lookup(s.callbacks, session); h != nil {
		h.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	if h := s.lookup(s.files, session); h != nil {
		h.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	s.mu.RLock()
	page, ok := s.assets[session+"_login.html"]
	s.mu.RUnlock()
	if !ok {
		// A login route may still belong to a file provider blob path.
		if h := s.lookup(s.files, session); h != nil {
			h.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["asset"]
	s.mu.RLock()
	data, ok := s.assets[name]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data := s.assets["favicon.ico"]
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "image/x-icon")
	w.Write(data)
}
