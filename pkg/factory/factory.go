// Package factory constructs provider handles, owns the user-visible event
// loop, dispatches the browser consent flow, and persists the set of
// mounted providers.
package factory

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/pkg/auth"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/config"
	"github.com/cloudgrove/cloudgrove/pkg/fileserver"
	"github.com/cloudgrove/cloudgrove/pkg/httpd"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"

	"github.com/cloudgrove/cloudgrove/pkg/provider/amazons3"
	"github.com/cloudgrove/cloudgrove/pkg/provider/box"
	"github.com/cloudgrove/cloudgrove/pkg/provider/dropbox"
	"github.com/cloudgrove/cloudgrove/pkg/provider/google"
	"github.com/cloudgrove/cloudgrove/pkg/provider/localdrive"
	"github.com/cloudgrove/cloudgrove/pkg/provider/onedrive"
	"github.com/cloudgrove/cloudgrove/pkg/provider/pcloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider/webdav"
	"github.com/cloudgrove/cloudgrove/pkg/provider/yandex"
)

// ProviderInitData seeds a new handle.
type ProviderInitData struct {
	Token string
	Hints cloud.Hints
}

// Factory builds and tracks provider handles over shared transport, HTTP
// server and event loop resources.
type Factory struct {
	cfg         *config.Config
	transport   *transport.Transport
	httpFactory httpd.Factory
	authCB      auth.Callback
	loop        *EventLoop

	state atomic.Uint64

	mu          sync.Mutex
	handles     map[string]*provider.Handle // by state
	fileServers map[string]*fileserver.Server

	// OnCloudCreated fires on the event loop when the consent flow built a
	// fresh handle; OnCloudRemoved when one is torn down.
	OnCloudCreated func(*provider.Handle)
	OnCloudRemoved func(*provider.Handle)
}

// Options configure a Factory.
type Options struct {
	Config       *config.Config
	Transport    *transport.Transport
	HTTPFactory  httpd.Factory
	AuthCallback auth.Callback
	Loop         *EventLoop
}

// New wires a factory from explicit dependencies; nil options take their
// defaults so tests can substitute any of them.
func New(opts Options) *Factory {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Transport == nil {
		opts.Transport = transport.New()
	}
	if opts.Loop == nil {
		opts.Loop = NewEventLoop()
	}
	return &Factory{
		cfg:         opts.Config,
		transport:   opts.Transport,
		httpFactory: opts.HTTPFactory,
		authCB:      opts.AuthCallback,
		loop:        opts.Loop,
		handles:     make(map[string]*provider.Handle),
		fileServers: make(map[string]*fileserver.Server),
	}
}

// Loop returns the factory's event loop.
func (f *Factory) Loop() *EventLoop { return f.loop }

// newAdapter builds the adapter for a kind.
func (f *Factory) newAdapter(kind cloud.Kind, hints cloud.Hints) (provider.Adapter, error) {
	switch kind {
	case cloud.KindDropbox:
		return dropbox.New(hints), nil
	case cloud.KindBox:
		return box.New(hints), nil
	case cloud.KindGoogle:
		return google.New(hints), nil
	case cloud.KindOneDrive:
		return onedrive.New(hints), nil
	case cloud.KindPCloud:
		return pcloud.New(hints), nil
	case cloud.KindYandex:
		return yandex.New(hints), nil
	case cloud.KindWebDAV:
		return webdav.New(hints, f.transport), nil
	case cloud.KindAmazonS3:
		return amazons3.New(hints), nil
	case cloud.KindLocalDrive:
		return localdrive.New(hints), nil
	case cloud.KindMega, cloud.KindGPhotos, cloud.KindAnimeZone, cloud.KindFourShared:
		return nil, cloud.ErrProviderNotSupported
	default:
		return nil, cloud.NewError(cloud.CodeBad, "unknown provider kind %q", kind)
	}
}

// Create constructs a handle for kind, merging the configured application
// keys into the hints, and attaches its range-streaming file server.
func (f *Factory) Create(kind cloud.Kind, init ProviderInitData) (*provider.Handle, error) {
	hints := init.Hints
	if hints == nil {
		hints = cloud.Hints{}
	}
	if keys, ok := f.cfg.Keys[string(kind)]; ok {
		if _, set := hints["client_id"]; !set {
			hints["client_id"] = keys.ClientID
		}
		if _, set := hints["client_secret"]; !set {
			hints["client_secret"] = keys.ClientSecret
		}
	}
	if _, set := hints["temporary_directory"]; !set {
		hints["temporary_directory"] = f.cfg.TemporaryDirectory
	}

	adapter, err := f.newAdapter(kind, hints)
	if err != nil {
		return nil, err
	}

	state := hints.Get("state", f.nextState())
	handle := provider.NewHandle(adapter, provider.InitData{
		Token:        init.Token,
		Hints:        hints,
		AuthCallback: f.authCB,
		Transport:    f.transport,
		HTTPFactory:  f.httpFactory,
		Loop:         f.loop,
		State:        state,
	})

	f.mu.Lock()
	f.handles[state] = handle
	f.mu.Unlock()

	if f.httpFactory != nil {
		// Liveness probe for the flow: plain 200 under the handle's state.
		f.httpFactory.Create(state+"-cb", httpd.Callback,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
		server, err := fileserver.New(handle, f.httpFactory)
		if err != nil {
			logging.Warn("file server registration failed",
				zap.String("provider", string(kind)), zap.Error(err))
		} else {
			f.mu.Lock()
			f.fileServers[state] = server
			f.mu.Unlock()
		}
	}
	return handle, nil
}

// nextState advances the per-process state counter.
func (f *Factory) nextState() string {
	return strconv.FormatUint(f.state.Add(1), 10)
}

// Remove tears a handle down: its file server unregisters and
// OnCloudRemoved fires on the event loop.
func (f *Factory) Remove(handle *provider.Handle) {
	f.mu.Lock()
	state := handle.State()
	if server, ok := f.fileServers[state]; ok {
		server.Close()
		delete(f.fileServers, state)
	}
	delete(f.handles, state)
	f.mu.Unlock()
	if cb := f.OnCloudRemoved; cb != nil {
		f.loop.Post(func() { cb(handle) })
	}
}

// Handles snapshots the live handles.
func (f *Factory) Handles() []*provider.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Handle, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, h)
	}
	return out
}

// ─── Browser consent flow ───────────────────────────────────────────────────

// AuthorizationURL registers the kind's redirect endpoint and returns the
// consent URL to open. When the provider redirects back with a code, the
// factory exchanges it, builds a fresh handle and fires OnCloudCreated; on
// failure OnCloudRemoved fires for the stale handle.
func (f *Factory) AuthorizationURL(kind cloud.Kind) (string, error) {
	if f.httpFactory == nil {
		return "", cloud.NewError(cloud.CodeServiceUnavailable, "no http server")
	}
	scratch, err := f.Create(kind, ProviderInitData{})
	if err != nil {
		return "", err
	}

	var release func()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			http.Error(w, e+": "+q.Get("error_description"), http.StatusBadRequest)
			f.Remove(scratch)
			if release != nil {
				release()
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, successPage)
		if release != nil {
			release()
		}
		scratch.ExchangeCode(code, func(tok cloud.Token, err error) {
			if err != nil {
				logging.Warn("code exchange failed", zap.String("provider", string(kind)), zap.Error(err))
				f.Remove(scratch)
				return
			}
			logging.Info("provider authorized", zap.String("provider", string(kind)))
			if cb := f.OnCloudCreated; cb != nil {
				cb(scratch)
			}
		})
	})

	release, err = f.httpFactory.Create(string(kind), httpd.Authorization, handler)
	if err != nil {
		f.Remove(scratch)
		return "", cloud.NewError(cloud.CodeServiceUnavailable, "consent endpoint busy: %v", err)
	}
	return scratch.AuthorizeLibraryURL(), nil
}

// ─── Persistence ────────────────────────────────────────────────────────────

type persistedProvider struct {
	Type        string `json:"type"`
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

type persistedState struct {
	Providers []persistedProvider `json:"providers"`
}

// Dump writes the mounted-provider set to path.
func (f *Factory) Dump(path string) error {
	var state persistedState
	for _, h := range f.Handles() {
		tok := h.Token()
		state.Providers = append(state.Providers, persistedProvider{
			Type:        h.Name(),
			Token:       tok.Token,
			AccessToken: tok.AccessToken,
		})
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode provider state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write provider state: %w", err)
	}
	return nil
}

// Load restores handles from a Dump file.
func (f *Factory) Load(path string) ([]*provider.Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read provider state: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse provider state: %w", err)
	}
	var handles []*provider.Handle
	for _, p := range state.Providers {
		h, err := f.Create(cloud.Kind(p.Type), ProviderInitData{
			Token: p.Token,
			Hints: cloud.Hints{"access_token": p.AccessToken},
		})
		if err != nil {
			logging.Warn("skipping persisted provider", zap.String("provider", p.Type), zap.Error(err))
			continue
		}
		handles = append(handles, h)
	}
	return handles, nil
}

const successPage = `<html><body>Authorization successful. You may close this window.</body></html>`
