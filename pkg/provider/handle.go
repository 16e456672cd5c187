package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/internal/metrics"
	"github.com/cloudgrove/cloudgrove/pkg/auth"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/httpd"
	"github.com/cloudgrove/cloudgrove/pkg/request"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

// InitData configures a new handle. Transport, HTTP server factory and the
// event loop are shared process-wide resources owned by the factory.
type InitData struct {
	Token        string
	Hints        cloud.Hints
	AuthCallback auth.Callback
	Transport    *transport.Transport
	HTTPFactory  httpd.Factory
	Loop         request.Loop
	State        string
}

// Handle is a constructed provider instance: one per (kind, credentials)
// pair. Every in-flight operation references its handle; the handle is
// garbage once no request holds it.
type Handle struct {
	adapter     Adapter
	transport   *transport.Transport
	httpFactory httpd.Factory
	authCB      auth.Callback
	loop        request.Loop
	state       string
	fileURL     string

	mu    sync.Mutex
	token cloud.Token
	hints cloud.Hints

	barrier auth.Barrier
}

// NewHandle wires an adapter into a live handle.
func NewHandle(adapter Adapter, init InitData) *Handle {
	hints := init.Hints
	if hints == nil {
		hints = cloud.Hints{}
	}
	h := &Handle{
		adapter:     adapter,
		transport:   init.Transport,
		httpFactory: init.HTTPFactory,
		authCB:      init.AuthCallback,
		loop:        init.Loop,
		state:       hints.Get("state", init.State),
		hints:       hints,
	}
	h.token = cloud.Token{
		Token:       init.Token,
		AccessToken: hints.Get("access_token", ""),
	}
	base := ""
	if init.HTTPFactory != nil {
		base = init.HTTPFactory.BaseURL()
	}
	h.fileURL = hints.Get("file_url", base+"/"+h.state)

	// Credential-based providers unpack the persisted blob eagerly.
	if u, ok := adapter.(CredentialUnpacker); ok && init.Token != "" {
		if err := u.UnpackCredentials(init.Token); err != nil {
			logging.Warn("stale credentials", zap.String("provider", adapter.Name()), zap.Error(err))
		}
	}
	return h
}

// Name returns the provider kind.
func (h *Handle) Name() string { return h.adapter.Name() }

// Adapter exposes the underlying adapter.
func (h *Handle) Adapter() Adapter { return h.adapter }

// State is the short per-handle token embedded in file URLs.
func (h *Handle) State() string { return h.state }

// FileURL is the base URL of this handle's streaming endpoint.
func (h *Handle) FileURL() string { return h.fileURL }

// Token returns the current credential pair.
func (h *Handle) Token() cloud.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// SetToken replaces the credential pair.
func (h *Handle) SetToken(tok cloud.Token) {
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
}

// Hints returns a copy of the handle's hints, including the live state and
// access token so a serialized session restores cleanly.
func (h *Handle) Hints() cloud.Hints {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.hints.Clone()
	out["state"] = h.state
	out["access_token"] = h.token.AccessToken
	return out
}

func (h *Handle) hint(key, fallback string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hints.Get(key, fallback)
}

// SerializeSession packs the handle's token and hints for user storage.
func (h *Handle) SerializeSession() string {
	return cloud.SerializeSession(h.Token().Token, h.Hints())
}

// AuthorizeLibraryURL produces the URL a user must open for interactive
// consent; for non-OAuth providers this is the embedded login page.
func (h *Handle) AuthorizeLibraryURL() string {
	if oa, ok := h.adapter.(OAuth); ok {
		return oa.AuthorizeURL(
			h.hint("client_id", ""),
			h.redirectURI(),
			h.state,
		)
	}
	base := ""
	if h.httpFactory != nil {
		base = h.httpFactory.BaseURL()
	}
	return h.hint("login_page", base+"/"+h.adapter.Name()+"/login")
}

func (h *Handle) redirectURI() string {
	base := ""
	if h.httpFactory != nil {
		base = h.httpFactory.BaseURL()
	}
	return h.hint("redirect_uri", base+"/"+h.adapter.Name())
}

// ─── Authorization ──────────────────────────────────────────────────────────

// needsAuthorization reports whether dispatching requires a live token.
func (h *Handle) needsAuthorization() bool {
	switch h.adapter.(type) {
	case OAuth:
		return h.Token().AccessToken == ""
	case CredentialUnpacker:
		// Incomplete credentials reauthorize regardless of status.
		return h.adapter.Reauthorize(0, nil)
	default:
		return false
	}
}

// runAuthorize funnels the caller through the barrier: at most one
// authorize is in flight per handle, and every request that begins while
// authorizing waits for the shared outcome.
func (h *Handle) runAuthorize(ctx context.Context) error {
	ch := h.barrier.Run(func(done func(error)) {
		err := h.authorize(ctx)
		metrics.RecordAuthorize(h.adapter.Name(), err == nil)
		if h.authCB != nil {
			h.authCB.Done(h.adapter.Name(), err)
		}
		done(err)
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return cloud.ErrAborted
	}
}

// authorize performs one pass of the state machine: refresh first when a
// refresh token is present, then the interactive consent flow.
func (h *Handle) authorize(ctx context.Context) error {
	switch a := h.adapter.(type) {
	case OAuth:
		if tok := h.Token(); tok.Token != "" {
			if err := h.refresh(ctx, a, tok); err == nil {
				return nil
			} else if cloud.IsAborted(err) {
				return err
			}
		}
		return h.consent(ctx)
	case CredentialUnpacker:
		if v, ok := h.adapter.(Validator); ok {
			err := v.Validate(ctx)
			if err == nil {
				return nil
			}
			if cloud.AsError(err).Code != cloud.CodeUnauthorized {
				return err
			}
		}
		return h.consent(ctx)
	default:
		return nil
	}
}

func (h *Handle) refresh(ctx context.Context, a OAuth, tok cloud.Token) error {
	if _, ok := h.adapter.(TokenReuser); ok {
		h.SetToken(cloud.Token{Token: tok.Token, AccessToken: tok.Token})
		return nil
	}
	req, body := a.RefreshTokenRequest(
		h.hint("client_id", ""), h.hint("client_secret", ""), tok.Token)
	var out, errOut bytes.Buffer
	resp, err := h.transport.Send(ctx, req, body, &out, &errOut, nil)
	if err != nil {
		return err
	}
	if !cloud.IsSuccess(resp.Code) {
		return cloud.NewError(resp.Code, "token refresh failed: %s", strings.TrimSpace(errOut.String()))
	}
	fresh, err := a.ParseTokenResponse(out.Bytes())
	if err != nil {
		return err
	}
	if fresh.Token == "" {
		fresh.Token = tok.Token
	}
	h.SetToken(fresh)
	logging.Debug("token refreshed", zap.String("provider", h.adapter.Name()))
	return nil
}

// consent emits the consent URL through the auth callback, waits for the
// code on the embedded HTTP server, and exchanges it.
func (h *Handle) consent(ctx context.Context) error {
	if h.authCB == nil ||
		h.authCB.UserConsentRequired(h.adapter.Name()) != auth.StatusWaitForAuthorizationCode {
		return cloud.NewError(cloud.CodeUnauthorized, "invalid credentials")
	}
	code, err := h.awaitAuthorizationCode(ctx)
	if err != nil {
		return err
	}
	_, err = h.exchangeCode(ctx, code)
	return err
}

// awaitAuthorizationCode registers this handle's authorization endpoint and
// blocks until the redirect delivers a code or an error.
func (h *Handle) awaitAuthorizationCode(ctx context.Context) (string, error) {
	if h.httpFactory == nil {
		return "", cloud.NewError(cloud.CodeUnauthorized, "no http server for consent flow")
	}
	type outcome struct {
		code string
		err  error
	}
	result := make(chan outcome, 1)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			desc := q.Get("error_description")
			http.Error(w, e+": "+desc, http.StatusBadRequest)
			select {
			case result <- outcome{err: cloud.NewError(cloud.CodeBad, "%s: %s", e, desc)}:
			default:
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, h.hint("success_page", defaultSuccessPage))
		select {
		case result <- outcome{code: code}:
		default:
		}
	})

	release, err := h.httpFactory.Create(h.adapter.Name(), httpd.Authorization, handler)
	if err != nil {
		return "", cloud.NewError(cloud.CodeUnauthorized, "consent endpoint busy: %v", err)
	}
	defer release()

	logging.Info("awaiting authorization code",
		zap.String("provider", h.adapter.Name()),
		zap.String("url", h.AuthorizeLibraryURL()))

	select {
	case o := <-result:
		return o.code, o.err
	case <-ctx.Done():
		return "", cloud.ErrAborted
	}
}

// exchangeCode turns an authorization code (or a credential blob for
// non-OAuth providers) into a live token.
func (h *Handle) exchangeCode(ctx context.Context, code string) (cloud.Token, error) {
	switch a := h.adapter.(type) {
	case OAuth:
		req, body := a.ExchangeCodeRequest(
			h.hint("client_id", ""), h.hint("client_secret", ""), h.redirectURI(), code)
		var out, errOut bytes.Buffer
		resp, err := h.transport.Send(ctx, req, body, &out, &errOut, nil)
		if err != nil {
			return cloud.Token{}, err
		}
		if !cloud.IsSuccess(resp.Code) {
			return cloud.Token{}, cloud.NewError(resp.Code, "code exchange failed: %s", strings.TrimSpace(errOut.String()))
		}
		tok, err := a.ParseTokenResponse(out.Bytes())
		if err != nil {
			return cloud.Token{}, err
		}
		h.SetToken(tok)
		return tok, nil
	case CredentialUnpacker:
		if err := a.UnpackCredentials(code); err != nil {
			return cloud.Token{}, cloud.NewError(cloud.CodeFailure, "invalid authorization code")
		}
		tok := cloud.Token{Token: a.Credentials()}
		h.SetToken(tok)
		return tok, nil
	default:
		return cloud.Token{}, cloud.ErrOperationNotSupported
	}
}

// ─── Wire round-trips ───────────────────────────────────────────────────────

// do performs one authorized wire round-trip with the re-authorization
// policy: a status the adapter deems retry-worthy runs the barrier once and
// reissues the same request; a second failure is surfaced. Download bytes
// stream into sink; other responses are buffered and returned.
func (h *Handle) do(ctx context.Context, op Op, a Args, sink io.Writer, progress transport.Progress) ([]byte, http.Header, error) {
	if !h.adapter.Supports(op) {
		return nil, nil, cloud.ErrOperationNotSupported
	}
	if h.needsAuthorization() {
		if err := h.runAuthorize(ctx); err != nil {
			return nil, nil, err
		}
	}

	attempt := func() (*transport.Response, []byte, string, error) {
		req, body, err := h.adapter.BuildRequest(op, a, h.Token())
		if err != nil {
			return nil, nil, "", err
		}
		var buf, errBuf bytes.Buffer
		out := sink
		if out == nil {
			out = &buf
		}
		start := time.Now()
		resp, err := h.transport.Send(ctx, req, body, out, &errBuf, progress)
		if err != nil {
			return nil, nil, "", err
		}
		metrics.RecordWireRequest(h.adapter.Name(), resp.Code, time.Since(start))
		return resp, buf.Bytes(), errBuf.String(), nil
	}

	resp, data, errBody, err := attempt()
	if err != nil {
		return nil, nil, err
	}
	if !h.adapter.IsSuccess(resp.Code, resp.Headers) && h.adapter.Reauthorize(resp.Code, resp.Headers) {
		h.barrier.Invalidate()
		h.SetToken(cloud.Token{Token: h.Token().Token})
		if err := h.runAuthorize(ctx); err != nil {
			return nil, nil, err
		}
		resp, data, errBody, err = attempt()
		if err != nil {
			return nil, nil, err
		}
	}
	if !h.adapter.IsSuccess(resp.Code, resp.Headers) {
		return nil, nil, httpError(resp.Code, errBody)
	}
	return data, resp.Headers, nil
}

// doParsed runs a round-trip and hands the body to the adapter's parser.
// Direct adapters keep the same re-authorization policy: a failure the
// adapter deems retry-worthy runs the barrier once and repeats the call.
func (h *Handle) doParsed(ctx context.Context, op Op, a Args) (*Result, error) {
	if d, ok := h.adapter.(Direct); ok {
		if !h.adapter.Supports(op) {
			return nil, cloud.ErrOperationNotSupported
		}
		res, err := d.Do(ctx, op, a, nil)
		if err != nil && !cloud.IsAborted(err) &&
			h.adapter.Reauthorize(cloud.AsError(err).Code, nil) {
			if authErr := h.runAuthorize(ctx); authErr != nil {
				return nil, authErr
			}
			res, err = d.Do(ctx, op, a, nil)
		}
		if err != nil {
			return nil, cloud.AsError(err)
		}
		return res, nil
	}
	body, headers, err := h.do(ctx, op, a, nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := h.adapter.ParseResponse(op, a, body, headers)
	if err != nil {
		return nil, cloud.AsError(err)
	}
	return res, nil
}

func httpError(code int, body string) *cloud.Error {
	desc := strings.TrimSpace(body)
	if desc == "" {
		desc = http.StatusText(code)
	}
	switch code {
	case cloud.CodeNotFound:
		return cloud.NewError(cloud.CodeNotFound, "not found: %s", desc)
	case cloud.CodeRangeInvalid:
		return cloud.NewError(cloud.CodeRangeInvalid, "invalid range: %s", desc)
	default:
		return cloud.NewError(code, "%s", desc)
	}
}

// ─── File daemon URLs ───────────────────────────────────────────────────────

// fileRecord is the compact object embedded in streaming URLs.
type fileRecord struct {
	State string `json:"state"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// FileDaemonURL renders the item as a URL served by the range-streaming
// file server. Dashes substitute for slashes in the encoding so the blob
// survives as a single path segment.
func (h *Handle) FileDaemonURL(item cloud.Item) string {
	data, _ := json.Marshal(fileRecord{
		State: h.state,
		ID:    item.ID,
		Name:  item.Filename,
		Size:  item.Size,
	})
	blob := strings.ReplaceAll(base64.StdEncoding.EncodeToString(data), "/", "-")
	return h.fileURL + "/" + blob
}

// DecodeFileBlob reverses FileDaemonURL's final path segment.
func DecodeFileBlob(blob string) (state, id, name string, size int64, err error) {
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob, "-", "/"))
	if err != nil {
		return "", "", "", 0, fmt.Errorf("decode file blob: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", "", "", 0, fmt.Errorf("parse file blob: %w", err)
	}
	return rec.State, rec.ID, rec.Name, rec.Size, nil
}

const defaultSuccessPage = `<html><body>Authorization successful. You may close this window.</body></html>`
