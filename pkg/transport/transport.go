// Package transport issues wire requests with streaming request and response
// bodies, header and query manipulation, and cooperative cancellation.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// Request describes one wire round-trip before it is sent.
type Request struct {
	URL             string
	Method          string
	FollowRedirects bool

	params  url.Values
	headers http.Header
}

// NewRequest creates a request. Redirect following is the caller's choice;
// adapters that sign URLs (S3) must see redirects themselves.
func NewRequest(rawURL, method string, followRedirects bool) *Request {
	return &Request{
		URL:             rawURL,
		Method:          method,
		FollowRedirects: followRedirects,
		params:          url.Values{},
		headers:         http.Header{},
	}
}

// SetParam sets a query parameter.
func (r *Request) SetParam(key, value string) { r.params.Set(key, value) }

// SetHeader sets a header parameter.
func (r *Request) SetHeader(key, value string) { r.headers.Set(key, value) }

// Params returns the query parameters accumulated so far.
func (r *Request) Params() url.Values { return r.params }

// Headers returns the header parameters accumulated so far.
func (r *Request) Headers() http.Header { return r.headers }

// Response is the terminal state of a completed round-trip. Body bytes have
// already been copied to the output (or error) stream by Send.
type Response struct {
	Code    int
	Headers http.Header
}

// Progress is invoked periodically during body transfer with the byte count
// so far and the total when known (cloud.UnknownSize otherwise).
type Progress func(now, total int64)

// Transport issues requests over a shared connection pool.
type Transport struct {
	client *http.Client
}

// New creates a transport. No overall timeout is applied; cancellation is
// driven through the request context.
func New() *Transport {
	return &Transport{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Send performs the round-trip. The request body is read from body (may be
// nil), a 2xx response body is copied to out, a non-2xx body to errOut.
// Cancelling ctx aborts the in-flight socket operation and surfaces
// cloud.ErrAborted.
func (t *Transport) Send(ctx context.Context, req *Request, body io.Reader, out, errOut io.Writer, progress Progress) (*Response, error) {
	u := req.URL
	if len(req.params) > 0 {
		sep := "?"
		if parsed, err := url.Parse(u); err == nil && parsed.RawQuery != "" {
			sep = "&"
		}
		u += sep + req.params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, cloud.NewError(cloud.CodeUnknown, "create request: %v", err)
	}
	for key, values := range req.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if cl := req.headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			httpReq.ContentLength = n
		}
	}

	client := t.client
	if !req.FollowRedirects {
		pinned := *t.client
		pinned.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &pinned
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr(ctx, err) {
			return nil, cloud.ErrAborted
		}
		return nil, cloud.NewError(cloud.CodeUnknown, "send %s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	sink := out
	if !cloud.IsSuccess(resp.StatusCode) {
		sink = errOut
	}
	if sink == nil {
		sink = io.Discard
	}

	var reader io.Reader = resp.Body
	if progress != nil && sink == out {
		reader = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	if _, err := io.Copy(sink, reader); err != nil {
		if ctxErr(ctx, err) {
			return nil, cloud.ErrAborted
		}
		return nil, cloud.NewError(cloud.CodeUnknown, "read body: %v", err)
	}

	return &Response{Code: resp.StatusCode, Headers: resp.Header}, nil
}

func ctxErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type progressReader struct {
	r     io.Reader
	now   int64
	total int64
	fn    Progress
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.now += int64(n)
		total := p.total
		if total < 0 {
			total = cloud.UnknownSize
		}
		p.fn(p.now, total)
	}
	return n, err
}
