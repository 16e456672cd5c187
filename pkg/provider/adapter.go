// Package provider implements the provider engine: the uniform operation
// vocabulary, the adapter contract each cloud speaks through, and the
// handle that composes wire requests with the authorization machinery.
package provider

import (
	"context"
	"io"
	"net/http"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

// Op enumerates the operation vocabulary. Adapters expose the subset they
// support; requesting anything else fails with cloud.ErrOperationNotSupported.
type Op int

const (
	OpExchangeCode Op = iota
	OpGetItemURL
	OpListDirectoryPage
	OpGetItemData
	OpDownloadFile
	OpUploadFile
	OpDeleteItem
	OpCreateDirectory
	OpMoveItem
	OpRenameItem
	OpGeneralData
	OpGetThumbnail
)

// Args carries the parameters of one operation invocation.
type Args struct {
	Item        cloud.Item
	Parent      cloud.Item
	Destination cloud.Item
	Name        string
	ID          string
	PageToken   string
	Range       cloud.Range
	Upload      *Upload
}

// Upload describes a streamed upload. Open is called once per wire attempt
// so a re-authorization retry can restart the body from the beginning.
type Upload struct {
	Open     func() (io.Reader, error)
	Size     int64
	Progress func(now, total int64)
}

// Result is the typed outcome of a parsed response; each operation fills
// the fields it produces.
type Result struct {
	Item      cloud.Item
	Items     []cloud.Item
	NextToken string
	URL       string
	General   cloud.GeneralData
	Token     cloud.Token
}

// Adapter translates the operation vocabulary into wire requests and parses
// the responses back into typed results. One adapter instance serves one
// handle and may hold per-handle credential state.
type Adapter interface {
	// Name is the provider kind, e.g. "dropbox".
	Name() string

	// RootDirectory is the namespace root item.
	RootDirectory() cloud.Item

	// Supports reports whether the operation has a wire translation.
	Supports(op Op) bool

	// BuildRequest shapes the wire request for op. The returned body reader
	// (may be nil) is consumed by the transport; it is rebuilt for every
	// attempt, so retries after re-authorization are safe.
	BuildRequest(op Op, a Args, tok cloud.Token) (*transport.Request, io.Reader, error)

	// ParseResponse interprets a successful response body. For listings it
	// also yields the next-page token (empty marks the last page).
	ParseResponse(op Op, a Args, body []byte, headers http.Header) (*Result, error)

	// Reauthorize decides whether a failed status should run the authorize
	// barrier and retry once.
	Reauthorize(code int, headers http.Header) bool

	// IsSuccess refines the 2xx default; S3 additionally rejects 301.
	IsSuccess(code int, headers http.Header) bool
}

// OAuth is implemented by adapters whose authorization follows the
// redirect + code exchange + refresh protocol.
type OAuth interface {
	// AuthorizeURL is the consent page the user must visit.
	AuthorizeURL(clientID, redirectURI, state string) string

	// ExchangeCodeRequest builds the code-for-token exchange.
	ExchangeCodeRequest(clientID, clientSecret, redirectURI, code string) (*transport.Request, io.Reader)

	// RefreshTokenRequest builds the refresh-token exchange.
	RefreshTokenRequest(clientID, clientSecret, refreshToken string) (*transport.Request, io.Reader)

	// ParseTokenResponse unpacks the token endpoint's reply.
	ParseTokenResponse(body []byte) (cloud.Token, error)
}

// CredentialUnpacker is implemented by adapters that do not speak OAuth
// (S3, WebDAV): the authorization code is an opaque credential blob,
// typically a compact JSON, unpacked into adapter state. The local drive
// adapter does not implement it and takes no credentials.
type CredentialUnpacker interface {
	// UnpackCredentials absorbs the blob; it returns an error when the blob
	// does not parse.
	UnpackCredentials(code string) error

	// Credentials serializes the current credential state back into the
	// persistable token string.
	Credentials() string
}

// Direct is implemented by adapters that perform operations natively (for
// example through a vendor SDK) instead of the build/parse pair. When an
// adapter implements Direct, the handle routes every supported operation
// through Do; sink receives download bytes.
type Direct interface {
	Do(ctx context.Context, op Op, a Args, sink io.Writer) (*Result, error)
}

// Validator is an optional pre-flight check run under the authorize
// barrier for credential-based adapters (S3 region discovery, WebDAV
// endpoint probe). A cloud.CodeUnauthorized failure triggers the consent
// flow to obtain a fresh credential blob.
type Validator interface {
	Validate(ctx context.Context) error
}

// TokenReuser marks OAuth adapters whose access tokens are long-lived
// (pCloud): refreshing simply reinstates the persisted token as the bearer
// instead of calling a token endpoint.
type TokenReuser interface {
	ReuseToken()
}

// UploadLinker is implemented by adapters whose uploads are two-step: one
// request yields a transfer target, the body is pushed there, and the fresh
// item is re-fetched by id. The handle runs the steps in sequence within
// the upload's own request.
type UploadLinker interface {
	// UploadLinkRequest asks the provider where to push the body.
	UploadLinkRequest(a Args, tok cloud.Token) (*transport.Request, io.Reader, error)

	// ParseUploadLink extracts the transfer method and URL.
	ParseUploadLink(body []byte) (method, url string, err error)

	// UploadedItemID is the id to stat once the transfer finished.
	UploadedItemID(a Args) string
}

// AuthorizeBearer applies the standard bearer authorization header.
func AuthorizeBearer(req *transport.Request, tok cloud.Token) {
	if tok.AccessToken != "" {
		req.SetHeader("Authorization", "Bearer "+tok.AccessToken)
	}
}

// DefaultReauthorize is the baseline policy: only 401 invalidates tokens.
func DefaultReauthorize(code int) bool { return code == cloud.CodeUnauthorized }
