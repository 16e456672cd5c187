// Package webdav adapts generic WebDAV servers to the provider engine.
// Credentials travel as a compact JSON blob instead of OAuth tokens.
package webdav

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

// credentials is the blob format delivered through the consent flow.
type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Endpoint string `json:"endpoint"`
}

// Adapter implements provider.Adapter for WebDAV. Item ids are server paths
// relative to the endpoint, always beginning with "/".
type Adapter struct {
	transport *transport.Transport

	mu    sync.Mutex
	creds credentials
}

// New creates a WebDAV adapter; tr is used for the pre-flight probe under
// the authorize barrier.
func New(hints cloud.Hints, tr *transport.Transport) *Adapter {
	return &Adapter{transport: tr}
}

func (a *Adapter) Name() string { return "webdav" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "/", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (a *Adapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpExchangeCode, provider.OpGetItemURL, provider.OpListDirectoryPage,
		provider.OpGetItemData, provider.OpDownloadFile, provider.OpUploadFile,
		provider.OpDeleteItem, provider.OpCreateDirectory, provider.OpMoveItem,
		provider.OpRenameItem, provider.OpGeneralData:
		return true
	}
	return false
}

func (a *Adapter) Reauthorize(code int, _ http.Header) bool {
	a.mu.Lock()
	incomplete := a.creds.Endpoint == "" || a.creds.Username == ""
	a.mu.Unlock()
	return provider.DefaultReauthorize(code) || incomplete
}

func (a *Adapter) IsSuccess(code int, _ http.Header) bool { return cloud.IsSuccess(code) }

// ─── Credentials ────────────────────────────────────────────────────────────

// UnpackCredentials implements provider.CredentialUnpacker.
func (a *Adapter) UnpackCredentials(code string) error {
	var c credentials
	if err := json.Unmarshal([]byte(code), &c); err != nil {
		return fmt.Errorf("parse webdav credentials: %w", err)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("webdav credentials carry no endpoint")
	}
	a.mu.Lock()
	a.creds = c
	a.mu.Unlock()
	return nil
}

// Credentials implements provider.CredentialUnpacker.
func (a *Adapter) Credentials() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, _ := json.Marshal(a.creds)
	return string(data)
}

// Validate probes the endpoint with a zero-depth PROPFIND.
func (a *Adapter) Validate(ctx context.Context) error {
	req, _, err := a.propfind("/", "0")
	if err != nil {
		return cloud.NewError(cloud.CodeUnauthorized, "%v", err)
	}
	var errOut strings.Builder
	resp, err := a.transport.Send(ctx, req, nil, io.Discard, &errOut, nil)
	if err != nil {
		return err
	}
	if resp.Code == cloud.CodeUnauthorized || resp.Code == cloud.CodeForbidden {
		return cloud.NewError(cloud.CodeUnauthorized, "webdav endpoint rejected credentials")
	}
	if !cloud.IsSuccess(resp.Code) && resp.Code != 207 {
		return cloud.NewError(resp.Code, "webdav probe failed: %s", errOut.String())
	}
	return nil
}

func (a *Adapter) basicAuth() (endpoint, header string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds.Endpoint == "" {
		return "", "", cloud.NewError(cloud.CodeUnauthorized, "webdav credentials not set")
	}
	raw := a.creds.Username + ":" + a.creds.Password
	return strings.TrimSuffix(a.creds.Endpoint, "/"),
		"Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

func (a *Adapter) davRequest(method, id string) (*transport.Request, error) {
	endpoint, auth, err := a.basicAuth()
	if err != nil {
		return nil, err
	}
	req := transport.NewRequest(endpoint+escapePath(id), method, true)
	req.SetHeader("Authorization", auth)
	return req, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (a *Adapter) propfind(id, depth string) (*transport.Request, io.Reader, error) {
	req, err := a.davRequest("PROPFIND", id)
	if err != nil {
		return nil, nil, err
	}
	req.SetHeader("Depth", depth)
	req.SetHeader("Content-Type", "application/xml")
	body := `<?xml version="1.0"?><d:propfind xmlns:d="DAV:"><d:allprop/></d:propfind>`
	return req, strings.NewReader(body), nil
}

// ─── Wire requests ──────────────────────────────────────────────────────────

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, _ cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		return a.propfind(dirID(args.Item.ID), "1")

	case provider.OpGetItemData:
		return a.propfind(args.ID, "0")

	case provider.OpGetItemURL:
		// A HEAD probe doubles as existence check; the URL itself is
		// assembled in ParseResponse.
		req, err := a.davRequest("HEAD", args.Item.ID)
		return req, nil, err

	case provider.OpDownloadFile:
		req, err := a.davRequest("GET", args.Item.ID)
		if err != nil {
			return nil, nil, err
		}
		if args.Range != (cloud.Range{Start: 0, Size: cloud.FullRange}) {
			req.SetHeader("Range", args.Range.Header())
		}
		return req, nil, nil

	case provider.OpUploadFile:
		req, err := a.davRequest("PUT", dirID(args.Parent.ID)+args.Name)
		if err != nil {
			return nil, nil, err
		}
		req.SetHeader("Content-Type", "application/octet-stream")
		body, err := args.Upload.Open()
		if err != nil {
			return nil, nil, err
		}
		return req, body, nil

	case provider.OpDeleteItem:
		req, err := a.davRequest("DELETE", args.Item.ID)
		return req, nil, err

	case provider.OpCreateDirectory:
		req, err := a.davRequest("MKCOL", dirID(args.Parent.ID)+args.Name+"/")
		return req, nil, err

	case provider.OpMoveItem:
		req, err := a.davRequest("MOVE", args.Item.ID)
		if err != nil {
			return nil, nil, err
		}
		endpoint, _, _ := a.basicAuth()
		req.SetHeader("Destination", endpoint+escapePath(dirID(args.Destination.ID)+args.Item.Filename))
		return req, nil, nil

	case provider.OpRenameItem:
		req, err := a.davRequest("MOVE", args.Item.ID)
		if err != nil {
			return nil, nil, err
		}
		endpoint, _, _ := a.basicAuth()
		req.SetHeader("Destination", endpoint+escapePath(path.Dir(strings.TrimSuffix(args.Item.ID, "/"))+"/"+args.Name))
		return req, nil, nil

	case provider.OpGeneralData:
		return a.propfind("/", "0")
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

func dirID(id string) string {
	if !strings.HasSuffix(id, "/") {
		return id + "/"
	}
	return id
}

// ─── Responses ──────────────────────────────────────────────────────────────

type multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href            string   `xml:"href"`
	DisplayName     string   `xml:"propstat>prop>displayname"`
	ContentLength   int64    `xml:"propstat>prop>getcontentlength"`
	LastModified    string   `xml:"propstat>prop>getlastmodified"`
	ContentType     string   `xml:"propstat>prop>getcontenttype"`
	Collection      *struct{} `xml:"propstat>prop>resourcetype>collection"`
	QuotaUsedBytes  int64    `xml:"propstat>prop>quota-used-bytes"`
	QuotaAvailBytes int64    `xml:"propstat>prop>quota-available-bytes"`
}

func (a *Adapter) itemFromResponse(r response) cloud.Item {
	endpoint, _, _ := a.basicAuth()
	href, err := url.PathUnescape(r.Href)
	if err != nil {
		href = r.Href
	}
	// Hrefs may be absolute URLs or absolute paths; strip to the id space.
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" && u.Path != "/" {
		href = strings.TrimPrefix(href, u.Scheme+"://"+u.Host)
		href = strings.TrimPrefix(href, u.Path)
	}
	isDir := r.Collection != nil || strings.HasSuffix(href, "/")
	name := r.DisplayName
	if name == "" {
		name = path.Base(strings.TrimSuffix(href, "/"))
	}

	it := cloud.Item{
		ID:       href,
		Filename: name,
		Size:     r.ContentLength,
		MimeType: r.ContentType,
		Type:     cloud.TypeFromMime(r.ContentType),
	}
	if t, err := time.Parse(time.RFC1123, r.LastModified); err == nil {
		it.Timestamp = t
	}
	if isDir {
		it.ID = dirID(href)
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	}
	return it
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		var ms multistatus
		if err := xml.Unmarshal(body, &ms); err != nil {
			return nil, fmt.Errorf("parse multistatus: %w", err)
		}
		res := &provider.Result{}
		parent := dirID(args.Item.ID)
		for _, r := range ms.Responses {
			it := a.itemFromResponse(r)
			if it.ID == parent || strings.TrimSuffix(it.ID, "/") == strings.TrimSuffix(parent, "/") {
				continue // the listing echoes the directory itself
			}
			res.Items = append(res.Items, it)
		}
		return res, nil

	case provider.OpGetItemData:
		var ms multistatus
		if err := xml.Unmarshal(body, &ms); err != nil {
			return nil, fmt.Errorf("parse multistatus: %w", err)
		}
		if len(ms.Responses) == 0 {
			return nil, cloud.NewError(cloud.CodeNotFound, "no such resource")
		}
		return &provider.Result{Item: a.itemFromResponse(ms.Responses[0])}, nil

	case provider.OpGetItemURL:
		endpoint, _, err := a.basicAuth()
		if err != nil {
			return nil, err
		}
		return &provider.Result{URL: endpoint + escapePath(args.Item.ID)}, nil

	case provider.OpUploadFile:
		return &provider.Result{Item: cloud.Item{
			ID:       dirID(args.Parent.ID) + args.Name,
			Filename: args.Name,
			Size:     args.Upload.Size,
			Type:     provider.ItemTypeFromName(args.Name),
		}}, nil

	case provider.OpCreateDirectory:
		return &provider.Result{Item: cloud.Item{
			ID:       dirID(args.Parent.ID) + args.Name + "/",
			Filename: args.Name,
			Size:     cloud.UnknownSize,
			Type:     cloud.ItemDirectory,
		}}, nil

	case provider.OpMoveItem:
		it := args.Item
		it.ID = dirID(args.Destination.ID) + args.Item.Filename
		if args.Item.IsDirectory() {
			it.ID = dirID(it.ID)
		}
		return &provider.Result{Item: it}, nil

	case provider.OpRenameItem:
		it := args.Item
		it.Filename = args.Name
		it.ID = path.Dir(strings.TrimSuffix(args.Item.ID, "/")) + "/" + args.Name
		if args.Item.IsDirectory() {
			it.ID = dirID(it.ID)
		}
		return &provider.Result{Item: it}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var ms multistatus
		if err := xml.Unmarshal(body, &ms); err != nil {
			return nil, fmt.Errorf("parse multistatus: %w", err)
		}
		general := cloud.GeneralData{SpaceUsed: cloud.UnknownSize, SpaceTotal: cloud.UnknownSize}
		a.mu.Lock()
		general.Username = a.creds.Username
		a.mu.Unlock()
		if len(ms.Responses) > 0 {
			p := ms.Responses[0]
			general.SpaceUsed = p.QuotaUsedBytes
			if p.QuotaAvailBytes > 0 {
				general.SpaceTotal = p.QuotaUsedBytes + p.QuotaAvailBytes
			}
		}
		return &provider.Result{General: general}, nil
	}
	return &provider.Result{}, nil
}
