// Package pcloud adapts the pCloud API to the provider engine.
package pcloud

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const (
	defaultAPI = "https://api.pcloud.com"
	authURL    = "https://my.pcloud.com/oauth2/authorize"
)

// Adapter implements provider.Adapter for pCloud. Ids carry a type prefix:
// "d<folderid>" for folders, "f<fileid>" for files. pCloud access tokens do
// not expire, so the adapter reuses the persisted token as the bearer.
type Adapter struct {
	api string
}

// New creates a pCloud adapter. The "rewritten_endpoint" hint selects the
// EU datacenter API when present.
func New(hints cloud.Hints) *Adapter {
	return &Adapter{api: hints.Get("rewritten_endpoint", defaultAPI)}
}

func (a *Adapter) Name() string { return "pcloud" }

// ReuseToken marks the long-lived-token refresh strategy.
func (a *Adapter) ReuseToken() {}

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "d0", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (a *Adapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpExchangeCode, provider.OpGetItemURL, provider.OpListDirectoryPage,
		provider.OpGetItemData, provider.OpUploadFile, provider.OpDeleteItem,
		provider.OpCreateDirectory, provider.OpMoveItem, provider.OpRenameItem,
		provider.OpGeneralData:
		return true
	}
	return false
}

func (a *Adapter) Reauthorize(code int, _ http.Header) bool {
	return provider.DefaultReauthorize(code)
}

func (a *Adapter) IsSuccess(code int, _ http.Header) bool { return cloud.IsSuccess(code) }

// ─── OAuth ──────────────────────────────────────────────────────────────────

func (a *Adapter) AuthorizeURL(clientID, redirectURI, state string) string {
	return provider.ConsentURL(authURL, clientID, redirectURI, state, nil)
}

func (a *Adapter) ExchangeCodeRequest(clientID, clientSecret, redirectURI, code string) (*transport.Request, io.Reader) {
	req := transport.NewRequest(a.api+"/oauth2_token", "GET", true)
	req.SetParam("client_id", clientID)
	req.SetParam("client_secret", clientSecret)
	req.SetParam("code", code)
	return req, nil
}

func (a *Adapter) RefreshTokenRequest(clientID, clientSecret, refreshToken string) (*transport.Request, io.Reader) {
	// Never dispatched: ReuseToken short-circuits the refresh path.
	req := transport.NewRequest(a.api+"/userinfo", "GET", true)
	req.SetParam("access_token", refreshToken)
	return req, nil
}

func (a *Adapter) ParseTokenResponse(body []byte) (cloud.Token, error) {
	var reply struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return cloud.Token{}, cloud.NewError(cloud.CodeFailure, "parse token response: %v", err)
	}
	if reply.AccessToken == "" {
		return cloud.Token{}, cloud.NewError(cloud.CodeFailure, "token response carries no access token")
	}
	// The access token persists; keep it in both slots.
	return cloud.Token{Token: reply.AccessToken, AccessToken: reply.AccessToken}, nil
}

// ─── Wire requests ──────────────────────────────────────────────────────────

func split(id string) (kind byte, raw string) {
	if id == "" {
		return 'd', "0"
	}
	return id[0], id[1:]
}

func (a *Adapter) call(method string, tok cloud.Token) *transport.Request {
	req := transport.NewRequest(a.api+method, "GET", true)
	req.SetParam("access_token", tok.AccessToken)
	return req
}

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		_, raw := split(args.Item.ID)
		req := a.call("/listfolder", tok)
		req.SetParam("folderid", raw)
		return req, nil, nil

	case provider.OpGetItemData:
		kind, raw := split(args.ID)
		if kind == 'd' {
			req := a.call("/listfolder", tok)
			req.SetParam("folderid", raw)
			req.SetParam("nofiles", "1")
			return req, nil, nil
		}
		req := a.call("/checksumfile", tok)
		req.SetParam("fileid", raw)
		return req, nil, nil

	case provider.OpGetItemURL:
		_, raw := split(args.Item.ID)
		req := a.call("/getfilelink", tok)
		req.SetParam("fileid", raw)
		return req, nil, nil

	case provider.OpUploadFile:
		_, parent := split(args.Parent.ID)
		req := transport.NewRequest(a.api+"/uploadfile", "POST", true)
		req.SetParam("access_token", tok.AccessToken)
		req.SetParam("folderid", parent)
		req.SetParam("filename", args.Name)
		req.SetParam("nopartial", "1")
		req.SetHeader("Content-Type", "application/octet-stream")
		body, err := args.Upload.Open()
		if err != nil {
			return nil, nil, err
		}
		return req, body, nil

	case provider.OpDeleteItem:
		kind, raw := split(args.Item.ID)
		if kind == 'd' {
			req := a.call("/deletefolderrecursive", tok)
			req.SetParam("folderid", raw)
			return req, nil, nil
		}
		req := a.call("/deletefile", tok)
		req.SetParam("fileid", raw)
		return req, nil, nil

	case provider.OpCreateDirectory:
		_, parent := split(args.Parent.ID)
		req := a.call("/createfolder", tok)
		req.SetParam("folderid", parent)
		req.SetParam("name", args.Name)
		return req, nil, nil

	case provider.OpMoveItem:
		kind, raw := split(args.Item.ID)
		_, dst := split(args.Destination.ID)
		var req *transport.Request
		if kind == 'd' {
			req = a.call("/renamefolder", tok)
			req.SetParam("folderid", raw)
		} else {
			req = a.call("/renamefile", tok)
			req.SetParam("fileid", raw)
		}
		req.SetParam("tofolderid", dst)
		return req, nil, nil

	case provider.OpRenameItem:
		kind, raw := split(args.Item.ID)
		var req *transport.Request
		if kind == 'd' {
			req = a.call("/renamefolder", tok)
			req.SetParam("folderid", raw)
		} else {
			req = a.call("/renamefile", tok)
			req.SetParam("fileid", raw)
		}
		req.SetParam("toname", args.Name)
		return req, nil, nil

	case provider.OpGeneralData:
		return a.call("/userinfo", tok), nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

// ─── Responses ──────────────────────────────────────────────────────────────

type metadata struct {
	Name     string `json:"name"`
	IsFolder bool   `json:"isfolder"`
	FolderID int64  `json:"folderid"`
	FileID   int64  `json:"fileid"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	Contents []metadata `json:"contents"`
}

func (m metadata) item() cloud.Item {
	it := cloud.Item{
		Filename: m.Name,
		Size:     m.Size,
		Type:     provider.ItemTypeFromName(m.Name),
	}
	if t, err := time.Parse(time.RFC1123Z, m.Modified); err == nil {
		it.Timestamp = t
	}
	if m.IsFolder {
		it.ID = "d" + strconv.FormatInt(m.FolderID, 10)
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	} else {
		it.ID = "f" + strconv.FormatInt(m.FileID, 10)
	}
	return it
}

// checkResult surfaces pCloud's in-band error convention: every reply
// carries a non-zero "result" on failure, even under HTTP 200.
func checkResult(body []byte) error {
	var reply struct {
		Result int    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	if reply.Result != 0 {
		code := cloud.CodeBad
		if reply.Result == 2000 || reply.Result == 1000 {
			code = cloud.CodeUnauthorized
		}
		return cloud.NewError(code, "pcloud error %d: %s", reply.Result, reply.Error)
	}
	return nil
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	if err := checkResult(body); err != nil {
		return nil, err
	}
	switch op {
	case provider.OpListDirectoryPage:
		var reply struct {
			Metadata metadata `json:"metadata"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		res := &provider.Result{}
		for _, m := range reply.Metadata.Contents {
			res.Items = append(res.Items, m.item())
		}
		return res, nil

	case provider.OpGetItemData, provider.OpCreateDirectory, provider.OpMoveItem,
		provider.OpRenameItem:
		var reply struct {
			Metadata metadata `json:"metadata"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		return &provider.Result{Item: reply.Metadata.item()}, nil

	case provider.OpGetItemURL:
		var reply struct {
			Hosts []string `json:"hosts"`
			Path  string   `json:"path"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse file link: %w", err)
		}
		if len(reply.Hosts) == 0 {
			return nil, cloud.NewError(cloud.CodeFailure, "file link reply carries no hosts")
		}
		return &provider.Result{URL: "https://" + reply.Hosts[0] + reply.Path}, nil

	case provider.OpUploadFile:
		var reply struct {
			Metadata []metadata `json:"metadata"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse upload reply: %w", err)
		}
		if len(reply.Metadata) == 0 {
			return nil, cloud.NewError(cloud.CodeFailure, "upload reply carries no metadata")
		}
		return &provider.Result{Item: reply.Metadata[0].item()}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var reply struct {
			Email     string `json:"email"`
			Quota     int64  `json:"quota"`
			UsedQuota int64  `json:"usedquota"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse userinfo: %w", err)
		}
		return &provider.Result{General: cloud.GeneralData{
			Username:   reply.Email,
			SpaceUsed:  reply.UsedQuota,
			SpaceTotal: reply.Quota,
		}}, nil
	}
	return &provider.Result{}, nil
}
