// Package yandex adapts the Yandex Disk REST API to the provider engine.
package yandex

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const (
	apiURL   = "https://cloud-api.yandex.net/v1/disk"
	authURL  = "https://oauth.yandex.com/authorize"
	tokenURL = "https://oauth.yandex.com/token"

	pageLimit = 100
)

// Adapter implements provider.Adapter for Yandex Disk. Item ids are disk
// paths rooted at "disk:/". Uploads are two-step: the API hands out a
// transfer href the body is PUT to.
type Adapter struct{}

// New creates a Yandex Disk adapter.
func New(hints cloud.Hints) *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "yandex" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "disk:/", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
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
	return provider.FormTokenRequest(tokenURL, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     clientID,
		"client_secret": clientSecret,
		"code":          code,
	})
}

func (a *Adapter) RefreshTokenRequest(clientID, clientSecret, refreshToken string) (*transport.Request, io.Reader) {
	return provider.FormTokenRequest(tokenURL, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"client_secret": clientSecret,
		"refresh_token": refreshToken,
	})
}

func (a *Adapter) ParseTokenResponse(body []byte) (cloud.Token, error) {
	return provider.ParseStandardToken(body)
}

// yandexAuthorize applies Yandex's OAuth header scheme.
func yandexAuthorize(req *transport.Request, tok cloud.Token) {
	if tok.AccessToken != "" {
		req.SetHeader("Authorization", "OAuth "+tok.AccessToken)
	}
}

// ─── Wire requests ──────────────────────────────────────────────────────────

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		req := transport.NewRequest(apiURL+"/resources", "GET", true)
		yandexAuthorize(req, tok)
		req.SetParam("path", args.Item.ID)
		req.SetParam("limit", strconv.Itoa(pageLimit))
		if args.PageToken != "" {
			req.SetParam("offset", args.PageToken)
		}
		return req, nil, nil

	case provider.OpGetItemData:
		req := transport.NewRequest(apiURL+"/resources", "GET", true)
		yandexAuthorize(req, tok)
		req.SetParam("path", args.ID)
		return req, nil, nil

	case provider.OpGetItemURL:
		req := transport.NewRequest(apiURL+"/resources/download", "GET", true)
		yandexAuthorize(req, tok)
		req.SetParam("path", args.Item.ID)
		return req, nil, nil

	case provider.OpDeleteItem:
		req := transport.NewRequest(apiURL+"/resources", "DELETE", true)
		yandexAuthorize(req, tok)
		req.SetParam("path", args.Item.ID)
		req.SetParam("permanently", "true")
		return req, nil, nil

	case provider.OpCreateDirectory:
		req := transport.NewRequest(apiURL+"/resources", "PUT", true)
		yandexAuthorize(req, tok)
		req.SetParam("path", args.Parent.ID+"/"+args.Name)
		return req, nil, nil

	case provider.OpMoveItem:
		req := transport.NewRequest(apiURL+"/resources/move", "POST", true)
		yandexAuthorize(req, tok)
		req.SetParam("from", args.Item.ID)
		req.SetParam("path", args.Destination.ID+"/"+args.Item.Filename)
		return req, nil, nil

	case provider.OpRenameItem:
		req := transport.NewRequest(apiURL+"/resources/move", "POST", true)
		yandexAuthorize(req, tok)
		req.SetParam("from", args.Item.ID)
		req.SetParam("path", path.Dir(args.Item.ID)+"/"+args.Name)
		return req, nil, nil

	case provider.OpGeneralData:
		req := transport.NewRequest(apiURL, "GET", true)
		yandexAuthorize(req, tok)
		return req, nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

// ─── Two-step upload ────────────────────────────────────────────────────────

// UploadLinkRequest implements provider.UploadLinker.
func (a *Adapter) UploadLinkRequest(args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	req := transport.NewRequest(apiURL+"/resources/upload", "GET", true)
	yandexAuthorize(req, tok)
	req.SetParam("path", a.UploadedItemID(args))
	req.SetParam("overwrite", "true")
	return req, nil, nil
}

// ParseUploadLink implements provider.UploadLinker.
func (a *Adapter) ParseUploadLink(body []byte) (string, string, error) {
	var reply struct {
		Method string `json:"method"`
		Href   string `json:"href"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", "", fmt.Errorf("parse upload link: %w", err)
	}
	if reply.Method == "" {
		reply.Method = "PUT"
	}
	return reply.Method, reply.Href, nil
}

// UploadedItemID implements provider.UploadLinker.
func (a *Adapter) UploadedItemID(args provider.Args) string {
	return args.Parent.ID + "/" + args.Name
}

// ─── Responses ──────────────────────────────────────────────────────────────

type resource struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	MimeType string    `json:"mime_type"`
	Preview  string    `json:"preview"`
	Embedded *struct {
		Items  []resource `json:"items"`
		Total  int        `json:"total"`
		Offset int        `json:"offset"`
	} `json:"_embedded"`
}

func (r resource) item() cloud.Item {
	it := cloud.Item{
		ID:           r.Path,
		Filename:     r.Name,
		Size:         r.Size,
		Timestamp:    r.Modified,
		MimeType:     r.MimeType,
		ThumbnailURL: r.Preview,
		Type:         cloud.TypeFromMime(r.MimeType),
	}
	if r.Type == "dir" {
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	}
	return it
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		var r resource
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		res := &provider.Result{}
		if r.Embedded != nil {
			for _, child := range r.Embedded.Items {
				res.Items = append(res.Items, child.item())
			}
			if next := r.Embedded.Offset + len(r.Embedded.Items); next < r.Embedded.Total {
				res.NextToken = strconv.Itoa(next)
			}
		}
		return res, nil

	case provider.OpGetItemData:
		var r resource
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parse resource: %w", err)
		}
		return &provider.Result{Item: r.item()}, nil

	case provider.OpGetItemURL:
		var reply struct {
			Href string `json:"href"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse download link: %w", err)
		}
		return &provider.Result{URL: reply.Href}, nil

	case provider.OpCreateDirectory:
		// 201 returns only an href; synthesize the item from the request.
		return &provider.Result{Item: cloud.Item{
			ID:       args.Parent.ID + "/" + args.Name,
			Filename: args.Name,
			Size:     cloud.UnknownSize,
			Type:     cloud.ItemDirectory,
		}}, nil

	case provider.OpMoveItem:
		it := args.Item
		it.ID = args.Destination.ID + "/" + args.Item.Filename
		return &provider.Result{Item: it}, nil

	case provider.OpRenameItem:
		it := args.Item
		it.ID = path.Dir(args.Item.ID) + "/" + args.Name
		it.Filename = args.Name
		return &provider.Result{Item: it}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var reply struct {
			TotalSpace int64 `json:"total_space"`
			UsedSpace  int64 `json:"used_space"`
			User       struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse disk info: %w", err)
		}
		return &provider.Result{General: cloud.GeneralData{
			Username:   reply.User.Login,
			SpaceUsed:  reply.UsedSpace,
			SpaceTotal: reply.TotalSpace,
		}}, nil
	}
	return &provider.Result{}, nil
}
