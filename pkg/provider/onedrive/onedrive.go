// Package onedrive adapts the Microsoft Graph drive API to the provider
// engine.
package onedrive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const (
	driveURL = "https://graph.microsoft.com/v1.0/me/drive"
	authURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	tokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	scope    = "offline_access files.readwrite"
)

// Adapter implements provider.Adapter for OneDrive. Item ids are Graph item
// ids; the root uses the "root" alias.
type Adapter struct{}

// New creates a OneDrive adapter.
func New(hints cloud.Hints) *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "onedrive" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "root", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (a *Adapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpExchangeCode, provider.OpListDirectoryPage, provider.OpGetItemData,
		provider.OpDownloadFile, provider.OpUploadFile, provider.OpDeleteItem,
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
	return provider.ConsentURL(authURL, clientID, redirectURI, state,
		map[string]string{"scope": scope, "response_mode": "query"})
}

func (a *Adapter) ExchangeCodeRequest(clientID, clientSecret, redirectURI, code string) (*transport.Request, io.Reader) {
	return provider.FormTokenRequest(tokenURL, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     clientID,
		"client_secret": clientSecret,
		"redirect_uri":  redirectURI,
		"scope":         scope,
		"code":          code,
	})
}

func (a *Adapter) RefreshTokenRequest(clientID, clientSecret, refreshToken string) (*transport.Request, io.Reader) {
	return provider.FormTokenRequest(tokenURL, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"client_secret": clientSecret,
		"scope":         scope,
		"refresh_token": refreshToken,
	})
}

func (a *Adapter) ParseTokenResponse(body []byte) (cloud.Token, error) {
	return provider.ParseStandardToken(body)
}

// ─── Wire requests ──────────────────────────────────────────────────────────

func itemPath(id string) string {
	if id == "root" {
		return driveURL + "/root"
	}
	return driveURL + "/items/" + id
}

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		// Graph pages with a full @odata.nextLink URL.
		url := itemPath(args.Item.ID) + "/children?$top=200"
		if args.PageToken != "" {
			url = args.PageToken
		}
		req := transport.NewRequest(url, "GET", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil

	case provider.OpGetItemData:
		req := transport.NewRequest(itemPath(args.ID), "GET", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil

	case provider.OpDownloadFile:
		req := transport.NewRequest(itemPath(args.Item.ID)+"/content", "GET", true)
		provider.AuthorizeBearer(req, tok)
		if args.Range != (cloud.Range{Start: 0, Size: cloud.FullRange}) {
			req.SetHeader("Range", args.Range.Header())
		}
		return req, nil, nil

	case provider.OpUploadFile:
		req := transport.NewRequest(itemPath(args.Parent.ID)+":/"+args.Name+":/content", "PUT", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/octet-stream")
		body, err := args.Upload.Open()
		if err != nil {
			return nil, nil, err
		}
		return req, body, nil

	case provider.OpDeleteItem:
		req := transport.NewRequest(itemPath(args.Item.ID), "DELETE", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil

	case provider.OpCreateDirectory:
		req := transport.NewRequest(itemPath(args.Parent.ID)+"/children", "POST", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]interface{}{
			"name": args.Name, "folder": struct{}{},
		})
		return req, bytes.NewReader(data), nil

	case provider.OpMoveItem:
		req := transport.NewRequest(itemPath(args.Item.ID), "PATCH", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]interface{}{
			"parentReference": map[string]string{"id": args.Destination.ID},
		})
		return req, bytes.NewReader(data), nil

	case provider.OpRenameItem:
		req := transport.NewRequest(itemPath(args.Item.ID), "PATCH", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]string{"name": args.Name})
		return req, bytes.NewReader(data), nil

	case provider.OpGeneralData:
		req := transport.NewRequest(driveURL, "GET", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

// ─── Responses ──────────────────────────────────────────────────────────────

type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	Folder               *struct{} `json:"folder"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

func (d driveItem) item() cloud.Item {
	it := cloud.Item{
		ID:        d.ID,
		Filename:  d.Name,
		Size:      d.Size,
		Timestamp: d.LastModifiedDateTime,
	}
	if d.Folder != nil {
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	} else if d.File != nil {
		it.MimeType = d.File.MimeType
		it.Type = cloud.TypeFromMime(d.File.MimeType)
	}
	return it
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		var reply struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		res := &provider.Result{NextToken: reply.NextLink}
		for _, d := range reply.Value {
			res.Items = append(res.Items, d.item())
		}
		return res, nil

	case provider.OpGetItemData, provider.OpUploadFile, provider.OpCreateDirectory,
		provider.OpMoveItem, provider.OpRenameItem:
		var d driveItem
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("parse item: %w", err)
		}
		return &provider.Result{Item: d.item()}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var reply struct {
			Owner struct {
				User struct {
					DisplayName string `json:"displayName"`
				} `json:"user"`
			} `json:"owner"`
			Quota struct {
				Total int64 `json:"total"`
				Used  int64 `json:"used"`
			} `json:"quota"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse drive: %w", err)
		}
		return &provider.Result{General: cloud.GeneralData{
			Username:   reply.Owner.User.DisplayName,
			SpaceUsed:  reply.Quota.Used,
			SpaceTotal: reply.Quota.Total,
		}}, nil
	}
	return &provider.Result{}, nil
}
