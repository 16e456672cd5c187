// Package box adapts the Box v2 API to the provider engine.
package box

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const (
	apiURL    = "https://api.box.com/2.0"
	uploadURL = "https://upload.box.com/api/2.0"
	authURL   = "https://account.box.com/api/oauth2/authorize"
	tokenURL  = "https://api.box.com/oauth2/token"

	pageLimit = 100
)

// Adapter implements provider.Adapter for Box. The root folder's Box id is
// "0", so its item id is "d0". Ids are prefixed "d" for folders and "f" for files so one id names both
// the object and the endpoint family it belongs to.
type Adapter struct{}

// New creates a Box adapter.
func New(hints cloud.Hints) *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "box" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "d0", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
}

func (a *Adapter) Supports(op provider.Op) bool {
	switch op {
	case provider.OpExchangeCode, provider.OpListDirectoryPage, provider.OpGetItemData,
		provider.OpDownloadFile, provider.OpUploadFile, provider.OpDeleteItem,
		provider.OpCreateDirectory, provider.OpMoveItem, provider.OpRenameItem,
		provider.OpGeneralData, provider.OpGetThumbnail:
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
		"redirect_uri":  redirectURI,
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

// ─── Wire requests ──────────────────────────────────────────────────────────

// split separates the type prefix from the numeric Box id.
func split(id string) (kind byte, raw string) {
	if id == "" {
		return 'd', "0"
	}
	return id[0], id[1:]
}

func endpoint(id string) string {
	kind, raw := split(id)
	if kind == 'd' {
		return apiURL + "/folders/" + raw
	}
	return apiURL + "/files/" + raw
}

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		_, raw := split(args.Item.ID)
		req := transport.NewRequest(apiURL+"/folders/"+raw+"/items", "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("fields", "id,type,name,size,modified_at")
		req.SetParam("limit", strconv.Itoa(pageLimit))
		if args.PageToken != "" {
			req.SetParam("offset", args.PageToken)
		}
		return req, nil, nil

	case provider.OpGetItemData:
		req := transport.NewRequest(endpoint(args.ID), "GET", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil

	case provider.OpDownloadFile:
		_, raw := split(args.Item.ID)
		req := transport.NewRequest(apiURL+"/files/"+raw+"/content", "GET", true)
		provider.AuthorizeBearer(req, tok)
		if args.Range != (cloud.Range{Start: 0, Size: cloud.FullRange}) {
			req.SetHeader("Range", args.Range.Header())
		}
		return req, nil, nil

	case provider.OpUploadFile:
		content, err := args.Upload.Open()
		if err != nil {
			return nil, nil, err
		}
		return buildUpload(args, tok, content)

	case provider.OpDeleteItem:
		req := transport.NewRequest(endpoint(args.Item.ID), "DELETE", true)
		provider.AuthorizeBearer(req, tok)
		if args.Item.IsDirectory() {
			req.SetParam("recursive", "false")
		}
		return req, nil, nil

	case provider.OpCreateDirectory:
		_, raw := split(args.Parent.ID)
		req := transport.NewRequest(apiURL+"/folders", "POST", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]interface{}{
			"name": args.Name, "parent": map[string]string{"id": raw},
		})
		return req, bytes.NewReader(data), nil

	case provider.OpMoveItem:
		_, dst := split(args.Destination.ID)
		req := transport.NewRequest(endpoint(args.Item.ID), "PUT", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]interface{}{
			"parent": map[string]string{"id": dst},
		})
		return req, bytes.NewReader(data), nil

	case provider.OpRenameItem:
		req := transport.NewRequest(endpoint(args.Item.ID), "PUT", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]string{"name": args.Name})
		return req, bytes.NewReader(data), nil

	case provider.OpGeneralData:
		req := transport.NewRequest(apiURL+"/users/me", "GET", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil

	case provider.OpGetThumbnail:
		_, raw := split(args.Item.ID)
		req := transport.NewRequest(apiURL+"/files/"+raw+"/thumbnail.png", "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("min_height", "128")
		req.SetParam("min_width", "128")
		return req, nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

func buildUpload(args provider.Args, tok cloud.Token, content io.Reader) (*transport.Request, io.Reader, error) {
	_, parent := split(args.Parent.ID)
	var header bytes.Buffer
	mw := multipart.NewWriter(&header)

	attrs, _ := json.Marshal(map[string]interface{}{
		"name": args.Name, "parent": map[string]string{"id": parent},
	})
	if err := mw.WriteField("attributes", string(attrs)); err != nil {
		return nil, nil, err
	}
	if _, err := mw.CreateFormFile("file", args.Name); err != nil {
		return nil, nil, err
	}

	req := transport.NewRequest(uploadURL+"/files/content", "POST", true)
	provider.AuthorizeBearer(req, tok)
	req.SetHeader("Content-Type", mw.FormDataContentType())

	trailer := "\r\n--" + mw.Boundary() + "--\r\n"
	return req, io.MultiReader(bytes.NewReader(header.Bytes()), content, bytes.NewReader([]byte(trailer))), nil
}

// ─── Responses ──────────────────────────────────────────────────────────────

type boxEntry struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (e boxEntry) item() cloud.Item {
	it := cloud.Item{
		Filename:  e.Name,
		Size:      e.Size,
		Timestamp: e.ModifiedAt,
		Type:      provider.ItemTypeFromName(e.Name),
	}
	if e.Type == "folder" {
		it.ID = "d" + e.ID
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	} else {
		it.ID = "f" + e.ID
	}
	return it
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		var reply struct {
			TotalCount int        `json:"total_count"`
			Offset     int        `json:"offset"`
			Entries    []boxEntry `json:"entries"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		res := &provider.Result{}
		for _, e := range reply.Entries {
			res.Items = append(res.Items, e.item())
		}
		if next := reply.Offset + len(reply.Entries); next < reply.TotalCount {
			res.NextToken = strconv.Itoa(next)
		}
		return res, nil

	case provider.OpGetItemData, provider.OpCreateDirectory, provider.OpMoveItem,
		provider.OpRenameItem:
		var e boxEntry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("parse item: %w", err)
		}
		return &provider.Result{Item: e.item()}, nil

	case provider.OpUploadFile:
		var reply struct {
			Entries []boxEntry `json:"entries"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse upload reply: %w", err)
		}
		if len(reply.Entries) == 0 {
			return nil, cloud.NewError(cloud.CodeFailure, "upload reply carries no entries")
		}
		return &provider.Result{Item: reply.Entries[0].item()}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var reply struct {
			Login       string `json:"login"`
			SpaceAmount int64  `json:"space_amount"`
			SpaceUsed   int64  `json:"space_used"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse user: %w", err)
		}
		return &provider.Result{General: cloud.GeneralData{
			Username:   reply.Login,
			SpaceUsed:  reply.SpaceUsed,
			SpaceTotal: reply.SpaceAmount,
		}}, nil
	}
	return &provider.Result{}, nil
}
