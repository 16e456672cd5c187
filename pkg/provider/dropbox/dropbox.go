// Package dropbox adapts the Dropbox v2 API to the provider engine.
package dropbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const (
	apiURL     = "https://api.dropboxapi.com/2"
	contentURL = "https://content.dropboxapi.com/2"
	authURL    = "https://www.dropbox.com/oauth2/authorize"
	tokenURL   = "https://api.dropboxapi.com/oauth2/token"
)

// Adapter implements provider.Adapter for Dropbox. Item ids are Dropbox
// paths; the root's id is the empty string.
type Adapter struct{}

// New creates a Dropbox adapter.
func New(hints cloud.Hints) *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "dropbox" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
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
	return provider.ConsentURL(authURL, clientID, redirectURI, state,
		map[string]string{"token_access_type": "offline"})
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

func rpc(endpoint string, tok cloud.Token, payload interface{}) (*transport.Request, io.Reader) {
	req := transport.NewRequest(apiURL+endpoint, "POST", true)
	provider.AuthorizeBearer(req, tok)
	req.SetHeader("Content-Type", "application/json")
	data, _ := json.Marshal(payload)
	return req, bytes.NewReader(data)
}

func apiArg(payload interface{}) string {
	data, _ := json.Marshal(payload)
	return string(data)
}

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		if args.PageToken != "" {
			req, body := rpc("/files/list_folder/continue", tok, map[string]string{"cursor": args.PageToken})
			return req, body, nil
		}
		req, body := rpc("/files/list_folder", tok, map[string]interface{}{
			"path": args.Item.ID, "include_deleted": false,
		})
		return req, body, nil

	case provider.OpGetItemData:
		req, body := rpc("/files/get_metadata", tok, map[string]string{"path": args.ID})
		return req, body, nil

	case provider.OpDownloadFile:
		req := transport.NewRequest(contentURL+"/files/download", "POST", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Dropbox-API-Arg", apiArg(map[string]string{"path": args.Item.ID}))
		if args.Range != (cloud.Range{Start: 0, Size: cloud.FullRange}) {
			req.SetHeader("Range", args.Range.Header())
		}
		return req, nil, nil

	case provider.OpUploadFile:
		req := transport.NewRequest(contentURL+"/files/upload", "POST", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Dropbox-API-Arg", apiArg(map[string]interface{}{
			"path": args.Parent.ID + "/" + args.Name, "mode": "overwrite",
		}))
		req.SetHeader("Content-Type", "application/octet-stream")
		body, err := args.Upload.Open()
		if err != nil {
			return nil, nil, err
		}
		return req, body, nil

	case provider.OpDeleteItem:
		req, body := rpc("/files/delete_v2", tok, map[string]string{"path": args.Item.ID})
		return req, body, nil

	case provider.OpCreateDirectory:
		req, body := rpc("/files/create_folder_v2", tok, map[string]string{
			"path": args.Parent.ID + "/" + args.Name,
		})
		return req, body, nil

	case provider.OpMoveItem:
		req, body := rpc("/files/move_v2", tok, map[string]string{
			"from_path": args.Item.ID,
			"to_path":   args.Destination.ID + "/" + args.Item.Filename,
		})
		return req, body, nil

	case provider.OpRenameItem:
		req, body := rpc("/files/move_v2", tok, map[string]string{
			"from_path": args.Item.ID,
			"to_path":   path.Dir(args.Item.ID) + "/" + args.Name,
		})
		return req, body, nil

	case provider.OpGeneralData:
		req, body := rpc("/users/get_space_usage", tok, struct{}{})
		return req, body, nil

	case provider.OpGetThumbnail:
		req := transport.NewRequest(contentURL+"/files/get_thumbnail_v2", "POST", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Dropbox-API-Arg", apiArg(map[string]interface{}{
			"resource": map[string]string{".tag": "path", "path": args.Item.ID},
		}))
		return req, nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

// ─── Responses ──────────────────────────────────────────────────────────────

type entry struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

func (e entry) item() cloud.Item {
	it := cloud.Item{
		ID:        e.PathDisplay,
		Filename:  e.Name,
		Size:      e.Size,
		Timestamp: e.ServerModified,
		Type:      provider.ItemTypeFromName(e.Name),
	}
	if e.Tag == "folder" {
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	}
	return it
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		var reply struct {
			Entries []entry `json:"entries"`
			Cursor  string  `json:"cursor"`
			HasMore bool    `json:"has_more"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		res := &provider.Result{}
		for _, e := range reply.Entries {
			res.Items = append(res.Items, e.item())
		}
		if reply.HasMore {
			res.NextToken = reply.Cursor
		}
		return res, nil

	case provider.OpGetItemData:
		var e entry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		return &provider.Result{Item: e.item()}, nil

	case provider.OpCreateDirectory, provider.OpMoveItem, provider.OpRenameItem:
		var reply struct {
			Metadata entry `json:"metadata"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		it := reply.Metadata.item()
		if op == provider.OpCreateDirectory || args.Item.IsDirectory() {
			it.Type = cloud.ItemDirectory
			it.Size = cloud.UnknownSize
		}
		return &provider.Result{Item: it}, nil

	case provider.OpUploadFile:
		var e entry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("parse upload reply: %w", err)
		}
		return &provider.Result{Item: e.item()}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var reply struct {
			Used       int64 `json:"used"`
			Allocation struct {
				Allocated int64 `json:"allocated"`
			} `json:"allocation"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse space usage: %w", err)
		}
		return &provider.Result{General: cloud.GeneralData{
			SpaceUsed:  reply.Used,
			SpaceTotal: reply.Allocation.Allocated,
		}}, nil
	}
	return &provider.Result{}, nil
}
