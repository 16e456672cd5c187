// Package google adapts the Google Drive v3 API to the provider engine.
package google

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

const (
	apiURL    = "https://www.googleapis.com/drive/v3"
	uploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	authURL   = "https://accounts.google.com/o/oauth2/auth"
	tokenURL  = "https://accounts.google.com/o/oauth2/token"

	folderMime = "application/vnd.google-apps.folder"
	fileFields = "id,name,mimeType,size,modifiedTime,thumbnailLink,parents"
)

// Adapter implements provider.Adapter for Google Drive. Item ids are Drive
// file ids; the root's id is the "root" alias.
type Adapter struct{}

// New creates a Google Drive adapter.
func New(hints cloud.Hints) *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "google" }

func (a *Adapter) RootDirectory() cloud.Item {
	return cloud.Item{ID: "root", Filename: "/", Size: cloud.UnknownSize, Type: cloud.ItemDirectory}
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
	return provider.DefaultReauthorize(code) || code == cloud.CodeForbidden
}

func (a *Adapter) IsSuccess(code int, _ http.Header) bool { return cloud.IsSuccess(code) }

// ─── OAuth ──────────────────────────────────────────────────────────────────

func (a *Adapter) AuthorizeURL(clientID, redirectURI, state string) string {
	return provider.ConsentURL(authURL, clientID, redirectURI, state, map[string]string{
		"scope":       "https://www.googleapis.com/auth/drive",
		"access_type": "offline",
		"prompt":      "consent",
	})
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

func (a *Adapter) BuildRequest(op provider.Op, args provider.Args, tok cloud.Token) (*transport.Request, io.Reader, error) {
	switch op {
	case provider.OpListDirectoryPage:
		req := transport.NewRequest(apiURL+"/files", "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("q", fmt.Sprintf("'%s' in parents and trashed = false", args.Item.ID))
		req.SetParam("fields", "nextPageToken,files("+fileFields+")")
		if args.PageToken != "" {
			req.SetParam("pageToken", args.PageToken)
		}
		return req, nil, nil

	case provider.OpGetItemData:
		req := transport.NewRequest(apiURL+"/files/"+args.ID, "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("fields", fileFields)
		return req, nil, nil

	case provider.OpGetItemURL:
		// The media link only works with the bearer attached, which the
		// caller applies; it still serves range-read fallbacks and clients.
		req := transport.NewRequest(apiURL+"/files/"+args.Item.ID, "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("fields", "webContentLink")
		return req, nil, nil

	case provider.OpDownloadFile:
		req := transport.NewRequest(apiURL+"/files/"+args.Item.ID, "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("alt", "media")
		if args.Range != (cloud.Range{Start: 0, Size: cloud.FullRange}) {
			req.SetHeader("Range", args.Range.Header())
		}
		return req, nil, nil

	case provider.OpUploadFile:
		content, err := args.Upload.Open()
		if err != nil {
			return nil, nil, err
		}
		return buildMultipartUpload(args, tok, content)

	case provider.OpDeleteItem:
		req := transport.NewRequest(apiURL+"/files/"+args.Item.ID, "DELETE", true)
		provider.AuthorizeBearer(req, tok)
		return req, nil, nil

	case provider.OpCreateDirectory:
		req := transport.NewRequest(apiURL+"/files", "POST", true)
		provider.AuthorizeBearer(req, tok)
		req.SetHeader("Content-Type", "application/json")
		req.SetParam("fields", fileFields)
		data, _ := json.Marshal(map[string]interface{}{
			"name": args.Name, "mimeType": folderMime, "parents": []string{args.Parent.ID},
		})
		return req, bytes.NewReader(data), nil

	case provider.OpMoveItem:
		req := transport.NewRequest(apiURL+"/files/"+args.Item.ID, "PATCH", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("addParents", args.Destination.ID)
		if len(args.Item.Parents) > 0 {
			req.SetParam("removeParents", args.Item.Parents[0])
		}
		req.SetParam("fields", fileFields)
		req.SetHeader("Content-Type", "application/json")
		return req, bytes.NewReader([]byte("{}")), nil

	case provider.OpRenameItem:
		req := transport.NewRequest(apiURL+"/files/"+args.Item.ID, "PATCH", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("fields", fileFields)
		req.SetHeader("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]string{"name": args.Name})
		return req, bytes.NewReader(data), nil

	case provider.OpGeneralData:
		req := transport.NewRequest(apiURL+"/about", "GET", true)
		provider.AuthorizeBearer(req, tok)
		req.SetParam("fields", "user,storageQuota")
		return req, nil, nil
	}
	return nil, nil, cloud.ErrOperationNotSupported
}

func buildMultipartUpload(args provider.Args, tok cloud.Token, content io.Reader) (*transport.Request, io.Reader, error) {
	var header bytes.Buffer
	mw := multipart.NewWriter(&header)

	meta, _ := json.Marshal(map[string]interface{}{
		"name": args.Name, "parents": []string{args.Parent.ID},
	})
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, nil, err
	}
	part.Write(meta)
	if _, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/octet-stream"},
	}); err != nil {
		return nil, nil, err
	}

	req := transport.NewRequest(uploadURL, "POST", true)
	provider.AuthorizeBearer(req, tok)
	req.SetParam("uploadType", "multipart")
	req.SetParam("fields", fileFields)
	req.SetHeader("Content-Type", "multipart/related; boundary="+mw.Boundary())

	trailer := "\r\n--" + mw.Boundary() + "--\r\n"
	return req, io.MultiReader(bytes.NewReader(header.Bytes()), content, bytes.NewReader([]byte(trailer))), nil
}

// ─── Responses ──────────────────────────────────────────────────────────────

type file struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MimeType      string    `json:"mimeType"`
	Size          int64     `json:"size,string"`
	ModifiedTime  time.Time `json:"modifiedTime"`
	ThumbnailLink string    `json:"thumbnailLink"`
	Parents       []string  `json:"parents"`
}

func (f file) item() cloud.Item {
	it := cloud.Item{
		ID:           f.ID,
		Filename:     f.Name,
		Size:         f.Size,
		Timestamp:    f.ModifiedTime,
		MimeType:     f.MimeType,
		ThumbnailURL: f.ThumbnailLink,
		Parents:      f.Parents,
		Type:         cloud.TypeFromMime(f.MimeType),
	}
	if f.MimeType == folderMime {
		it.Type = cloud.ItemDirectory
		it.Size = cloud.UnknownSize
	} else if f.Size == 0 {
		it.Size = 0
	}
	return it
}

func (a *Adapter) ParseResponse(op provider.Op, args provider.Args, body []byte, _ http.Header) (*provider.Result, error) {
	switch op {
	case provider.OpListDirectoryPage:
		var reply struct {
			NextPageToken string `json:"nextPageToken"`
			Files         []file `json:"files"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		res := &provider.Result{NextToken: reply.NextPageToken}
		for _, f := range reply.Files {
			res.Items = append(res.Items, f.item())
		}
		return res, nil

	case provider.OpGetItemData, provider.OpUploadFile, provider.OpCreateDirectory,
		provider.OpMoveItem, provider.OpRenameItem:
		var f file
		if err := json.Unmarshal(body, &f); err != nil {
			return nil, fmt.Errorf("parse file: %w", err)
		}
		return &provider.Result{Item: f.item()}, nil

	case provider.OpGetItemURL:
		var reply struct {
			WebContentLink string `json:"webContentLink"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse link: %w", err)
		}
		return &provider.Result{URL: reply.WebContentLink}, nil

	case provider.OpDeleteItem:
		return &provider.Result{}, nil

	case provider.OpGeneralData:
		var reply struct {
			User struct {
				EmailAddress string `json:"emailAddress"`
			} `json:"user"`
			StorageQuota struct {
				Limit int64 `json:"limit,string"`
				Usage int64 `json:"usage,string"`
			} `json:"storageQuota"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse about: %w", err)
		}
		return &provider.Result{General: cloud.GeneralData{
			Username:   reply.User.EmailAddress,
			SpaceUsed:  reply.StorageQuota.Usage,
			SpaceTotal: reply.StorageQuota.Limit,
		}}, nil
	}
	return &provider.Result{}, nil
}
