package dropbox

import (
	"io"
	"strings"
	"testing"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/provider"
)

func TestParseListing_PagingToken(t *testing.T) {
	a := New(nil)
	body := `{
		"entries": [
			{".tag": "folder", "name": "docs", "path_display": "/docs"},
			{".tag": "file", "name": "a.mp4", "path_display": "/a.mp4",
			 "size": 1234, "server_modified": "2023-01-02T03:04:05Z"}
		],
		"cursor": "cur1",
		"has_more": true
	}`
	res, err := a.ParseResponse(provider.OpListDirectoryPage, provider.Args{}, []byte(body), nil)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if res.NextToken != "cur1" {
		t.Errorf("next token = %q", res.NextToken)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d", len(res.Items))
	}
	dir, file := res.Items[0], res.Items[1]
	if dir.Type != cloud.ItemDirectory || dir.Size != cloud.UnknownSize || dir.ID != "/docs" {
		t.Errorf("dir = %+v", dir)
	}
	if file.Type != cloud.ItemVideo || file.Size != 1234 || file.Timestamp.IsZero() {
		t.Errorf("file = %+v", file)
	}
}

func TestParseListing_LastPage(t *testing.T) {
	a := New(nil)
	res, err := a.ParseResponse(provider.OpListDirectoryPage, provider.Args{},
		[]byte(`{"entries": [], "cursor": "cur2", "has_more": false}`), nil)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if res.NextToken != "" {
		t.Errorf("last page still carries token %q", res.NextToken)
	}
}

func TestParseListing_Malformed(t *testing.T) {
	a := New(nil)
	if _, err := a.ParseResponse(provider.OpListDirectoryPage, provider.Args{}, []byte("{nope"), nil); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestBuildRequest_DownloadCarriesRange(t *testing.T) {
	a := New(nil)
	req, _, err := a.BuildRequest(provider.OpDownloadFile, provider.Args{
		Item:  cloud.Item{ID: "/a.mp4"},
		Range: cloud.Range{Start: 100, Size: 50},
	}, cloud.Token{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if got := req.Headers().Get("Range"); got != "bytes=100-149" {
		t.Errorf("Range = %q", got)
	}
	if got := req.Headers().Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if !strings.Contains(req.Headers().Get("Dropbox-API-Arg"), `"/a.mp4"`) {
		t.Errorf("Dropbox-API-Arg = %q", req.Headers().Get("Dropbox-API-Arg"))
	}
}

func TestBuildRequest_ListContinuesWithCursor(t *testing.T) {
	a := New(nil)
	req, body, err := a.BuildRequest(provider.OpListDirectoryPage, provider.Args{
		Item:      cloud.Item{ID: "/docs"},
		PageToken: "cur1",
	}, cloud.Token{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if !strings.HasSuffix(req.URL, "/files/list_folder/continue") {
		t.Errorf("URL = %q", req.URL)
	}
	payload, _ := io.ReadAll(body)
	if !strings.Contains(string(payload), "cur1") {
		t.Errorf("body = %q", payload)
	}
}

func TestUnsupportedOp(t *testing.T) {
	a := New(nil)
	if a.Supports(provider.OpGetItemURL) {
		t.Error("dropbox claims GetItemURL support")
	}
	if _, _, err := a.BuildRequest(provider.OpGetItemURL, provider.Args{}, cloud.Token{}); err == nil {
		t.Error("BuildRequest for unsupported op succeeded")
	}
}
