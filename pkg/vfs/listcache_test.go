package vfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

func TestListingCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.cache")
	c := NewListingCache(path)

	items := []cloud.Item{
		{ID: "id1", Filename: "movie.mkv", Size: 1 << 30, Type: cloud.ItemVideo,
			Timestamp: time.Unix(1700000000, 0), MimeType: "video/x-matroska"},
		{ID: "id2", Filename: "dir", Size: cloud.UnknownSize, Type: cloud.ItemDirectory},
		{ID: "id3", Filename: "hidden.txt", Hidden: true, Parents: []string{"id2"}},
	}
	c.Put("dropbox", "work", "/docs", items)
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := NewListingCache(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := reloaded.Get("dropbox", "work", "/docs")
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
	if got[0].Filename != "movie.mkv" || got[0].Size != 1<<30 ||
		!got[0].Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("item 0 = %+v", got[0])
	}
	if got[1].Size != cloud.UnknownSize || got[1].Type != cloud.ItemDirectory {
		t.Errorf("unknown size sentinel lost: %+v", got[1])
	}
	if !got[2].Hidden || len(got[2].Parents) != 1 {
		t.Errorf("item 2 = %+v", got[2])
	}
}

func TestListingCache_KeyedByTriple(t *testing.T) {
	c := NewListingCache("")
	c.Put("dropbox", "a", "/x", []cloud.Item{{ID: "1"}})
	c.Put("dropbox", "b", "/x", []cloud.Item{{ID: "2"}})

	got, ok := c.Get("dropbox", "a", "/x")
	if !ok || len(got) != 1 || got[0].ID != "1" {
		t.Errorf("label a: %v %v", got, ok)
	}
	if _, ok := c.Get("google", "a", "/x"); ok {
		t.Error("wrong kind resolved")
	}
}

func TestListingCache_MissingFile(t *testing.T) {
	c := NewListingCache(filepath.Join(t.TempDir(), "nope.cache"))
	if err := c.Load(); err != nil {
		t.Errorf("Load of missing file: %v", err)
	}
}

func TestListingCache_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cache")
	if err := os.WriteFile(path, []byte{99, 0, 0, 0, 0}, 0o600); err != nil {
		t.Fatal(err)
	}
	c := NewListingCache(path)
	if err := c.Load(); err == nil {
		t.Error("Load accepted an unknown version byte")
	}
}
