package vfs

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// listingCacheVersion is the format version byte leading the cache file.
const listingCacheVersion = 1

// saveDebounce batches bursts of listing updates into one write.
const saveDebounce = 2 * time.Second

// cacheRecord is one persisted directory listing, stored as a
// length-prefixed JSON frame.
type cacheRecord struct {
	Type  string       `json:"type"`
	Label string       `json:"label"`
	ID    string       `json:"id"`
	List  []cachedItem `json:"list"`
}

// cachedItem is the serialized item layout. Unknown timestamps are 0 and
// unknown sizes a large sentinel, so the encoding has no negatives.
type cachedItem struct {
	Filename     string   `json:"filename"`
	Type         int      `json:"type"`
	ID           string   `json:"id"`
	Timestamp    int64    `json:"timestamp"`
	Size         uint64   `json:"size"`
	MimeType     string   `json:"mime_type,omitempty"`
	Parents      []string `json:"parents,omitempty"`
	Hidden       bool     `json:"hidden,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// unknownSizeSentinel encodes cloud.UnknownSize in the unsigned layout.
const unknownSizeSentinel = ^uint64(0)

func toCached(item cloud.Item) cachedItem {
	c := cachedItem{
		Filename:     item.Filename,
		Type:         int(item.Type),
		ID:           item.ID,
		MimeType:     item.MimeType,
		Parents:      item.Parents,
		Hidden:       item.Hidden,
		ThumbnailURL: item.ThumbnailURL,
		URL:          item.URL,
	}
	if !item.Timestamp.IsZero() {
		c.Timestamp = item.Timestamp.Unix()
	}
	if item.Size == cloud.UnknownSize {
		c.Size = unknownSizeSentinel
	} else {
		c.Size = uint64(item.Size)
	}
	return c
}

func (c cachedItem) item() cloud.Item {
	item := cloud.Item{
		Filename:     c.Filename,
		Type:         cloud.ItemType(c.Type),
		ID:           c.ID,
		MimeType:     c.MimeType,
		Parents:      c.Parents,
		Hidden:       c.Hidden,
		ThumbnailURL: c.ThumbnailURL,
		URL:          c.URL,
	}
	if c.Timestamp != 0 {
		item.Timestamp = time.Unix(c.Timestamp, 0)
	}
	if c.Size == unknownSizeSentinel {
		item.Size = cloud.UnknownSize
	} else {
		item.Size = int64(c.Size)
	}
	return item
}

// ListingCache persists directory listings between runs in a single file:
// one version byte followed by length-prefixed JSON records. Saves are
// debounced off the mutating threads.
type ListingCache struct {
	path string

	mu      sync.Mutex
	entries map[string]cacheRecord
	timer   *time.Timer
}

// NewListingCache creates a cache backed by path; an empty path keeps the
// cache purely in memory.
func NewListingCache(path string) *ListingCache {
	return &ListingCache{
		path:    path,
		entries: make(map[string]cacheRecord),
	}
}

func cacheKey(kind, label, dirID string) string {
	return kind + "\x00" + label + "\x00" + dirID
}

// Get returns the persisted listing for a directory.
func (c *ListingCache) Get(kind, label, dirID string) ([]cloud.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[cacheKey(kind, label, dirID)]
	if !ok {
		return nil, false
	}
	items := make([]cloud.Item, 0, len(rec.List))
	for _, ci := range rec.List {
		items = append(items, ci.item())
	}
	return items, true
}

// Put replaces a directory's listing and schedules a debounced save.
func (c *ListingCache) Put(kind, label, dirID string, items []cloud.Item) {
	rec := cacheRecord{Type: kind, Label: label, ID: dirID}
	for _, item := range items {
		rec.List = append(rec.List, toCached(item))
	}
	c.mu.Lock()
	c.entries[cacheKey(kind, label, dirID)] = rec
	if c.path != "" && c.timer == nil {
		c.timer = time.AfterFunc(saveDebounce, func() {
			c.mu.Lock()
			c.timer = nil
			c.mu.Unlock()
			if err := c.Flush(); err != nil {
				logging.Warn("listing cache save failed", zap.Error(err))
			}
		})
	}
	c.mu.Unlock()
}

// Load reads the cache file; a missing file is not an error.
func (c *ListingCache) Load() error {
	if c.path == "" {
		return nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open listing cache: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	version, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read cache version: %w", err)
	}
	if version != listingCacheVersion {
		return fmt.Errorf("unsupported listing cache version %d", version)
	}

	entries := make(map[string]cacheRecord)
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read record length: %w", err)
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(r, frame); err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		var rec cacheRecord
		if err := json.Unmarshal(frame, &rec); err != nil {
			return fmt.Errorf("parse record: %w", err)
		}
		entries[cacheKey(rec.Type, rec.Label, rec.ID)] = rec
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// Flush writes the cache file atomically (temp file then rename).
func (c *ListingCache) Flush() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	records := make([]cacheRecord, 0, len(c.entries))
	for _, rec := range c.entries {
		records = append(records, rec)
	}
	c.mu.Unlock()

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create listing cache: %w", err)
	}
	w := bufio.NewWriter(f)
	w.WriteByte(listingCacheVersion)
	for _, rec := range records {
		frame, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode record: %w", err)
		}
		binary.Write(w, binary.BigEndian, uint32(len(frame)))
		w.Write(frame)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write listing cache: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close listing cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename listing cache: %w", err)
	}
	return nil
}
