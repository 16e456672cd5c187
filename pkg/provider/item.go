package provider

import (
	"mime"
	"path"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// ItemTypeFromName classifies a file by its extension's MIME type.
func ItemTypeFromName(name string) cloud.ItemType {
	mt := mime.TypeByExtension(path.Ext(name))
	if mt == "" {
		return cloud.ItemUnknown
	}
	return cloud.TypeFromMime(mt)
}

// MimeFromName resolves the extension's MIME type, defaulting to
// application/octet-stream.
func MimeFromName(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
