package storage

import (
	"path/filepath"
	"strings"
)

// mimeTypes maps lower-cased file extensions to MIME types. This table is
// authoritative: remote-reported content types are ignored because B2
// frequently reports a generic octet-stream for media files.
var mimeTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"txt":  "text/plain",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
}

// mimeDirectory marks synthesized directory entries.
const mimeDirectory = "application/directory"

// MimeType derives a MIME type from a file name's extension. Unknown or
// missing extensions map to the generic binary type.
func MimeType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
