// Package classify maps file extensions to the coarse file_type labels
// recorded in shard rows. The mapping is static: a given extension always
// classifies the same way regardless of source or payload.
package classify

import (
	"path"
	"strings"
)

// File type labels. Anything not covered by the extension table
// classifies as TypeOther.
const (
	TypeImage    = "image"
	TypeText     = "text"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeDocument = "document"
	TypeOther    = "other"
)

var byExtension = map[string]string{
	"jpg": TypeImage, "jpeg": TypeImage, "tif": TypeImage,
	"tiff": TypeImage, "png": TypeImage,

	"txt": TypeText, "md": TypeText, "json": TypeText,

	"wav": TypeAudio, "mp3": TypeAudio,

	"mp4": TypeVideo, "mov": TypeVideo,

	"pdf": TypeDocument, "xls": TypeDocument, "xlsx": TypeDocument,
}

// Ext returns the lowercase extension of p without the leading dot.
// Files with no extension return "".
func Ext(p string) string {
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// FileType returns the type label for a lowercase extension.
func FileType(ext string) string {
	if t, ok := byExtension[ext]; ok {
		return t
	}
	return TypeOther
}

// ForPath classifies a path in one step, returning both the normalized
// extension and its file type.
func ForPath(p string) (ext, fileType string) {
	ext = Ext(p)
	return ext, FileType(ext)
}
