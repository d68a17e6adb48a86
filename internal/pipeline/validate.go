package pipeline

import (
	"path"
	"strings"
)

// Accepted upload types. A payload passes when either its declared media type
// or its filename extension is recognised; browsers are inconsistent about
// which of the two they populate.
var allowedMediaTypes = map[string]struct{}{
	"video/mp4":        {},
	"video/quicktime":  {},
	"video/webm":       {},
	"video/x-matroska": {},
	"video/mpeg":       {},
	"video/x-msvideo":  {},
}

var allowedExtensions = map[string]struct{}{
	".mp4":  {},
	".m4v":  {},
	".mov":  {},
	".webm": {},
	".mkv":  {},
	".mpeg": {},
	".mpg":  {},
	".avi":  {},
}

// acceptableUpload reports whether the declared content type or the filename
// extension identifies a supported video container.
func acceptableUpload(filename, contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if _, ok := allowedMediaTypes[mediaType]; ok {
		return true
	}
	ext := strings.ToLower(path.Ext(filename))
	_, ok := allowedExtensions[ext]
	return ok
}
