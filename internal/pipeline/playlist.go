package pipeline

import (
	"net/url"
	"path"
	"strings"
)

// RewritePlaylist rewrites the media references in an HLS playlist so clients
// fetch segments through the playback proxy instead of from object storage
// directly. Tag lines and blank lines pass through byte for byte; relative
// references are resolved against the playlist's own storage prefix and
// rewritten to proxyBaseURL with the resolved key as a query parameter.
// Absolute URLs are left untouched.
func RewritePlaylist(playlist []byte, playlistKey, proxyBaseURL string) []byte {
	dir := path.Dir(playlistKey)
	lines := strings.Split(string(playlist), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if isAbsoluteURL(trimmed) {
			continue
		}
		key := path.Join(dir, trimmed)
		lines[i] = proxyBaseURL + "?key=" + url.QueryEscape(key)
	}
	return []byte(strings.Join(lines, "\n"))
}

func isAbsoluteURL(ref string) bool {
	parsed, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}
