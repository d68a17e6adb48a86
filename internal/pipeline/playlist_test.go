package pipeline

import (
	"strings"
	"testing"
)

func TestRewritePlaylistProxiesRelativeSegments(t *testing.T) {
	playlist := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:6",
		"#EXTINF:6.000000,",
		"segment_00000.ts",
		"#EXTINF:4.500000,",
		"segment_00001.ts",
		"#EXT-X-ENDLIST",
		"",
	}, "\n")

	out := string(RewritePlaylist([]byte(playlist), "hls/7/abc/index.m3u8", "/api/videos/segment"))

	lines := strings.Split(out, "\n")
	if lines[4] != "/api/videos/segment?key=hls%2F7%2Fabc%2Fsegment_00000.ts" {
		t.Fatalf("unexpected rewritten segment line: %q", lines[4])
	}
	if lines[6] != "/api/videos/segment?key=hls%2F7%2Fabc%2Fsegment_00001.ts" {
		t.Fatalf("unexpected rewritten segment line: %q", lines[6])
	}
}

func TestRewritePlaylistPreservesTagsAndBlankLines(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n\n#EXT-X-ENDLIST\n"
	out := string(RewritePlaylist([]byte(playlist), "hls/7/abc/index.m3u8", "/api/videos/segment"))
	if out != playlist {
		t.Fatalf("playlist with no media lines must pass through unchanged:\n%q\n%q", playlist, out)
	}
}

func TestRewritePlaylistLeavesAbsoluteURLs(t *testing.T) {
	playlist := "#EXTM3U\n#EXTINF:6.0,\nhttps://cdn.example.com/far/away.ts\n#EXT-X-ENDLIST\n"
	out := string(RewritePlaylist([]byte(playlist), "hls/7/abc/index.m3u8", "/api/videos/segment"))
	if !strings.Contains(out, "https://cdn.example.com/far/away.ts") {
		t.Fatalf("absolute URL was rewritten:\n%s", out)
	}
}

func TestRewritePlaylistResolvesNestedPaths(t *testing.T) {
	playlist := "#EXTM3U\n#EXTINF:6.0,\nlow/segment_00000.ts\n#EXT-X-ENDLIST\n"
	out := string(RewritePlaylist([]byte(playlist), "hls/7/abc/index.m3u8", "/api/videos/segment"))
	if !strings.Contains(out, "key=hls%2F7%2Fabc%2Flow%2Fsegment_00000.ts") {
		t.Fatalf("nested reference not resolved against playlist prefix:\n%s", out)
	}
}
