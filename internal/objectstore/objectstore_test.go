package objectstore

import (
	"strings"
	"testing"
)

func TestRawKeyNamespacesAndRandomises(t *testing.T) {
	first := RawKey("owner-1", "performance.MP4")
	second := RawKey("owner-1", "performance.MP4")

	if !strings.HasPrefix(first, "videos/owner-1/") {
		t.Fatalf("key not namespaced by owner: %s", first)
	}
	if !strings.HasSuffix(first, ".mp4") {
		t.Fatalf("extension not preserved lowercase: %s", first)
	}
	if first == second {
		t.Fatal("keys for repeated uploads must not collide")
	}
}

func TestRawKeyWithoutExtension(t *testing.T) {
	key := RawKey("owner-1", "clip")
	if strings.Contains(strings.TrimPrefix(key, "videos/owner-1/"), ".") {
		t.Fatalf("unexpected extension on key %s", key)
	}
}

func TestHLSPrefixUniquePerAttempt(t *testing.T) {
	first := HLSPrefix(42)
	second := HLSPrefix(42)
	if !strings.HasPrefix(first, "hls/42/") {
		t.Fatalf("prefix not namespaced by submission: %s", first)
	}
	if first == second {
		t.Fatal("repeated conversion attempts must get distinct prefixes")
	}
}

func TestContentTypeForFile(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"index.m3u8", "application/vnd.apple.mpegurl"},
		{"segment_00000.ts", "video/mp2t"},
		{"clip.mp4", "video/mp4"},
		{"init.m4s", "video/mp4"},
		{"unknown.bin", "application/octet-stream"},
		{"UPPER.M3U8", "application/vnd.apple.mpegurl"},
	}
	for _, tc := range cases {
		if got := ContentTypeForFile(tc.name); got != tc.want {
			t.Fatalf("ContentTypeForFile(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
