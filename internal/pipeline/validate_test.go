package pipeline

import "testing"

func TestAcceptableUpload(t *testing.T) {
	cases := []struct {
		name        string
		filename    string
		contentType string
		want        bool
	}{
		{name: "mp4 type", filename: "clip.bin", contentType: "video/mp4", want: true},
		{name: "type with parameters", filename: "clip.bin", contentType: "video/mp4; codecs=avc1", want: true},
		{name: "extension only", filename: "clip.mov", contentType: "application/octet-stream", want: true},
		{name: "uppercase extension", filename: "CLIP.MP4", contentType: "", want: true},
		{name: "matroska type", filename: "clip", contentType: "video/x-matroska", want: true},
		{name: "text file", filename: "notes.txt", contentType: "text/plain", want: false},
		{name: "image", filename: "poster.png", contentType: "image/png", want: false},
		{name: "empty everything", filename: "", contentType: "", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := acceptableUpload(tc.filename, tc.contentType); got != tc.want {
				t.Fatalf("acceptableUpload(%q, %q) = %v, want %v", tc.filename, tc.contentType, got, tc.want)
			}
		})
	}
}
