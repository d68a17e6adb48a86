// Package transcode converts source videos into HLS assets by driving an
// external ffmpeg process. The Transcoder interface keeps the orchestration
// layer testable against deterministic fakes.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// MasterPlaylistName is the fixed name of the playlist ffmpeg writes at the
// root of the output directory.
const MasterPlaylistName = "index.m3u8"

// Params describes one conversion: a local input file and the directory the
// output tree is written into. The directory must exist and be empty.
type Params struct {
	InputPath string
	OutputDir string
}

// Result lists everything a successful conversion produced.
type Result struct {
	// PlaylistPath is the absolute path of the master playlist.
	PlaylistPath string
	// Files holds the absolute paths of every regular file in the output
	// directory, playlist included.
	Files []string
}

// Transcoder converts an input file into a segmented playlist tree.
type Transcoder interface {
	Transcode(ctx context.Context, params Params) (Result, error)
}

// FFmpeg invokes the ffmpeg binary with fixed video-on-demand HLS encoding
// parameters: H.264 video, AAC audio, fixed-duration segments, and an
// unbounded segment list.
type FFmpeg struct {
	// Binary is the executable to run. Defaults to "ffmpeg".
	Binary string
	// SegmentSeconds is the target segment duration. Defaults to 6.
	SegmentSeconds int
	// Preset and CRF tune the encoder. Defaults: veryfast, 23.
	Preset string
	CRF    int
	Logger *slog.Logger
}

// NewFFmpeg returns an FFmpeg transcoder with default encoding parameters.
func NewFFmpeg(logger *slog.Logger) *FFmpeg {
	return &FFmpeg{Logger: logger}
}

func (f *FFmpeg) binary() string {
	if strings.TrimSpace(f.Binary) == "" {
		return "ffmpeg"
	}
	return f.Binary
}

func (f *FFmpeg) segmentSeconds() int {
	if f.SegmentSeconds <= 0 {
		return 6
	}
	return f.SegmentSeconds
}

func (f *FFmpeg) preset() string {
	if strings.TrimSpace(f.Preset) == "" {
		return "veryfast"
	}
	return f.Preset
}

func (f *FFmpeg) crf() int {
	if f.CRF <= 0 {
		return 23
	}
	return f.CRF
}

// Args builds the ffmpeg argument list for the given input and output
// directory. Exposed for tests.
func (f *FFmpeg) Args(inputPath, outputDir string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-preset", f.preset(),
		"-crf", strconv.Itoa(f.crf()),
		"-f", "hls",
		"-hls_time", strconv.Itoa(f.segmentSeconds()),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%05d.ts"),
		filepath.Join(outputDir, MasterPlaylistName),
	}
}

// Transcode runs ffmpeg to completion. A non-zero exit is fatal: the error
// carries ffmpeg's diagnostic output verbatim and no partial output tree is
// trusted.
func (f *FFmpeg) Transcode(ctx context.Context, params Params) (Result, error) {
	if strings.TrimSpace(params.InputPath) == "" {
		return Result{}, fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(params.OutputDir) == "" {
		return Result{}, fmt.Errorf("output directory is required")
	}

	args := f.Args(params.InputPath, params.OutputDir)
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if f.Logger != nil {
		f.Logger.Debug("starting ffmpeg", "input", params.InputPath, "output_dir", params.OutputDir)
	}
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("ffmpeg failed: %w: %s", err, tail(stderr.String(), 2048))
	}

	return CollectOutput(params.OutputDir)
}

// CollectOutput enumerates the regular files a conversion wrote and locates
// the master playlist among them. A missing playlist is a contract violation
// by the transcoder and is reported as an error.
func CollectOutput(outputDir string) (Result, error) {
	var result Result
	err := filepath.WalkDir(outputDir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		result.Files = append(result.Files, current)
		if filepath.Base(current) == MasterPlaylistName {
			result.PlaylistPath = current
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("enumerate transcoder output: %w", err)
	}
	if len(result.Files) == 0 {
		return Result{}, fmt.Errorf("transcoder produced no output in %s", outputDir)
	}
	if result.PlaylistPath == "" {
		return Result{}, fmt.Errorf("transcoder output in %s is missing %s", outputDir, MasterPlaylistName)
	}
	return result, nil
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

var _ Transcoder = (*FFmpeg)(nil)
