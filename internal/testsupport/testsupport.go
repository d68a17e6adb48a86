// Package testsupport provides in-memory fakes for the object store and the
// transcoder so pipeline and API tests run without external services.
package testsupport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"stagetime/internal/objectstore"
	"stagetime/internal/transcode"
)

type storedObject struct {
	data        []byte
	contentType string
}

// FakeObjectStore is a map-backed objectstore.Client. Failure switches let
// tests exercise each error path without a real backend.
type FakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]storedObject

	// PutErr, GetErr, and DeleteErr, when set, are returned by the matching
	// operation.
	PutErr    error
	GetErr    error
	DeleteErr error
	// PublicBaseURL mimics a bucket fronted by a CDN; Put returns URLs
	// under it when set.
	PublicBaseURL string
}

// NewFakeObjectStore returns an empty fake store.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{objects: make(map[string]storedObject)}
}

// Put enforces the declared size the way a real S3 backend does: a
// non-negative size must match the stream exactly, a negative size means
// read to EOF.
func (f *FakeObjectStore) Put(_ context.Context, key, contentType string, size int64, body io.Reader) (objectstore.ObjectRef, error) {
	if f.PutErr != nil {
		return objectstore.ObjectRef{}, f.PutErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return objectstore.ObjectRef{}, err
	}
	if size >= 0 && int64(len(data)) != size {
		return objectstore.ObjectRef{}, fmt.Errorf("object %s: declared size %d but received %d bytes", key, size, len(data))
	}
	f.mu.Lock()
	f.objects[key] = storedObject{data: data, contentType: contentType}
	f.mu.Unlock()
	ref := objectstore.ObjectRef{Key: key}
	if f.PublicBaseURL != "" {
		ref.URL = f.PublicBaseURL + "/" + key
	}
	return ref, nil
}

func (f *FakeObjectStore) Get(_ context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if f.GetErr != nil {
		return nil, objectstore.ObjectInfo{}, f.GetErr
	}
	f.mu.Lock()
	obj, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("object %s: %w", key, objectstore.ErrNotExist)
	}
	info := objectstore.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

func (f *FakeObjectStore) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	obj, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("object %s: %w", key, objectstore.ErrNotExist)
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (f *FakeObjectStore) Delete(_ context.Context, key string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

func (f *FakeObjectStore) DeletePrefix(_ context.Context, prefix string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	f.mu.Lock()
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
		}
	}
	f.mu.Unlock()
	return nil
}

func (f *FakeObjectStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example.com/%s?method=GET&expires=%d", key, int64(expiry.Seconds())), nil
}

func (f *FakeObjectStore) PresignPut(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example.com/%s?method=PUT&expires=%d", key, int64(expiry.Seconds())), nil
}

func (f *FakeObjectStore) Ping(context.Context) error { return nil }

// Keys returns the stored keys in sorted order.
func (f *FakeObjectStore) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the stored bytes for key.
func (f *FakeObjectStore) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Seed stores an object directly, bypassing Put and its failure switch.
func (f *FakeObjectStore) Seed(key, contentType string, data []byte) {
	f.mu.Lock()
	f.objects[key] = storedObject{data: append([]byte(nil), data...), contentType: contentType}
	f.mu.Unlock()
}

var _ objectstore.Client = (*FakeObjectStore)(nil)

// FakeTranscoder writes a canned playlist and segment set to the output
// directory instead of running ffmpeg.
type FakeTranscoder struct {
	// Err, when set, is returned without writing anything.
	Err error
	// Playlist overrides the default playlist body.
	Playlist string
	// Segments overrides the default segment file names.
	Segments []string

	mu    sync.Mutex
	calls int
}

func (f *FakeTranscoder) Transcode(_ context.Context, params transcode.Params) (transcode.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return transcode.Result{}, f.Err
	}

	segments := f.Segments
	if segments == nil {
		segments = []string{"segment_00000.ts", "segment_00001.ts"}
	}
	playlist := f.Playlist
	if playlist == "" {
		var buf bytes.Buffer
		buf.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-PLAYLIST-TYPE:VOD\n")
		for _, segment := range segments {
			buf.WriteString("#EXTINF:6.000000,\n")
			buf.WriteString(segment + "\n")
		}
		buf.WriteString("#EXT-X-ENDLIST\n")
		playlist = buf.String()
	}

	var result transcode.Result
	for _, segment := range segments {
		segmentPath := filepath.Join(params.OutputDir, segment)
		if err := os.WriteFile(segmentPath, []byte("segment data for "+segment), 0o644); err != nil {
			return transcode.Result{}, err
		}
		result.Files = append(result.Files, segmentPath)
	}
	playlistPath := filepath.Join(params.OutputDir, transcode.MasterPlaylistName)
	if err := os.WriteFile(playlistPath, []byte(playlist), 0o644); err != nil {
		return transcode.Result{}, err
	}
	result.Files = append(result.Files, playlistPath)
	result.PlaylistPath = playlistPath
	return result, nil
}

// Calls reports how many times Transcode ran.
func (f *FakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ transcode.Transcoder = (*FakeTranscoder)(nil)
