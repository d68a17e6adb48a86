// Package objectstore wraps the external blob store behind a small capability
// interface: put, get, stat, delete, and presigned URL issuance. The backing
// service is treated as a reliable at-least-once network dependency with its
// own retry semantics.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotExist is returned by Get and Stat when the key has no object behind it.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// ObjectRef identifies a stored object and, when the deployment exposes a
// public base URL, its direct location.
type ObjectRef struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// Client is the storage capability consumed by the ingest pipeline and the
// playback proxy.
type Client interface {
	Put(ctx context.Context, key, contentType string, size int64, body io.Reader) (ObjectRef, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// Config holds connection settings for the MinIO/S3-compatible backend.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicBaseURL, when set, is used to derive direct object URLs stored
	// alongside keys. Left empty for fully private buckets.
	PublicBaseURL string
}

type minioClient struct {
	client *minio.Client
	bucket string
	public string
}

// New connects to the configured bucket. The bucket must already exist or be
// creatable with the supplied credentials; EnsureBucket creates it on demand.
func New(cfg Config) (Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("object storage endpoint and bucket are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise object storage client: %w", err)
	}
	return &minioClient{
		client: client,
		bucket: bucket,
		public: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
	}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, c Client) error {
	mc, ok := c.(*minioClient)
	if !ok {
		return nil
	}
	exists, err := mc.client.BucketExists(ctx, mc.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", mc.bucket, err)
	}
	if exists {
		return nil
	}
	if err := mc.client.MakeBucket(ctx, mc.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", mc.bucket, err)
	}
	return nil
}

func (c *minioClient) Put(ctx context.Context, key, contentType string, size int64, body io.Reader) (ObjectRef, error) {
	if size <= 0 {
		size = -1
	}
	_, err := c.client.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ObjectRef{}, fmt.Errorf("upload object %s: %w", key, err)
	}
	return ObjectRef{Key: key, URL: c.publicURL(key)}, nil
}

func (c *minioClient) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	object, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("fetch object %s: %w", key, err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		return nil, ObjectInfo{}, translateMinioErr(key, err)
	}
	return object, ObjectInfo{Key: key, Size: stat.Size, ContentType: stat.ContentType}, nil
}

func (c *minioClient) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateMinioErr(key, err)
	}
	return ObjectInfo{Key: key, Size: stat.Size, ContentType: stat.ContentType}, nil
}

func (c *minioClient) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix. Used to drop a conversion's
// whole output tree when its submission is deleted.
func (c *minioClient) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	var failed int
	for object := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, object.Err)
		}
		if err := c.client.RemoveObject(ctx, c.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("delete prefix %s: %d objects not removed", prefix, failed)
	}
	return nil
}

func (c *minioClient) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	signed, err := c.client.PresignedGetObject(ctx, c.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return signed.String(), nil
}

func (c *minioClient) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	signed, err := c.client.PresignedPutObject(ctx, c.bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return signed.String(), nil
}

func (c *minioClient) Ping(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("object storage unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", c.bucket)
	}
	return nil
}

func (c *minioClient) publicURL(key string) string {
	if c.public == "" {
		return ""
	}
	return c.public + "/" + strings.TrimLeft(key, "/")
}

func translateMinioErr(key string, err error) error {
	response := minio.ToErrorResponse(err)
	if response.Code == "NoSuchKey" || response.StatusCode == 404 {
		return fmt.Errorf("object %s: %w", key, ErrNotExist)
	}
	return fmt.Errorf("stat object %s: %w", key, err)
}

// RawKey builds the storage key for a freshly uploaded original asset. Keys
// are namespaced by owner and carry a unique suffix so retries never collide
// with a concurrent attempt.
func RawKey(ownerID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("videos/%s/%s%s", ownerID, uuid.NewString(), ext)
}

// HLSPrefix builds a fresh key prefix for one conversion attempt's output
// tree. Repeated attempts after a partial failure get distinct prefixes, so
// leftover objects from a failed run are never overwritten or reused.
func HLSPrefix(submissionID int64) string {
	return fmt.Sprintf("hls/%d/%s", submissionID, uuid.NewString())
}

// ContentTypeForFile maps a produced file to the media type it is served
// with: playlists and segments get their HLS types, everything else falls
// back to a generic binary type.
func ContentTypeForFile(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
