package staging

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/job"
)

// MinioConfig configures an S3-compatible staging bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	// URLExpiry is the lifetime of presigned URLs.
	URLExpiry time.Duration
	// MaxImageBytes and MaxVideoBytes bound accepted assets.
	MaxImageBytes int64
	MaxVideoBytes int64
	FetchTimeout  time.Duration
}

// MinioUploader stages assets in a MinIO (or any S3-compatible) bucket and
// hands out presigned GET URLs.
type MinioUploader struct {
	client   *minio.Client
	bucket   string
	expiry   time.Duration
	maxImage int64
	maxVideo int64
	http     *http.Client
}

// NewMinioUploader connects to the object store. Call EnsureBucket before use.
func NewMinioUploader(cfg MinioConfig) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	u := &MinioUploader{
		client:   client,
		bucket:   cfg.Bucket,
		expiry:   cfg.URLExpiry,
		maxImage: cfg.MaxImageBytes,
		maxVideo: cfg.MaxVideoBytes,
		http:     &http.Client{Timeout: cfg.FetchTimeout},
	}
	if u.expiry <= 0 {
		u.expiry = 7 * 24 * time.Hour
	}
	return u, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (u *MinioUploader) EnsureBucket(ctx context.Context, region string) error {
	ok, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if ok {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Ping reports whether the bucket is reachable.
func (u *MinioUploader) Ping(ctx context.Context) error {
	_, err := u.client.BucketExists(ctx, u.bucket)
	return err
}

// Owns matches presigned URLs of the original folder, in path style or
// virtual-host style.
func (u *MinioUploader) Owns(raw string) bool {
	if raw == "" {
		return false
	}
	p, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ep := u.client.EndpointURL()
	prefix := "/" + string(FolderOriginal) + "/"
	switch {
	case p.Host == ep.Host:
		return strings.HasPrefix(p.Path, "/"+u.bucket+prefix)
	case p.Host == u.bucket+"."+ep.Host:
		return strings.HasPrefix(p.Path, prefix)
	}
	return false
}

func (u *MinioUploader) Upload(ctx context.Context, source string, media job.Media, folder Folder) (string, error) {
	const op = "fetch source"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", apperr.Validation(op, "invalid source url", "source_url")
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return "", apperr.Upload(op, "source unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.Upload(op, fmt.Sprintf("source returned status %d", resp.StatusCode), nil)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(req.URL.Path))
	}
	return u.Put(ctx, resp.Body, resp.ContentLength, contentType, media, folder)
}

func (u *MinioUploader) Put(ctx context.Context, r io.Reader, size int64, contentType string, media job.Media, folder Folder) (string, error) {
	const op = "put object"
	if err := checkMedia(contentType, media); err != nil {
		return "", err
	}
	limit := u.limit(media)
	if limit > 0 && size > limit {
		return "", apperr.Upload(op, fmt.Sprintf("asset exceeds %d bytes", limit), nil)
	}

	key := objectKey(folder, contentType)
	body := r
	if limit > 0 {
		body = io.LimitReader(r, limit+1)
	}
	info, err := u.client.PutObject(ctx, u.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", apperr.Upload(op, "object store rejected the asset", err)
	}
	if limit > 0 && info.Size > limit {
		u.client.RemoveObject(context.WithoutCancel(ctx), u.bucket, key, minio.RemoveObjectOptions{}) //nolint:errcheck
		return "", apperr.Upload(op, fmt.Sprintf("asset exceeds %d bytes", limit), nil)
	}

	signed, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.expiry, nil)
	if err != nil {
		return "", apperr.Upload(op, "presign url", err)
	}
	return signed.String(), nil
}

func (u *MinioUploader) limit(media job.Media) int64 {
	if media == job.MediaImage {
		return u.maxImage
	}
	return u.maxVideo
}

// checkMedia rejects assets whose content type does not match media.
func checkMedia(contentType string, media job.Media) error {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, string(media)+"/") {
		return apperr.Upload("check media", fmt.Sprintf("expected %s content, got %q", media, contentType), nil)
	}
	return nil
}

func objectKey(folder Folder, contentType string) string {
	ext := ""
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return path.Join(string(folder), uuid.New().String()+ext)
}
