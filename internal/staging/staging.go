// Package staging places source assets at stable URLs the providers can
// fetch, uploading each asset at most once per tracking session.
package staging

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/backoff"
	"github.com/clipforge/clipforge/internal/job"
)

// Folder groups staged objects by role.
type Folder string

const (
	FolderOriginal  Folder = "original"
	FolderProcessed Folder = "processed"
)

// Uploader stores assets and returns URLs providers can fetch.
type Uploader interface {
	// Upload copies the asset at source into folder.
	Upload(ctx context.Context, source string, media job.Media, folder Folder) (string, error)
	// Put stores the bytes read from r. size may be -1 when unknown.
	Put(ctx context.Context, r io.Reader, size int64, contentType string, media job.Media, folder Folder) (string, error)
	// Owns reports whether u points at an object this uploader already
	// stored in the original folder.
	Owns(u string) bool
}

// Asset is the staging cache of one tracking session. It is owned by a
// single session and never shared.
type Asset struct {
	URL string
}

// Staged reports whether the asset already has a stable URL.
func (a *Asset) Staged() bool { return a != nil && a.URL != "" }

// Coordinator stages assets through an Uploader.
type Coordinator struct {
	up     Uploader
	settle time.Duration
	sleep  func(context.Context, time.Duration) error
	log    *slog.Logger
}

// NewCoordinator returns a Coordinator that waits settle after every fresh
// upload so the object is fetchable before it is handed to a provider.
func NewCoordinator(up Uploader, settle time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{up: up, settle: settle, sleep: backoff.Sleep, log: logger}
}

// EnsureStaged returns asset's URL when it is already staged, without any
// I/O. A source that was staged earlier, for example through the upload
// endpoint, is recorded as is. Otherwise it uploads source, records the URL
// in asset and returns it.
func (c *Coordinator) EnsureStaged(ctx context.Context, source string, media job.Media, asset *Asset) (string, error) {
	if asset.Staged() {
		return asset.URL, nil
	}
	if c.up.Owns(source) {
		if asset != nil {
			asset.URL = source
		}
		return source, nil
	}
	u, err := c.Stage(ctx, source, media)
	if err != nil {
		return "", err
	}
	if asset != nil {
		asset.URL = u
	}
	if c.settle > 0 {
		if err := c.sleep(ctx, c.settle); err != nil {
			return "", err
		}
	}
	return u, nil
}

// Stage uploads source into the original folder. Sources already in that
// folder are returned unchanged.
func (c *Coordinator) Stage(ctx context.Context, source string, media job.Media) (string, error) {
	if source == "" {
		return "", apperr.Validation("stage", "source url is required", "source_url")
	}
	if c.up.Owns(source) {
		return source, nil
	}
	u, err := c.up.Upload(ctx, source, media, FolderOriginal)
	if err != nil {
		return "", asUploadError("stage", err)
	}
	c.log.Info("asset staged", "media", media, "url", u)
	return u, nil
}

// StageReader stores an uploaded file into the original folder.
func (c *Coordinator) StageReader(ctx context.Context, r io.Reader, size int64, contentType string, media job.Media) (string, error) {
	u, err := c.up.Put(ctx, r, size, contentType, media, FolderOriginal)
	if err != nil {
		return "", asUploadError("stage upload", err)
	}
	c.log.Info("asset staged", "media", media, "url", u)
	return u, nil
}

// Restage copies a provider output into the processed folder.
func (c *Coordinator) Restage(ctx context.Context, output string, media job.Media) (string, error) {
	u, err := c.up.Upload(ctx, output, media, FolderProcessed)
	if err != nil {
		return "", asUploadError("restage", err)
	}
	return u, nil
}

func asUploadError(op string, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindUpload, apperr.KindValidation:
		return err
	}
	return apperr.Upload(op, "upload failed", err)
}
