package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"fullscreencam/internal/metrics"
	"fullscreencam/pkg/models"
)

// URLSigner is implemented by stores that can hand out direct download URLs
type URLSigner interface {
	SignedURL(path string, expiration time.Duration) (string, error)
}

// LibraryConfig holds media library settings
type LibraryConfig struct {
	URLPrefix   string // API path serving items, e.g. /api/v1/media
	JPEGQuality int
}

// Library keeps saved photos and finished recordings under photos/ and videos/
type Library struct {
	store   Storage
	metrics *metrics.Metrics
	cfg     LibraryConfig
}

// NewLibrary creates a media library on top of a store
func NewLibrary(store Storage, cfg LibraryConfig, m *metrics.Metrics) *Library {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	cfg.URLPrefix = strings.TrimSuffix(cfg.URLPrefix, "/")
	return &Library{store: store, metrics: m, cfg: cfg}
}

// SaveVideo moves a finished recording from the local filesystem into the library
func (l *Library) SaveVideo(ctx context.Context, localPath string) (models.MediaItem, error) {
	f, err := os.Open(localPath)
	if err != nil {
		l.metrics.RecordMediaSaveError(string(models.MediaVideos))
		return models.MediaItem{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	name := filepath.Base(localPath)
	if err := l.store.WriteFrom(ctx, path.Join(string(models.MediaVideos), name), f); err != nil {
		l.metrics.RecordMediaSaveError(string(models.MediaVideos))
		return models.MediaItem{}, fmt.Errorf("save recording: %w", err)
	}

	// The library copy is authoritative from here on
	f.Close()
	os.Remove(localPath)

	l.metrics.RecordMediaSaved(string(models.MediaVideos))
	return l.item(models.MediaVideos, ObjectInfo{Name: name, UpdatedAt: time.Now()}), nil
}

// SavePhoto encodes img as JPEG and stores it under a new name
func (l *Library) SavePhoto(ctx context.Context, img image.Image) (models.MediaItem, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(l.cfg.JPEGQuality)); err != nil {
		l.metrics.RecordMediaSaveError(string(models.MediaPhotos))
		return models.MediaItem{}, fmt.Errorf("encode photo: %w", err)
	}

	name := uuid.NewString() + ".jpg"
	if err := l.store.Write(ctx, path.Join(string(models.MediaPhotos), name), buf.Bytes()); err != nil {
		l.metrics.RecordMediaSaveError(string(models.MediaPhotos))
		return models.MediaItem{}, fmt.Errorf("save photo: %w", err)
	}

	l.metrics.RecordMediaSaved(string(models.MediaPhotos))
	return l.item(models.MediaPhotos, ObjectInfo{Name: name, Size: int64(buf.Len()), UpdatedAt: time.Now()}), nil
}

// List returns the items of one kind, newest first
func (l *Library) List(ctx context.Context, kind models.MediaKind) ([]models.MediaItem, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}

	objects, err := l.store.List(ctx, string(kind))
	if err != nil {
		return nil, err
	}

	items := make([]models.MediaItem, 0, len(objects))
	for _, obj := range objects {
		items = append(items, l.item(kind, obj))
	}
	return items, nil
}

// Open returns a reader for one library item
func (l *Library) Open(ctx context.Context, kind models.MediaKind, name string) (io.ReadCloser, ObjectInfo, error) {
	p, err := itemPath(kind, name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return l.store.Open(ctx, p)
}

// SignedURL returns a direct download URL when the store supports it
func (l *Library) SignedURL(kind models.MediaKind, name string, expiration time.Duration) (string, bool) {
	signer, ok := l.store.(URLSigner)
	if !ok {
		return "", false
	}
	p, err := itemPath(kind, name)
	if err != nil {
		return "", false
	}
	url, err := signer.SignedURL(p, expiration)
	if err != nil {
		return "", false
	}
	return url, true
}

func (l *Library) item(kind models.MediaKind, obj ObjectInfo) models.MediaItem {
	return models.MediaItem{
		Kind:      kind,
		Name:      obj.Name,
		Size:      obj.Size,
		UpdatedAt: obj.UpdatedAt,
		URL:       l.cfg.URLPrefix + "/" + string(kind) + "/" + obj.Name,
	}
}

func itemPath(kind models.MediaKind, name string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown media kind %q", kind)
	}
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}
	return path.Join(string(kind), name), nil
}
