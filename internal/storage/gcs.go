package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "camera")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify bucket exists
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

// Write writes data to GCS
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	return s.WriteFrom(ctx, p, bytes.NewReader(data))
}

// WriteFrom streams r to a GCS object. The object only becomes visible once
// the writer is closed successfully.
func (s *GCSStorage) WriteFrom(ctx context.Context, p string, r io.Reader) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.object(p).NewWriter(wctx)
	w.ContentType = ContentType(p)
	w.CacheControl = "private, max-age=3600"

	if _, err := io.Copy(w, r); err != nil {
		cancel() // abort the upload
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Open returns a reader for a GCS object
func (s *GCSStorage) Open(ctx context.Context, p string) (io.ReadCloser, ObjectInfo, error) {
	r, err := s.object(p).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to read from GCS: %w", err)
	}

	return r, ObjectInfo{Name: path.Base(p), Size: r.Attrs.Size, UpdatedAt: r.Attrs.LastModified}, nil
}

// Delete deletes an object from GCS
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	if err := s.object(p).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Exists checks if an object exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// List lists objects under a directory prefix in GCS
func (s *GCSStorage) List(ctx context.Context, dir string) ([]ObjectInfo, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// Prefix-only entries are subdirectories
		name := strings.TrimPrefix(attrs.Name, prefix)
		if attrs.Prefix != "" || name == "" {
			continue
		}
		files = append(files, ObjectInfo{Name: name, Size: attrs.Size, UpdatedAt: attrs.Updated})
	}

	sortNewestFirst(files)
	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// SignedURL generates a time-limited download URL
func (s *GCSStorage) SignedURL(p string, expiration time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiration),
	}

	url, err := s.client.Bucket(s.bucketName).SignedURL(s.fullPath(p), opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

func (s *GCSStorage) object(p string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.fullPath(p))
}

func (s *GCSStorage) fullPath(p string) string {
	if s.baseDir == "" {
		return p
	}
	return s.baseDir + "/" + p
}

// ContentType determines the content type from a file extension
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return "application/octet-stream"
}
