package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Name      string
	Size      int64
	UpdatedAt time.Time
}

// Storage interface for storing and retrieving captured media
type Storage interface {
	// Write writes data to a path
	Write(ctx context.Context, path string, data []byte) error

	// WriteFrom streams r to a path
	WriteFrom(ctx context.Context, path string, r io.Reader) error

	// Open returns a reader for the object at path and its info
	Open(ctx context.Context, path string) (io.ReadCloser, ObjectInfo, error)

	// Delete deletes an object; missing objects are not an error
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, path string) (bool, error)

	// List lists objects in a directory, newest first
	List(ctx context.Context, dir string) ([]ObjectInfo, error)
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// Write writes data to a file
func (s *LocalStorage) Write(ctx context.Context, path string, data []byte) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temporary name and rename so readers never see partial files
	tmp := fullPath + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

// WriteFrom streams r into a file
func (s *LocalStorage) WriteFrom(ctx context.Context, path string, r io.Reader) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := fullPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

// Open opens a file for reading
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, ObjectInfo, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to open file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}

	return file, ObjectInfo{Name: filepath.Base(path), Size: st.Size(), UpdatedAt: st.ModTime()}, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists files in a directory
func (s *LocalStorage) List(ctx context.Context, dir string) ([]ObjectInfo, error) {
	fullPath, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed while listing
		}
		files = append(files, ObjectInfo{Name: entry.Name(), Size: info.Size(), UpdatedAt: info.ModTime()})
	}

	sortNewestFirst(files)
	return files, nil
}

// GetFullPath returns the full filesystem path for a relative path
func (s *LocalStorage) GetFullPath(path string) string {
	return filepath.Join(s.baseDir, path)
}

// resolve maps a relative path into baseDir, rejecting paths that escape it
func (s *LocalStorage) resolve(path string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) && path != "" && path != "." {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(path)), nil
}

func sortNewestFirst(files []ObjectInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].UpdatedAt.Equal(files[j].UpdatedAt) {
			return files[i].Name > files[j].Name
		}
		return files[i].UpdatedAt.After(files[j].UpdatedAt)
	})
}
