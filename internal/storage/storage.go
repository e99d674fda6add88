package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a capture object does not exist
var ErrNotFound = errors.New("storage: object not found")

// Storage interface for storing and retrieving capture segments and indexes
type Storage interface {
	// Write writes data to a file path
	Write(path string, data []byte) error

	// Read reads data from a file path
	Read(path string) ([]byte, error)

	// ReadSeeker returns a ReadSeeker for the file (useful for http.ServeContent)
	ReadSeeker(path string) (io.ReadSeeker, error)

	// Delete deletes a file
	Delete(path string) error

	// Exists checks if a file exists
	Exists(path string) (bool, error)

	// List lists files in a directory
	List(dir string) ([]string, error)
}

// URLSigner is implemented by backends that can hand out time-limited
// direct download links.
type URLSigner interface {
	SignedURL(path string, expiration time.Duration) (string, error)
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

// resolve maps a relative object path into baseDir, refusing paths that
// would escape it.
func (s *LocalStorage) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(s.baseDir, clean)
	if rel, err := filepath.Rel(s.baseDir, full); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid path %q", path)
	}
	return full, nil
}

// Write writes data to a file. The file is written under a temporary name
// and renamed so readers never observe a partial segment.
func (s *LocalStorage) Write(path string, data []byte) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	// Create parent directories
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(path string) ([]byte, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, wrapNotFound(err, "failed to read file")
	}

	return data, nil
}

// ReadSeeker returns a ReadSeeker for the file. The caller closes it when it
// implements io.Closer.
func (s *LocalStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, wrapNotFound(err, "failed to open file")
	}

	return file, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(path string) error {
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
func (s *LocalStorage) Exists(path string) (bool, error) {
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

// List lists files in a directory. A missing directory lists as empty.
func (s *LocalStorage) List(dir string) ([]string, error) {
	fullPath, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), ".tmp") {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

func wrapNotFound(err error, msg string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// contentType returns the MIME type stored with a capture object
func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".mtc":
		return "application/vnd.mtcsync.capture"
	default:
		return "application/octet-stream"
	}
}

// cacheControl keeps indexes fresh and lets sealed segments be cached
func cacheControl(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "no-cache, no-store, must-revalidate"
	case ".mtc":
		return "public, max-age=3600"
	default:
		return "public, max-age=300"
	}
}
