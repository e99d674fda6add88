package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucket     *storage.BucketHandle // every object handle derives from it
	bucketName string
	baseDir    string
	ctx        context.Context
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "captures")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	s := newGCSStorage(ctx, client, bucketName, baseDir)

	// Verify bucket exists
	if _, err := s.bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s in project %s: %w", bucketName, projectID, err)
	}

	return s, nil
}

func newGCSStorage(ctx context.Context, client *storage.Client, bucketName, baseDir string) *GCSStorage {
	return &GCSStorage{
		client:     client,
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
		ctx:        ctx,
	}
}

func (s *GCSStorage) object(path string) *storage.ObjectHandle {
	return s.bucket.Object(s.fullPath(path))
}

// Write writes data to GCS
func (s *GCSStorage) Write(path string, data []byte) error {
	w := s.object(path).NewWriter(s.ctx)

	// Set metadata
	w.ContentType = contentType(path)
	w.CacheControl = cacheControl(path)

	// Write data
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(path string) ([]byte, error) {
	r, err := s.object(path).NewReader(s.ctx)
	if err != nil {
		return nil, gcsError(err, "failed to read from GCS")
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	return data, nil
}

// ReadSeeker returns a ReadSeeker for a GCS object. Capture segments are
// small, so the object is buffered in memory.
func (s *GCSStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	data, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Delete deletes a file from GCS
func (s *GCSStorage) Delete(path string) error {
	if err := s.object(path).Delete(s.ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}

	return nil
}

// Exists checks if a file exists in GCS
func (s *GCSStorage) Exists(path string) (bool, error) {
	_, err := s.object(path).Attrs(s.ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}

	return true, nil
}

// List lists files in a directory in GCS
func (s *GCSStorage) List(dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	query := &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	}

	it := s.bucket.Objects(s.ctx, query)

	var files []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// Synthetic prefixes stand for sub-directories
		if attrs.Prefix != "" {
			continue
		}

		if name := strings.TrimPrefix(attrs.Name, prefix); name != "" {
			files = append(files, name)
		}
	}

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// SignedURL generates a V4 signed URL for downloading a capture object
func (s *GCSStorage) SignedURL(path string, expiration time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiration),
	}

	url, err := s.bucket.SignedURL(s.fullPath(path), opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}

	return url, nil
}

func (s *GCSStorage) fullPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.baseDir == "" {
		return path
	}
	return s.baseDir + "/" + path
}

func gcsError(err error, msg string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
