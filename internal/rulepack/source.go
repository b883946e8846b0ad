// Package rulepack reads and writes portable rule sets kept in Cloud
// Storage or on local disk.
package rulepack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const gcsScheme = "gs://"

// Source moves raw rule pack bytes.
type Source interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, uri string, data []byte) error
}

// ParseGCSURI splits gs://bucket/path/to/object into bucket and object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, gcsScheme) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, gcsScheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// IsGCSURI reports whether uri names a Cloud Storage object.
func IsGCSURI(uri string) bool {
	return strings.HasPrefix(uri, gcsScheme)
}

// DefaultURI is where a user's rule pack lives in bucket.
func DefaultURI(bucket, userID string) string {
	return gcsScheme + path.Join(bucket, "rules", userID+".json")
}

// GCSSource reads and writes objects with one storage client. It assumes
// Application Default Credentials are configured.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates the storage client.
func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSource: creating storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// Close closes the storage client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}

// Fetch downloads the object at uri.
func (s *GCSSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("Fetch: %s: %w", uri, os.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

// Put uploads data to uri, replacing any existing object.
func (s *GCSSource) Put(ctx context.Context, uri string, data []byte) error {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("Put: writing %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Put: finalize upload: %w", err)
	}
	return nil
}

// FileSource reads and writes local files. URIs are plain paths.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, uri string) ([]byte, error) {
	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	return data, nil
}

func (FileSource) Put(_ context.Context, uri string, data []byte) error {
	if err := os.WriteFile(uri, data, 0o644); err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	return nil
}

// Router dispatches gs:// URIs to GCS and everything else to local files.
// The GCS client is created on first use.
type Router struct {
	Local  FileSource
	gcs    Source
	newGCS func(ctx context.Context) (Source, error)
	close  func() error
}

// NewRouter returns a Router that lazily connects to Cloud Storage.
func NewRouter() *Router {
	r := &Router{}
	r.newGCS = func(ctx context.Context) (Source, error) {
		s, err := NewGCSSource(ctx)
		if err != nil {
			return nil, err
		}
		r.close = s.Close
		return s, nil
	}
	return r
}

func (r *Router) pick(ctx context.Context, uri string) (Source, error) {
	if !IsGCSURI(uri) {
		return r.Local, nil
	}
	if r.gcs == nil {
		s, err := r.newGCS(ctx)
		if err != nil {
			return nil, err
		}
		r.gcs = s
	}
	return r.gcs, nil
}

func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, error) {
	s, err := r.pick(ctx, uri)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, uri)
}

func (r *Router) Put(ctx context.Context, uri string, data []byte) error {
	s, err := r.pick(ctx, uri)
	if err != nil {
		return err
	}
	return s.Put(ctx, uri, data)
}

// Close releases the GCS client if one was opened.
func (r *Router) Close() error {
	if r.close != nil {
		return r.close()
	}
	return nil
}

var (
	_ Source = (*GCSSource)(nil)
	_ Source = FileSource{}
	_ Source = (*Router)(nil)
)
