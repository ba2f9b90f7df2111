package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Store wraps the GCS client with the URI-oriented helpers the pipeline
// uses. All content references between stages are gs:// URIs.
type Store struct {
	client *storage.Client
}

// NewStore creates a Store backed by a new GCS client.
func NewStore(ctx context.Context) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Store{client: client}, nil
}

// ParseURI splits a gs://bucket/object URI into bucket and object name.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid GCS URI %q: must start with gs://", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q: expected gs://bucket/object", uri)
	}
	return bucket, object, nil
}

// URI builds a gs:// URI from bucket and object name.
func URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// GetText reads the object at the given gs:// URI as a UTF-8 string.
func (s *Store) GetText(ctx context.Context, uri string) (string, error) {
	data, err := s.GetBinary(ctx, uri)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetBinary reads the object at the given gs:// URI.
func (s *Store) GetBinary(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

// List returns the gs:// URIs of all objects under the given prefix URI,
// sorted by name.
func (s *Store) List(ctx context.Context, prefixURI string) ([]string, error) {
	bucket, prefix, err := ParseURI(prefixURI)
	if err != nil {
		return nil, err
	}
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var uris []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefixURI, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		uris = append(uris, URI(bucket, attrs.Name))
	}
	sort.Strings(uris)
	return uris, nil
}

// SaveAtomically writes content to a GCS object only if it doesn't already
// exist. A 412 precondition failure means an earlier attempt of the same
// idempotent workflow step already wrote it, which is not a failure.
func (s *Store) SaveAtomically(ctx context.Context, bucket, object string, content []byte) error {
	writer := s.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS object %s: %w", object, err)
	}

	if err := writer.Close(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Object already exists, skipping write.", "gcsObject", object)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write for %s: %w", object, err)
	}
	return nil
}

// Download streams a GCS object to a local file path.
func (s *Store) Download(ctx context.Context, bucket, object, destPath string) error {
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	localFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create local file at %s: %w", destPath, err)
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, reader); err != nil {
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return nil
}

// UploadFile uploads a local file to the given bucket/object with a bounded
// write timeout.
func (s *Store) UploadFile(ctx context.Context, bucket, object, localPath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("could not open local file %s: %w", localPath, err)
	}
	defer localFile.Close()

	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	writer := s.client.Bucket(bucket).Object(object).NewWriter(writeCtx)
	if _, err := io.Copy(writer, localFile); err != nil {
		_ = writer.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
