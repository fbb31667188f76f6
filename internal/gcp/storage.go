package gcp

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/knowledgeingestflow/internal/services"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ObjectStore is the GCS-backed implementation of services.ObjectStore.
type ObjectStore struct {
	client *storage.Client
}

var _ services.ObjectStore = (*ObjectStore)(nil)

// NewObjectStore creates a GCS-backed object store.
func NewObjectStore(ctx context.Context) (*ObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &ObjectStore{client: client}, nil
}

// Fetch reads one object, pinned to generation when non-zero. The size
// ceiling is enforced against the reader's attributes before the body is
// read, so an oversized object is rejected without transferring it.
func (s *ObjectStore) Fetch(ctx context.Context, bucket, key string, generation, maxBytes int64) ([]byte, error) {
	obj := s.client.Bucket(bucket).Object(key)
	if generation > 0 {
		obj = obj.Generation(generation)
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	if maxBytes > 0 && reader.Attrs.Size > maxBytes {
		return nil, fmt.Errorf("%w: gs://%s/%s is %d bytes (ceiling %d)",
			services.ErrTooLarge, bucket, key, reader.Attrs.Size, maxBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// WriteJSON writes data as an application/json object, unconditionally
// overwriting any prior version. Overwrite-in-place is deliberate: every
// pipeline output is fully keyed by document identity, so the last complete
// attempt wins.
func (s *ObjectStore) WriteJSON(ctx context.Context, bucket, key string, data []byte) error {
	writer := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns the names of all objects under prefix.
func (s *ObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Delete removes one object.
func (s *ObjectStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("delete gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}
