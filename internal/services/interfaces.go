package services

import (
	"context"

	"github.com/Lllllllleong/knowledgeingestflow/internal/models"
)

// ObjectStore abstracts the object storage backend so the pipeline can be
// exercised against in-memory fakes. The production implementation lives in
// internal/gcp.
type ObjectStore interface {
	// Fetch reads one object, pinned to generation when non-zero. A maxBytes
	// ceiling greater than zero is enforced against the object's attributes
	// before the body is read.
	Fetch(ctx context.Context, bucket, key string, generation, maxBytes int64) ([]byte, error)

	// WriteJSON durably writes data as an application/json object,
	// unconditionally overwriting any prior version.
	WriteJSON(ctx context.Context, bucket, key string, data []byte) error

	// List returns the names of all objects under prefix.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// Delete removes one object.
	Delete(ctx context.Context, bucket, key string) error
}

// Embedder generates vector embeddings for ordered batches of text. Results
// are index-aligned with the input. Implementations own their provider retry
// policy and must fail a provider batch atomically rather than returning
// partial results.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// StatusStore records the lifecycle of ingestion attempts for audit and
// duplicate suppression. It is advisory: the pipeline's correctness never
// depends on it, only its observability and the fast-path skip.
type StatusStore interface {
	// Lookup returns the record for docID, or nil when none exists.
	Lookup(ctx context.Context, docID string) (*models.IngestionRecord, error)

	// Record overwrites the record for docID.
	Record(ctx context.Context, docID string, rec *models.IngestionRecord) error

	// UpdateStatus transitions the record's status, attaching error details
	// when non-empty.
	UpdateStatus(ctx context.Context, docID, state, errorDetails string) error

	// Complete marks the record COMPLETED with its final chunk count.
	Complete(ctx context.Context, docID string, chunkCount int) error
}

// WorkflowLauncher hands a committed document off to downstream processing.
type WorkflowLauncher interface {
	Launch(ctx context.Context, docID string, chunkCount int) error
}
