package models

import "time"

// Ingestion record statuses.
const (
	StatusProcessing  = "PROCESSING"
	StatusCompleted   = "COMPLETED"
	StatusFailed      = "FAILED"
	StatusQuarantined = "QUARANTINED"
)

// IngestionRecord is the Firestore audit record for one document version,
// keyed by docId so repeated attempts overwrite a single record. It tracks
// the outcome of each processing attempt and serves the duplicate fast path.
type IngestionRecord struct {
	DocID        string    `firestore:"docId,omitempty"`
	Bucket       string    `firestore:"bucket,omitempty"`
	ObjectKey    string    `firestore:"objectKey,omitempty"`
	Revision     string    `firestore:"revision,omitempty"`
	DocType      string    `firestore:"docType,omitempty"`
	ModelID      string    `firestore:"modelId,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	ChunkCount   int       `firestore:"chunkCount,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt,omitempty"`
}
