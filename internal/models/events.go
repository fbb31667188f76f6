package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// StorageObjectEvent is the data payload of a
// google.cloud.storage.object.v1.finalized CloudEvent delivered by Eventarc.
// Only the fields the pipeline consumes are decoded.
type StorageObjectEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	Generation  string `json:"generation"`
	Etag        string `json:"etag"`
	Size        string `json:"size"`
	ContentType string `json:"contentType"`
}

// ParseStorageObjectEvent decodes the CloudEvent data payload.
func ParseStorageObjectEvent(data []byte) (*StorageObjectEvent, error) {
	var event StorageObjectEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal storage event: %w", err)
	}
	return &event, nil
}

// Revision identifies the object version this notification refers to: the
// GCS generation when present, otherwise the etag. A re-upload of the same
// key produces a new revision and therefore a new document identity.
func (e *StorageObjectEvent) Revision() string {
	if e.Generation != "" {
		return e.Generation
	}
	return e.Etag
}

// GenerationNumber parses the generation for a version-pinned read. Zero
// means the notification carried no generation and the latest version is read.
func (e *StorageObjectEvent) GenerationNumber() (int64, error) {
	if e.Generation == "" {
		return 0, nil
	}
	return strconv.ParseInt(e.Generation, 10, 64)
}

// SizeBytes parses the notified object size, or zero when absent.
func (e *StorageObjectEvent) SizeBytes() int64 {
	if e.Size == "" {
		return 0
	}
	n, err := strconv.ParseInt(e.Size, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SourceURI returns the gs:// URI of the notified object.
func (e *StorageObjectEvent) SourceURI() string {
	return fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name)
}
