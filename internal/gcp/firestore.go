package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/Lllllllleong/knowledgeingestflow/internal/models"
	"github.com/Lllllllleong/knowledgeingestflow/internal/services"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// StatusStore is the Firestore-backed services.StatusStore. Records are
// keyed by docId, so every attempt for one document version overwrites a
// single record.
type StatusStore struct {
	client     *firestore.Client
	collection string
}

var _ services.StatusStore = (*StatusStore)(nil)

// NewStatusStore creates a status store over the given collection.
func NewStatusStore(client *firestore.Client, collection string) *StatusStore {
	return &StatusStore{client: client, collection: collection}
}

// Lookup returns the record for docID, or nil when none exists.
func (s *StatusStore) Lookup(ctx context.Context, docID string) (*models.IngestionRecord, error) {
	snap, err := s.client.Collection(s.collection).Doc(docID).Get(ctx)
	if grpcstatus.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ingestion record %s: %w", docID, err)
	}
	var rec models.IngestionRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode ingestion record %s: %w", docID, err)
	}
	return &rec, nil
}

// Record overwrites the record for docID.
func (s *StatusStore) Record(ctx context.Context, docID string, rec *models.IngestionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.client.Collection(s.collection).Doc(docID).Set(ctx, rec); err != nil {
		return fmt.Errorf("record ingestion status %s: %w", docID, err)
	}
	return nil
}

// UpdateStatus transitions the record's status, attaching error details when
// non-empty.
func (s *StatusStore) UpdateStatus(ctx context.Context, docID, state, errorDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: state},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if errorDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errorDetails})
	}
	if _, err := s.client.Collection(s.collection).Doc(docID).Update(ctx, updates); err != nil {
		return fmt.Errorf("update ingestion status %s: %w", docID, err)
	}
	return nil
}

// Complete marks the record COMPLETED with its final chunk count, clearing
// any error details a failed earlier attempt left behind.
func (s *StatusStore) Complete(ctx context.Context, docID string, chunkCount int) error {
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusCompleted},
		{Path: "chunkCount", Value: chunkCount},
		{Path: "errorDetails", Value: firestore.Delete},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if _, err := s.client.Collection(s.collection).Doc(docID).Update(ctx, updates); err != nil {
		return fmt.Errorf("complete ingestion record %s: %w", docID, err)
	}
	return nil
}
