package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/knowledgeingestflow/internal/models"
)

const (
	manifestPrefix   = "processed"
	vectorPrefix     = "vectors"
	writeTimeout     = 50 * time.Second
	writeConcurrency = 8
)

// ManifestObjectKey returns the manifest path for a document. The path is
// part of the pipeline's output contract.
func ManifestObjectKey(docID string) string {
	return fmt.Sprintf("%s/%s/chunks.json", manifestPrefix, docID)
}

// VectorObjectKey returns the payload path for one chunk.
func VectorObjectKey(indexName, namespace, docID string, chunkIndex int) string {
	return fmt.Sprintf("%s/%s/%s/%s/%05d.json", vectorPrefix, indexName, namespace, docID, chunkIndex)
}

func vectorDocPrefix(indexName, namespace, docID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", vectorPrefix, indexName, namespace, docID)
}

// ManifestWriter persists the vector payloads and manifest for one document.
// All payloads are written first, the manifest commits second, and stale
// payloads from a prior attempt are pruned only after the commit: a reader
// never observes a manifest referencing vectors that are missing or deleted,
// and the last attempt to commit fully owns the document's output.
type ManifestWriter struct {
	store     ObjectStore
	bucket    string
	indexName string
	namespace string
}

// NewManifestWriter creates a writer targeting the processed bucket.
func NewManifestWriter(store ObjectStore, bucket, indexName, namespace string) *ManifestWriter {
	return &ManifestWriter{store: store, bucket: bucket, indexName: indexName, namespace: namespace}
}

// Write persists payloads then the manifest. Any individual write failure
// aborts the whole operation as a retryable ErrStorageWrite; partial writes
// are safely overwritten on the next attempt because every target is fully
// keyed by docId and chunk index.
func (w *ManifestWriter) Write(ctx context.Context, manifest *models.Manifest, payloads []models.VectorPayload) error {
	if manifest == nil || manifest.DocID == "" {
		return fmt.Errorf("%w: manifest with doc id required", ErrInvalidInput)
	}
	logCtx := slog.With("documentId", manifest.DocID)

	keep := make(map[string]struct{}, len(payloads))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(writeConcurrency)
	for i := range payloads {
		payload := payloads[i]
		objectKey := VectorObjectKey(w.indexName, w.namespace, manifest.DocID, payload.ChunkIndex)
		keep[objectKey] = struct{}{}
		eg.Go(func() error {
			data, err := json.Marshal(&payload)
			if err != nil {
				return fmt.Errorf("marshal vector payload %d: %w", payload.ChunkIndex, err)
			}
			writeCtx, cancel := context.WithTimeout(gctx, writeTimeout)
			defer cancel()
			if err := w.store.WriteJSON(writeCtx, w.bucket, objectKey, data); err != nil {
				return fmt.Errorf("vector payload %d: %w", payload.ChunkIndex, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.store.WriteJSON(writeCtx, w.bucket, ManifestObjectKey(manifest.DocID), data); err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrStorageWrite, err)
	}
	logCtx.Info("Manifest committed.", "chunkCount", manifest.ChunkCount)

	// Best effort once the manifest is durable: unreferenced leftovers are
	// harmless and the next successful attempt prunes them again.
	if err := w.pruneStale(ctx, logCtx, manifest.DocID, keep); err != nil {
		logCtx.Warn("Failed to prune stale vector payloads.", "error", err)
	}
	return nil
}

// pruneStale removes payload objects a prior attempt left under this
// document's vector prefix, so re-processing never leaves duplicate or
// orphaned chunk objects. Runs only after the manifest commit: a failed
// commit must leave every payload the prior manifest references intact.
func (w *ManifestWriter) pruneStale(ctx context.Context, logCtx *slog.Logger, docID string, keep map[string]struct{}) error {
	names, err := w.store.List(ctx, w.bucket, vectorDocPrefix(w.indexName, w.namespace, docID))
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		logCtx.Warn("Pruning stale vector payload.", "gcsObject", name)
		if err := w.store.Delete(ctx, w.bucket, name); err != nil {
			return err
		}
	}
	return nil
}
