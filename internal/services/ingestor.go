package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/knowledgeingestflow/internal/models"
)

const previewLength = 200

// IngestorConfig holds all environment-level configuration for the ingestion
// pipeline, loaded once at construction so inner components never read the
// environment themselves.
type IngestorConfig struct {
	ProjectID       string
	ProcessedBucket string
	VectorIndexName string
	VectorNamespace string
	EmbeddingModel  string
	ChunkSize       int
	ChunkOverlap    int
	MaxObjectBytes  int64
}

// IngestorFunction drives one storage notification through the pipeline:
// identity, fetch, normalize, chunk, embed, persist. It holds no
// cross-invocation state; many documents may be processed concurrently by
// independent invocations.
type IngestorFunction struct {
	config   IngestorConfig
	store    ObjectStore
	fetcher  *Fetcher
	chunker  *Chunker
	embedder Embedder
	writer   *ManifestWriter
	status   StatusStore
	launcher WorkflowLauncher
}

// NewIngestor assembles the pipeline from its collaborators. launcher may be
// nil to disable the downstream workflow hand-off.
func NewIngestor(config IngestorConfig, store ObjectStore, embedder Embedder, status StatusStore, launcher WorkflowLauncher) (*IngestorFunction, error) {
	if config.ProcessedBucket == "" {
		return nil, fmt.Errorf("%w: processed bucket must be configured", ErrInvalidInput)
	}
	if config.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: embedding model must be configured", ErrInvalidInput)
	}
	if store == nil || embedder == nil || status == nil {
		return nil, fmt.Errorf("%w: object store, embedder and status store are required", ErrInvalidInput)
	}
	chunker, err := NewChunker(WithChunkSize(config.ChunkSize), WithOverlap(config.ChunkOverlap))
	if err != nil {
		return nil, err
	}
	return &IngestorFunction{
		config:   config,
		store:    store,
		fetcher:  NewFetcher(store, config.MaxObjectBytes),
		chunker:  chunker,
		embedder: embedder,
		writer:   NewManifestWriter(store, config.ProcessedBucket, config.VectorIndexName, config.VectorNamespace),
		status:   status,
		launcher: launcher,
	}, nil
}

// Process handles one storage notification end to end. A nil return
// acknowledges the message (success, duplicate skip, or quarantine); a
// non-nil return leaves it for queue redelivery, which restarts the pipeline
// from scratch on the next attempt.
func (f *IngestorFunction) Process(ctx context.Context, eventData []byte) error {
	event, err := models.ParseStorageObjectEvent(eventData)
	if err != nil {
		return f.quarantineRaw(ctx, eventData, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	docID, err := DeriveDocID(event.Bucket, event.Name, event.Revision())
	if err != nil {
		return f.quarantineRaw(ctx, eventData, err)
	}
	logCtx := slog.With("documentId", docID, "gcsBucket", event.Bucket, "gcsObject", event.Name)
	logCtx.Info("Processing storage notification.", "revision", event.Revision())

	existing, err := f.status.Lookup(ctx, docID)
	if err != nil {
		logCtx.Warn("Status lookup failed. Proceeding without duplicate fast path.", "error", err)
	} else if existing != nil && existing.Status == models.StatusCompleted {
		logCtx.Info("Document version already ingested. Skipping.", "chunkCount", existing.ChunkCount)
		return nil
	}

	rec := &models.IngestionRecord{
		DocID:     docID,
		Bucket:    event.Bucket,
		ObjectKey: event.Name,
		Revision:  event.Revision(),
		DocType:   InferDocType(event.Name),
		ModelID:   f.config.EmbeddingModel,
		Status:    models.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.status.Record(ctx, docID, rec); err != nil {
		// Advisory only; never blocks the pipeline.
		logCtx.Warn("Failed to record processing status.", "error", err)
	}

	if err := f.ingest(ctx, logCtx, docID, event); err != nil {
		if IsFatal(err) {
			return f.quarantine(ctx, logCtx, docID, event, err)
		}
		return f.failTransient(ctx, logCtx, docID, err)
	}
	return nil
}

// ingest runs the Fetching -> Chunking -> Embedding -> Persisting stages.
// No durable output is written before fetching and chunking succeed in full.
func (f *IngestorFunction) ingest(ctx context.Context, logCtx *slog.Logger, docID string, event *models.StorageObjectEvent) error {
	generation, err := event.GenerationNumber()
	if err != nil {
		return fmt.Errorf("%w: malformed generation %q", ErrInvalidInput, event.Generation)
	}
	if f.config.MaxObjectBytes > 0 && event.SizeBytes() > f.config.MaxObjectBytes {
		return fmt.Errorf("%w: %s is %d bytes (ceiling %d)", ErrTooLarge, event.SourceURI(), event.SizeBytes(), f.config.MaxObjectBytes)
	}

	raw, err := f.fetcher.Fetch(ctx, event.Bucket, event.Name, generation)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", event.SourceURI(), err)
	}

	text := NormalizeMarkdown(raw)
	chunks := f.chunker.Chunk(text)
	logCtx.Info("Document chunked.", "chunkCount", len(chunks), "textBytes", len(text))

	vectors, err := f.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	manifest, payloads := f.assemble(docID, event, chunks, vectors)
	if err := f.writer.Write(ctx, manifest, payloads); err != nil {
		return err
	}

	if err := f.status.Complete(ctx, docID, len(chunks)); err != nil {
		logCtx.Warn("Failed to record completion status.", "error", err)
	}
	if f.launcher != nil {
		// Hand-off is best effort; the manifest is already committed.
		if err := f.launcher.Launch(ctx, docID, len(chunks)); err != nil {
			logCtx.Error("Failed to launch downstream workflow.", "error", err)
		}
	}
	logCtx.Info("Ingestion complete.", "chunkCount", len(chunks))
	return nil
}

func (f *IngestorFunction) embedChunks(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := f.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", ErrInvalidModelResponse, len(chunks), len(vectors))
	}
	return vectors, nil
}

// assemble builds the manifest and the per-chunk vector payloads for one
// complete, self-consistent attempt.
func (f *IngestorFunction) assemble(docID string, event *models.StorageObjectEvent, chunks []models.Chunk, vectors [][]float32) (*models.Manifest, []models.VectorPayload) {
	createdAt := time.Now().UTC()
	docType := InferDocType(event.Name)

	manifest := &models.Manifest{
		DocID: docID,
		Source: models.ManifestSource{
			Bucket:   event.Bucket,
			Key:      event.Name,
			Revision: event.Revision(),
		},
		ModelID:    f.config.EmbeddingModel,
		ChunkCount: len(chunks),
		Chunks:     make([]models.ManifestChunk, 0, len(chunks)),
		CreatedAt:  createdAt,
	}
	payloads := make([]models.VectorPayload, 0, len(chunks))
	for i, chunk := range chunks {
		objectKey := VectorObjectKey(f.config.VectorIndexName, f.config.VectorNamespace, docID, chunk.Index)
		chunkID := fmt.Sprintf("%s:%d", docID, chunk.Index)
		manifest.Chunks = append(manifest.Chunks, models.ManifestChunk{
			ChunkIndex: chunk.Index,
			Text:       chunk.Text,
			CharStart:  chunk.Start,
			CharEnd:    chunk.End,
			VectorRef:  fmt.Sprintf("gs://%s/%s", f.config.ProcessedBucket, objectKey),
		})
		payloads = append(payloads, models.VectorPayload{
			ID:         chunkID,
			ChunkIndex: chunk.Index,
			Index:      f.config.VectorIndexName,
			Namespace:  f.config.VectorNamespace,
			ModelID:    f.config.EmbeddingModel,
			Dimension:  len(vectors[i]),
			Embedding:  vectors[i],
			Text:       chunk.Text,
			Metadata: models.PayloadMetadata{
				DocID:     docID,
				SourceURI: event.SourceURI(),
				ChunkID:   chunkID,
				DocType:   docType,
				Preview:   preview(chunk.Text),
				CreatedAt: createdAt,
			},
		})
	}
	return manifest, payloads
}

// quarantine terminally fails a message on a fatal error class. The message
// is acknowledged (nil return) because redelivery cannot help; the failure
// stays visible through the status record and the quarantine artifact.
func (f *IngestorFunction) quarantine(ctx context.Context, logCtx *slog.Logger, docID string, event *models.StorageObjectEvent, cause error) error {
	logCtx.Error("Quarantining message.", "error", cause)
	if err := f.status.UpdateStatus(ctx, docID, models.StatusQuarantined, cause.Error()); err != nil {
		logCtx.Error("CRITICAL: Failed to record quarantine status.", "updateError", err)
	}
	artifact := map[string]any{
		"doc_id":         docID,
		"bucket":         event.Bucket,
		"key":            event.Name,
		"revision":       event.Revision(),
		"error":          cause.Error(),
		"quarantined_at": time.Now().UTC(),
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		logCtx.Error("Failed to marshal quarantine artifact.", "error", err)
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	objectKey := fmt.Sprintf("quarantine/%s.json", docID)
	if err := f.store.WriteJSON(writeCtx, f.config.ProcessedBucket, objectKey, data); err != nil {
		logCtx.Error("Failed to write quarantine artifact.", "error", err, "gcsObject", objectKey)
	}
	return nil
}

// quarantineRaw quarantines an event whose identity cannot be derived. The
// record is keyed by a hash of the raw payload so repeated deliveries of the
// same malformed message collapse into one record.
func (f *IngestorFunction) quarantineRaw(ctx context.Context, eventData []byte, cause error) error {
	sum := sha256.Sum256(eventData)
	recordID := hex.EncodeToString(sum[:])
	slog.Error("Quarantining malformed event.", "error", cause, "payloadHash", recordID)
	rec := &models.IngestionRecord{
		DocID:        recordID,
		Status:       models.StatusQuarantined,
		ErrorDetails: cause.Error(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.status.Record(ctx, recordID, rec); err != nil {
		slog.Error("CRITICAL: Failed to record quarantine status.", "updateError", err, "payloadHash", recordID)
	}
	return nil
}

// failTransient records the failure and returns the error so the message
// stays unacknowledged and becomes redeliverable after the queue's
// visibility timeout.
func (f *IngestorFunction) failTransient(ctx context.Context, logCtx *slog.Logger, docID string, cause error) error {
	logCtx.Error("Transient failure. Leaving message for redelivery.", "error", cause)
	if err := f.status.UpdateStatus(ctx, docID, models.StatusFailed, cause.Error()); err != nil {
		logCtx.Error("CRITICAL: Failed to record failure status.", "updateError", err)
	}
	return cause
}

func preview(text string) string {
	if len(text) <= previewLength {
		return text
	}
	end := previewLength
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	return text[:end]
}
