package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/Lllllllleong/knowledgeingestflow/internal/services"
)

const (
	defaultVectorIndex     = "rag-kb"
	defaultVectorNamespace = "default"
	defaultEmbeddingModel  = "text-embedding-005"
	defaultCollection      = "ingestions"
	defaultRegion          = "us-central1"
	defaultMaxObjectBytes  = 16 << 20
)

// NewIngestor wires the full pipeline from environment configuration and
// live GCP clients. It is called once per instance, from the entrypoint's
// sync.Once initializer.
func NewIngestor(ctx context.Context) (*services.IngestorFunction, error) {
	projectID := os.Getenv("PROJECT_ID")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable not set")
	}
	processedBucket := os.Getenv("PROCESSED_BUCKET")
	if processedBucket == "" {
		return nil, fmt.Errorf("PROCESSED_BUCKET environment variable not set")
	}

	config := services.IngestorConfig{
		ProjectID:       projectID,
		ProcessedBucket: processedBucket,
		VectorIndexName: GetEnv("VECTOR_INDEX", defaultVectorIndex),
		VectorNamespace: GetEnv("VECTOR_NAMESPACE", defaultVectorNamespace),
		EmbeddingModel:  GetEnv("EMBEDDING_MODEL", defaultEmbeddingModel),
		ChunkSize:       getEnvInt("CHUNK_SIZE", services.DefaultChunkSize),
		ChunkOverlap:    getEnvInt("CHUNK_OVERLAP", services.DefaultChunkOverlap),
		MaxObjectBytes:  int64(getEnvInt("MAX_OBJECT_BYTES", defaultMaxObjectBytes)),
	}

	store, err := NewObjectStore(ctx)
	if err != nil {
		return nil, err
	}

	region := GetEnv("VERTEX_AI_REGION", defaultRegion)
	embedder, err := NewVertexEmbedder(ctx, projectID, region, config.EmbeddingModel,
		getEnvInt("EMBED_BATCH_SIZE", 0), getEnvInt("EMBEDDING_DIMENSION", 0))
	if err != nil {
		return nil, err
	}

	fsClient, err := NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	status := NewStatusStore(fsClient, GetEnv("FIRESTORE_COLLECTION", defaultCollection))

	// The workflow hand-off is optional; a nil interface disables it.
	var launcher services.WorkflowLauncher
	if workflowID := os.Getenv("WORKFLOW_ID"); workflowID != "" {
		wl, err := NewWorkflowLauncher(ctx, projectID, GetEnv("WORKFLOW_LOCATION", defaultRegion), workflowID)
		if err != nil {
			return nil, err
		}
		launcher = wl
	}

	return services.NewIngestor(config, store, embedder, status, launcher)
}

// getEnvInt reads an integer environment variable, falling back on missing or
// malformed values.
func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring malformed integer environment variable.", "key", key, "value", value)
		return fallback
	}
	return parsed
}
