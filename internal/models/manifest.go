package models

import "time"

// Chunk is one ordered unit of normalized document text. Start and End are
// byte offsets into the normalized text; chunks in index order cover the
// whole text, with adjacent chunks sharing the configured overlap window.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Manifest is the authoritative durable record for one document version,
// written at processed/{docId}/chunks.json. It is always written after every
// vector payload has landed, so its presence is the commit signal to readers.
// Re-processing the same document version fully replaces it in place.
type Manifest struct {
	DocID      string          `json:"doc_id"`
	Source     ManifestSource  `json:"source"`
	ModelID    string          `json:"model_id"`
	ChunkCount int             `json:"chunk_count"`
	Chunks     []ManifestChunk `json:"chunks"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ManifestSource records the storage coordinates the manifest was built from.
type ManifestSource struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Revision string `json:"revision"`
}

// ManifestChunk describes one chunk and points at its persisted vector.
type ManifestChunk struct {
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
	VectorRef  string `json:"vector_ref"`
}

// VectorPayload is the per-chunk object persisted under
// vectors/{index}/{namespace}/{docId}/{chunkIndex}.json. It carries the chunk
// text, its embedding, and enough metadata to populate a real vector index
// later without re-embedding.
type VectorPayload struct {
	ID         string          `json:"id"`
	ChunkIndex int             `json:"chunk_index"`
	Index      string          `json:"index"`
	Namespace  string          `json:"namespace"`
	ModelID    string          `json:"model_id"`
	Dimension  int             `json:"dimension"`
	Embedding  []float32       `json:"embedding"`
	Text       string          `json:"text"`
	Metadata   PayloadMetadata `json:"metadata"`
}

// PayloadMetadata is the retrieval-time metadata attached to each vector.
type PayloadMetadata struct {
	DocID     string    `json:"doc_id"`
	SourceURI string    `json:"source_uri"`
	ChunkID   string    `json:"chunk_id"`
	DocType   string    `json:"doc_type"`
	Preview   string    `json:"chunk_text_preview"`
	CreatedAt time.Time `json:"created_at"`
}
