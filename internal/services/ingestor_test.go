package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/knowledgeingestflow/internal/models"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	dim   int
	short bool
}

func (e *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	n := len(texts)
	if e.short && n > 0 {
		n--
	}
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = make([]float32, e.dim)
		for j := range vectors[i] {
			vectors[i][j] = float32(i+1) * 0.25
		}
	}
	return vectors, nil
}

type fakeStatusStore struct {
	mu          sync.Mutex
	records     map[string]*models.IngestionRecord
	transitions []string
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{records: make(map[string]*models.IngestionRecord)}
}

func (s *fakeStatusStore) Lookup(ctx context.Context, docID string) (*models.IngestionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[docID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (s *fakeStatusStore) Record(ctx context.Context, docID string, rec *models.IngestionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.records[docID] = &clone
	s.transitions = append(s.transitions, rec.Status)
	return nil
}

func (s *fakeStatusStore) UpdateStatus(ctx context.Context, docID, state, errorDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[docID]
	if !ok {
		rec = &models.IngestionRecord{DocID: docID}
		s.records[docID] = rec
	}
	rec.Status = state
	rec.ErrorDetails = errorDetails
	s.transitions = append(s.transitions, state)
	return nil
}

func (s *fakeStatusStore) Complete(ctx context.Context, docID string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[docID]
	if !ok {
		rec = &models.IngestionRecord{DocID: docID}
		s.records[docID] = rec
	}
	rec.Status = models.StatusCompleted
	rec.ChunkCount = chunkCount
	rec.ErrorDetails = ""
	s.transitions = append(s.transitions, models.StatusCompleted)
	return nil
}

func (s *fakeStatusStore) statusOf(docID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[docID]
	if !ok {
		return ""
	}
	return rec.Status
}

type launchCall struct {
	docID      string
	chunkCount int
}

type fakeLauncher struct {
	mu    sync.Mutex
	calls []launchCall
}

func (l *fakeLauncher) Launch(ctx context.Context, docID string, chunkCount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, launchCall{docID: docID, chunkCount: chunkCount})
	return nil
}

func testConfig() IngestorConfig {
	return IngestorConfig{
		ProjectID:       "test-project",
		ProcessedBucket: "processed-bucket",
		VectorIndexName: "rag-kb",
		VectorNamespace: "default",
		EmbeddingModel:  "text-embedding-005",
		ChunkSize:       100,
		ChunkOverlap:    20,
		MaxObjectBytes:  1 << 20,
	}
}

func newTestIngestor(t *testing.T, store *fakeObjectStore, embedder Embedder, status *fakeStatusStore, launcher WorkflowLauncher) *IngestorFunction {
	t.Helper()
	ingestor, err := NewIngestor(testConfig(), store, embedder, status, launcher)
	require.NoError(t, err)
	return ingestor
}

func storageEvent(t *testing.T, bucket, name, generation string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"bucket":      bucket,
		"name":        name,
		"generation":  generation,
		"size":        "2048",
		"contentType": "text/markdown",
	})
	require.NoError(t, err)
	return data
}

func TestProcessHappyPath(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["contracts/acme.md"] = []byte(strings.Repeat("a", 220))
	embedder := &fakeEmbedder{dim: 4}
	status := newFakeStatusStore()
	launcher := &fakeLauncher{}
	ingestor := newTestIngestor(t, store, embedder, status, launcher)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	require.NoError(t, ingestor.Process(context.Background(), event))

	docID, err := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	require.NoError(t, err)

	// 220 bytes at size 100 / overlap 20 hard-cuts into three chunks.
	manifestData, ok := store.objects[ManifestObjectKey(docID)]
	require.True(t, ok, "manifest not committed")
	var manifest models.Manifest
	require.NoError(t, json.Unmarshal(manifestData, &manifest))
	assert.Equal(t, docID, manifest.DocID)
	assert.Equal(t, 3, manifest.ChunkCount)
	assert.Equal(t, "text-embedding-005", manifest.ModelID)
	assert.Equal(t, "raw-docs", manifest.Source.Bucket)
	assert.Equal(t, "42", manifest.Source.Revision)
	require.Len(t, manifest.Chunks, 3)

	for i, chunk := range manifest.Chunks {
		payloadKey := VectorObjectKey("rag-kb", "default", docID, i)
		assert.Equal(t, "gs://processed-bucket/"+payloadKey, chunk.VectorRef)

		payloadData, ok := store.objects[payloadKey]
		require.True(t, ok, "payload %d missing", i)
		var payload models.VectorPayload
		require.NoError(t, json.Unmarshal(payloadData, &payload))
		assert.Equal(t, fmt.Sprintf("%s:%d", docID, i), payload.ID)
		assert.Equal(t, chunk.Text, payload.Text)
		assert.Equal(t, 4, payload.Dimension)
		assert.Len(t, payload.Embedding, 4)
		assert.Equal(t, "contracts", payload.Metadata.DocType)
		assert.Equal(t, "gs://raw-docs/contracts/acme.md", payload.Metadata.SourceURI)
	}

	// Manifest is the final write.
	assert.Equal(t, ManifestObjectKey(docID), store.writes[len(store.writes)-1])
	assert.Equal(t, models.StatusCompleted, status.statusOf(docID))
	require.Len(t, launcher.calls, 1)
	assert.Equal(t, launchCall{docID: docID, chunkCount: 3}, launcher.calls[0])
}

func TestProcessAccessDeniedQuarantines(t *testing.T) {
	store := newFakeObjectStore()
	store.fetchErr = &googleapi.Error{Code: 403, Message: "forbidden"}
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, &fakeEmbedder{dim: 4}, status, nil)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	// Fatal class: the message is acknowledged, not redelivered.
	require.NoError(t, ingestor.Process(context.Background(), event))

	docID, _ := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	assert.Equal(t, models.StatusQuarantined, status.statusOf(docID))

	artifact, ok := store.objects["quarantine/"+docID+".json"]
	require.True(t, ok, "quarantine artifact not written")
	var body map[string]any
	require.NoError(t, json.Unmarshal(artifact, &body))
	assert.Equal(t, docID, body["doc_id"])
	assert.Contains(t, body["error"], "access denied")
}

func TestProcessNotFoundIsRedeliverable(t *testing.T) {
	store := newFakeObjectStore()
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, &fakeEmbedder{dim: 4}, status, nil)

	// The notification outran the object: no such key in the store.
	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	err := ingestor.Process(context.Background(), event)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	docID, _ := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	assert.Equal(t, models.StatusFailed, status.statusOf(docID))
}

func TestProcessMalformedEventQuarantinesRaw(t *testing.T) {
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, newFakeObjectStore(), &fakeEmbedder{dim: 4}, status, nil)

	payload := []byte("{not json")
	require.NoError(t, ingestor.Process(context.Background(), payload))

	sum := sha256.Sum256(payload)
	recordID := hex.EncodeToString(sum[:])
	assert.Equal(t, models.StatusQuarantined, status.statusOf(recordID))
}

func TestProcessMissingBucketQuarantinesRaw(t *testing.T) {
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, newFakeObjectStore(), &fakeEmbedder{dim: 4}, status, nil)

	payload := []byte(`{"name":"contracts/acme.md","generation":"42"}`)
	require.NoError(t, ingestor.Process(context.Background(), payload))

	sum := sha256.Sum256(payload)
	recordID := hex.EncodeToString(sum[:])
	rec, err := status.Lookup(context.Background(), recordID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusQuarantined, rec.Status)
	assert.Contains(t, rec.ErrorDetails, "invalid input")
}

func TestProcessCompletedFastPathSkips(t *testing.T) {
	store := newFakeObjectStore()
	status := newFakeStatusStore()
	docID, _ := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	status.records[docID] = &models.IngestionRecord{DocID: docID, Status: models.StatusCompleted, ChunkCount: 3}
	ingestor := newTestIngestor(t, store, &fakeEmbedder{dim: 4}, status, nil)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	require.NoError(t, ingestor.Process(context.Background(), event))

	assert.Zero(t, store.fetches, "fast path must not touch storage")
	assert.Empty(t, store.writes)
}

func TestProcessIdempotent(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["contracts/acme.md"] = []byte(strings.Repeat("a", 220))
	embedder := &fakeEmbedder{dim: 4}
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, embedder, status, nil)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	require.NoError(t, ingestor.Process(context.Background(), event))

	docID, _ := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	firstKeys := store.keys()
	var first models.Manifest
	require.NoError(t, json.Unmarshal(store.objects[ManifestObjectKey(docID)], &first))

	// Clear the completion record so the second delivery re-processes
	// instead of taking the fast path.
	status.records = make(map[string]*models.IngestionRecord)
	require.NoError(t, ingestor.Process(context.Background(), event))

	var second models.Manifest
	require.NoError(t, json.Unmarshal(store.objects[ManifestObjectKey(docID)], &second))
	second.CreatedAt = first.CreatedAt
	assert.Equal(t, first, second)
	assert.Equal(t, firstKeys, store.keys())
}

func TestProcessConcurrentSameDocument(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["contracts/acme.md"] = []byte(strings.Repeat("a", 220))
	embedder := &fakeEmbedder{dim: 4}
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, embedder, status, nil)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")

	// Two deliveries of the same notification race through the pipeline.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ingestor.Process(context.Background(), event)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// The surviving output is one attempt's complete result, never a mixture:
	// every manifest chunk has its referenced payload, with matching text.
	docID, err := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	require.NoError(t, err)
	var manifest models.Manifest
	require.NoError(t, json.Unmarshal(store.objects[ManifestObjectKey(docID)], &manifest))
	assert.Equal(t, 3, manifest.ChunkCount)
	require.Len(t, manifest.Chunks, 3)
	for i, chunk := range manifest.Chunks {
		payloadData, ok := store.objects[VectorObjectKey("rag-kb", "default", docID, i)]
		require.True(t, ok, "payload %d missing", i)
		var payload models.VectorPayload
		require.NoError(t, json.Unmarshal(payloadData, &payload))
		assert.Equal(t, chunk.Text, payload.Text)
		assert.Equal(t, 4, payload.Dimension)
	}

	// No extra objects beyond the source, three payloads, and the manifest.
	assert.Len(t, store.keys(), 5)
	assert.Equal(t, models.StatusCompleted, status.statusOf(docID))
}

func TestProcessThrottledEmbedderIsRedeliverable(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["contracts/acme.md"] = []byte(strings.Repeat("a", 220))
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, &fakeEmbedder{err: ErrProviderThrottled}, status, nil)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	err := ingestor.Process(context.Background(), event)
	assert.ErrorIs(t, err, ErrProviderThrottled)

	docID, _ := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	assert.Equal(t, models.StatusFailed, status.statusOf(docID))
	// No durable output before embedding succeeds.
	assert.Empty(t, store.writes)
}

func TestProcessVectorCountMismatchQuarantines(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["contracts/acme.md"] = []byte(strings.Repeat("a", 220))
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, &fakeEmbedder{dim: 4, short: true}, status, nil)

	event := storageEvent(t, "raw-docs", "contracts/acme.md", "42")
	require.NoError(t, ingestor.Process(context.Background(), event))

	docID, _ := DeriveDocID("raw-docs", "contracts/acme.md", "42")
	assert.Equal(t, models.StatusQuarantined, status.statusOf(docID))
	assert.NotContains(t, store.keys(), ManifestObjectKey(docID))
}

func TestProcessEmptyDocument(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["contracts/empty.md"] = []byte("```\nonly a code block\n```")
	embedder := &fakeEmbedder{dim: 4}
	status := newFakeStatusStore()
	launcher := &fakeLauncher{}
	ingestor := newTestIngestor(t, store, embedder, status, launcher)

	event := storageEvent(t, "raw-docs", "contracts/empty.md", "1")
	require.NoError(t, ingestor.Process(context.Background(), event))

	docID, _ := DeriveDocID("raw-docs", "contracts/empty.md", "1")
	var manifest models.Manifest
	require.NoError(t, json.Unmarshal(store.objects[ManifestObjectKey(docID)], &manifest))
	assert.Zero(t, manifest.ChunkCount)
	assert.Empty(t, manifest.Chunks)

	// The manifest is the only durable object; no embedding calls happened.
	assert.Equal(t, []string{ManifestObjectKey(docID)}, store.writes)
	assert.Zero(t, embedder.calls)
	assert.Equal(t, models.StatusCompleted, status.statusOf(docID))
	require.Len(t, launcher.calls, 1)
	assert.Zero(t, launcher.calls[0].chunkCount)
}

func TestProcessOversizedEventQuarantines(t *testing.T) {
	store := newFakeObjectStore()
	status := newFakeStatusStore()
	ingestor := newTestIngestor(t, store, &fakeEmbedder{dim: 4}, status, nil)

	data, err := json.Marshal(map[string]string{
		"bucket":     "raw-docs",
		"name":       "contracts/huge.md",
		"generation": "1",
		"size":       "999999999",
	})
	require.NoError(t, err)
	require.NoError(t, ingestor.Process(context.Background(), data))

	docID, _ := DeriveDocID("raw-docs", "contracts/huge.md", "1")
	assert.Equal(t, models.StatusQuarantined, status.statusOf(docID))
	assert.Zero(t, store.fetches, "size ceiling must reject before fetching")
}
