package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Lllllllleong/knowledgeingestflow/internal/services"
)

const (
	defaultEmbedBatchSize = 16
	maxEmbedAttempts      = 5
	maxInvalidResponses   = 2
	embedBaseDelay        = 500 * time.Millisecond
	embedMaxDelay         = 8 * time.Second
	embedCallTimeout      = 60 * time.Second
)

// VertexEmbedder implements services.Embedder on the Vertex AI prediction
// API, batching chunk texts into publisher-model Predict calls. Throttling
// and transient unavailability are retried internally with exponential
// backoff and jitter, so a single provider hiccup does not burn a full
// message redelivery cycle.
type VertexEmbedder struct {
	client      *aiplatform.PredictionClient
	endpoint    string
	modelID     string
	batchSize   int
	expectedDim int
}

var _ services.Embedder = (*VertexEmbedder)(nil)

// NewVertexEmbedder creates an embedder for the given publisher model.
// batchSize <= 0 selects the default; expectedDim 0 accepts whatever
// dimension the provider returns (as long as it is internally consistent).
func NewVertexEmbedder(ctx context.Context, projectID, region, modelID string, batchSize, expectedDim int) (*VertexEmbedder, error) {
	if projectID == "" || region == "" || modelID == "" {
		return nil, fmt.Errorf("NewVertexEmbedder: projectID, region and modelID cannot be empty")
	}
	client, err := aiplatform.NewPredictionClient(ctx,
		option.WithEndpoint(fmt.Sprintf("%s-aiplatform.googleapis.com:443", region)))
	if err != nil {
		return nil, fmt.Errorf("aiplatform.NewPredictionClient: %w", err)
	}
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}
	return &VertexEmbedder{
		client:      client,
		endpoint:    fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", projectID, region, modelID),
		modelID:     modelID,
		batchSize:   batchSize,
		expectedDim: expectedDim,
	}, nil
}

func (e *VertexEmbedder) Close() error {
	return e.client.Close()
}

// EmbedTexts embeds texts in order, batching up to the configured limit per
// provider call. A failed batch fails the whole operation; no partial result
// is ever returned. Every returned vector is validated to share one
// dimension.
func (e *VertexEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) == 0 {
		return vectors, nil
	}
	dimension := len(vectors[0])
	if e.expectedDim > 0 && dimension != e.expectedDim {
		return nil, fmt.Errorf("%w: model %s returned dimension %d, expected %d",
			services.ErrInvalidModelResponse, e.modelID, dimension, e.expectedDim)
	}
	for i, vector := range vectors {
		if len(vector) != dimension {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, others %d",
				services.ErrInvalidModelResponse, i, len(vector), dimension)
		}
	}
	return vectors, nil
}

// embedBatch performs one Predict call with bounded retries. Malformed
// responses get a small number of retries of their own before surfacing as a
// terminal ErrInvalidModelResponse.
func (e *VertexEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := embedBaseDelay
	invalidResponses := 0

	for attempt := 1; attempt <= maxEmbedAttempts; attempt++ {
		vectors, err := e.predict(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, services.ErrInvalidModelResponse):
			invalidResponses++
			if invalidResponses > maxInvalidResponses {
				return nil, err
			}
		case errors.Is(err, services.ErrProviderThrottled), errors.Is(err, services.ErrProviderUnavailable):
			// Retryable within this invocation.
		default:
			return nil, err
		}

		if attempt == maxEmbedAttempts {
			break
		}
		delay := jitter(backoff)
		slog.Warn("Embedding call failed, will retry.",
			"attempt", attempt,
			"maxAttempts", maxEmbedAttempts,
			"backoff", delay.String(),
			"error", err,
		)
		select {
		case <-time.After(delay):
			if backoff < embedMaxDelay {
				backoff *= 2
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", maxEmbedAttempts, lastErr)
}

func (e *VertexEmbedder) predict(ctx context.Context, texts []string) ([][]float32, error) {
	instances := make([]*structpb.Value, len(texts))
	for i, text := range texts {
		instances[i] = structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"content":   structpb.NewStringValue(text),
				"task_type": structpb.NewStringValue("RETRIEVAL_DOCUMENT"),
			},
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, embedCallTimeout)
	defer cancel()
	resp, err := e.client.Predict(callCtx, &aiplatformpb.PredictRequest{
		Endpoint:  e.endpoint,
		Instances: instances,
	})
	if err != nil {
		return nil, classifyPredictError(err)
	}
	if len(resp.GetPredictions()) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d predictions, got %d",
			services.ErrInvalidModelResponse, len(texts), len(resp.GetPredictions()))
	}

	vectors := make([][]float32, len(texts))
	for i, prediction := range resp.GetPredictions() {
		values, err := extractEmbedding(prediction)
		if err != nil {
			return nil, err
		}
		vectors[i] = values
	}
	return vectors, nil
}

// extractEmbedding pulls embeddings.values out of one prediction struct, the
// response shape of the Vertex text embedding publisher models.
func extractEmbedding(prediction *structpb.Value) ([]float32, error) {
	embeddings := prediction.GetStructValue().GetFields()["embeddings"]
	if embeddings == nil {
		return nil, fmt.Errorf("%w: prediction missing embeddings", services.ErrInvalidModelResponse)
	}
	list := embeddings.GetStructValue().GetFields()["values"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, fmt.Errorf("%w: embedding missing values", services.ErrInvalidModelResponse)
	}
	values := make([]float32, len(list.GetValues()))
	for i, value := range list.GetValues() {
		values[i] = float32(value.GetNumberValue())
	}
	return values, nil
}

// classifyPredictError maps gRPC provider failures onto the pipeline error
// taxonomy. Unrecognized errors pass through and default to retryable at the
// message level.
func classifyPredictError(err error) error {
	switch grpcstatus.Code(err) {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", services.ErrProviderThrottled, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", services.ErrProviderUnavailable, err)
	}
	return err
}

// jitter spreads retry delays so parallel invocations do not re-throttle in
// lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + 0.5*rand.Float64()))
}
