package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/Lllllllleong/knowledgeingestflow/internal/gcp"
	"github.com/Lllllllleong/knowledgeingestflow/internal/services"
)

var (
	ingestorInstance *services.IngestorFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework will handle routing the event here.
	functions.CloudEvent("IngestMarkdown", ingestMarkdown)
}

// main is required by the Go Functions Framework.
func main() {}

// ingestMarkdown is the Cloud Function entry point for object-finalized
// notifications on the raw documents bucket.
func ingestMarkdown(ctx context.Context, e cloudevents.Event) error {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		ingestorInstance, initErr = gcp.NewIngestor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	// Event parsing and the acknowledge-vs-redeliver decision both live in
	// Process; a returned error marks the invocation failed for redelivery.
	return ingestorInstance.Process(ctx, e.Data())
}
