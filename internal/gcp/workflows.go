package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/knowledgeingestflow/internal/services"
)

// WorkflowLauncher starts a Cloud Workflows execution after a document has
// been fully ingested, handing the document ID downstream for indexing or
// notification steps.
type WorkflowLauncher struct {
	client           *executions.Client
	projectID        string
	workflowLocation string
	workflowID       string
}

var _ services.WorkflowLauncher = (*WorkflowLauncher)(nil)

func NewWorkflowLauncher(ctx context.Context, projectID, workflowLocation, workflowID string) (*WorkflowLauncher, error) {
	if projectID == "" || workflowLocation == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowLauncher: projectID, workflowLocation and workflowID cannot be empty")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("executions.NewClient: %w", err)
	}
	return &WorkflowLauncher{
		client:           client,
		projectID:        projectID,
		workflowLocation: workflowLocation,
		workflowID:       workflowID,
	}, nil
}

func (l *WorkflowLauncher) Close() error {
	return l.client.Close()
}

func (l *WorkflowLauncher) Launch(ctx context.Context, docID string, chunkCount int) error {
	payload := map[string]interface{}{
		"documentId": docID,
		"chunkCount": chunkCount,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", l.projectID, l.workflowLocation, l.workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := l.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}
