package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

// WorkflowsNotifier hands a finished run to a downstream Cloud Workflow.
type WorkflowsNotifier struct {
	client *executions.Client
	parent string
}

var _ services.Notifier = (*WorkflowsNotifier)(nil)

func NewWorkflowsNotifier(ctx context.Context, projectID, location, workflow string) (*WorkflowsNotifier, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowsNotifier{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflow),
	}, nil
}

func (w *WorkflowsNotifier) Notify(ctx context.Context, req models.NotifyRequest) error {
	payload := map[string]interface{}{
		"workflowId": req.WorkflowID,
		"runId":      req.RunID,
		"userId":     req.UserID,
		"fileName":   req.FileName,
		"status":     req.Status,
		"summary":    req.Summary,
		"error":      req.Error,
		"message":    services.NotificationMessage(req),
		"metadata":   req.Metadata,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	_, err = w.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    w.parent,
		Execution: &executionspb.Execution{Argument: string(payloadBytes)},
	})
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}

func (w *WorkflowsNotifier) Close() error {
	return w.client.Close()
}
