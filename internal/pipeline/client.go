package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/Lllllllleong/docanalysis/internal/logging"
	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

// Client starts and steers analysis runs. It implements
// services.WorkflowStarter and services.RunController.
type Client struct {
	temporal  client.Client
	taskQueue string
}

var (
	_ services.WorkflowStarter = (*Client)(nil)
	_ services.RunController   = (*Client)(nil)
)

// Dial connects to the Temporal frontend. metrics may be nil.
func Dial(hostPort, namespace string, logger *slog.Logger, metrics client.MetricsHandler) (client.Client, error) {
	opts := client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    logging.Temporal(logger),
	}
	if metrics != nil {
		opts.MetricsHandler = metrics
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", hostPort, err)
	}
	return c, nil
}

func NewClient(c client.Client, taskQueue string) *Client {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Client{temporal: c, taskQueue: taskQueue}
}

// StartAnalysis starts a run under workflowID. Starting an ID that is already
// running returns the existing run.
func (c *Client) StartAnalysis(ctx context.Context, workflowID string, req models.AnalysisRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	run, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}, WorkflowName, req)
	if err != nil {
		return "", fmt.Errorf("failed to start workflow %s: %w", workflowID, err)
	}
	return run.GetRunID(), nil
}

// Submit starts a run under a fresh workflow ID and returns that ID.
func (c *Client) Submit(ctx context.Context, req models.AnalysisRequest) (string, error) {
	workflowID := "analyze-" + uuid.NewString()
	if _, err := c.StartAnalysis(ctx, workflowID, req); err != nil {
		return "", err
	}
	return workflowID, nil
}

// Status queries the workflow. When the query cannot be answered, for example
// because no worker is polling, it falls back to the execution description.
func (c *Client) Status(ctx context.Context, workflowID string) (*services.RunStatus, error) {
	val, qerr := c.temporal.QueryWorkflow(ctx, workflowID, "", StatusQuery)
	if qerr == nil {
		var st models.PipelineStatus
		if err := val.Get(&st); err != nil {
			return nil, fmt.Errorf("failed to decode status of %s: %w", workflowID, err)
		}
		return &services.RunStatus{WorkflowID: workflowID, Status: st, ExecutionStatus: executionStatusOf(st), Queried: true}, nil
	}

	desc, err := c.temporal.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to describe workflow %s: %w", workflowID, err)
	}
	status := strings.TrimPrefix(strings.ToUpper(desc.GetWorkflowExecutionInfo().GetStatus().String()), "WORKFLOW_EXECUTION_STATUS_")
	return &services.RunStatus{
		WorkflowID:      workflowID,
		Status:          models.PipelineStatus{Step: "unknown", Error: qerr.Error()},
		ExecutionStatus: status,
	}, nil
}

func executionStatusOf(st models.PipelineStatus) string {
	if st.Terminal() {
		return "COMPLETED"
	}
	return "RUNNING"
}

// Cancel asks the workflow to stop at its next step boundary.
func (c *Client) Cancel(ctx context.Context, workflowID string) error {
	if err := c.temporal.SignalWorkflow(ctx, workflowID, "", CancelSignal, nil); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", workflowID, err)
	}
	return nil
}

func (c *Client) SignalProgress(ctx context.Context, workflowID string, update models.ProgressUpdate) error {
	if err := c.temporal.SignalWorkflow(ctx, workflowID, "", ProgressSignal, update); err != nil {
		return fmt.Errorf("failed to signal progress to %s: %w", workflowID, err)
	}
	return nil
}

// Result blocks until the run ends.
func (c *Client) Result(ctx context.Context, workflowID string) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	if err := c.temporal.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow %s did not return a result: %w", workflowID, err)
	}
	return &result, nil
}

func (c *Client) Close() {
	c.temporal.Close()
}
