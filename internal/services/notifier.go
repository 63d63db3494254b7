package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// Run document statuses.
const (
	RunProcessing = "PROCESSING"
	RunCompleted  = "COMPLETED"
	RunFailed     = "FAILED"
	RunCanceled   = "CANCELED"
)

// NotificationMessage is the user-facing text for a finished run.
func NotificationMessage(req models.NotifyRequest) string {
	switch req.Status {
	case models.StatusSuccess:
		return fmt.Sprintf("Analysis of %s is complete.", req.FileName)
	case models.StatusCanceled:
		return fmt.Sprintf("Analysis of %s was canceled.", req.FileName)
	default:
		if req.Error != "" {
			return fmt.Sprintf("Analysis of %s failed: %s", req.FileName, req.Error)
		}
		return fmt.Sprintf("Analysis of %s failed.", req.FileName)
	}
}

func runStatus(status string) string {
	switch status {
	case models.StatusSuccess:
		return RunCompleted
	case models.StatusCanceled:
		return RunCanceled
	default:
		return RunFailed
	}
}

// Announcer records the terminal state of a run and notifies the user.
type Announcer struct {
	runs     RunStore
	notifier Notifier
}

func NewAnnouncer(runs RunStore, notifier Notifier) *Announcer {
	return &Announcer{runs: runs, notifier: notifier}
}

// Announce updates the run document first, then sends the notification. Both
// are attempted even when the first fails.
func (a *Announcer) Announce(ctx context.Context, req models.NotifyRequest) error {
	logCtx := slog.With("runId", req.RunID, "workflowId", req.WorkflowID, "status", req.Status)

	fields := map[string]interface{}{
		"status": runStatus(req.Status),
	}
	if req.Summary != "" {
		fields["summary"] = req.Summary
	}
	if req.Error != "" {
		fields["errorDetails"] = req.Error
	}
	if req.Metadata.ExtractedTextURI != "" {
		fields["resultTextUri"] = req.Metadata.ExtractedTextURI
	}

	var errs []error
	if a.runs != nil {
		if err := a.runs.UpdateRun(ctx, req.WorkflowID, fields); err != nil {
			logCtx.Error("Failed to update run status", "error", err)
			errs = append(errs, err)
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, req); err != nil {
			logCtx.Error("Failed to send notification", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		logCtx.Info("Run announced.")
	}
	return errors.Join(errs...)
}
