package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreRuns stores one document per workflow in the runs collection.
type FirestoreRuns struct {
	client     *firestore.Client
	collection string
}

var _ services.RunStore = (*FirestoreRuns)(nil)

func NewFirestoreRuns(client *firestore.Client, collection string) *FirestoreRuns {
	if collection == "" {
		collection = "runs"
	}
	return &FirestoreRuns{client: client, collection: collection}
}

// CreateRun writes the run document. Retries overwrite it with the same content.
func (f *FirestoreRuns) CreateRun(ctx context.Context, run models.Run) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if _, err := f.client.Collection(f.collection).Doc(run.WorkflowID).Set(ctx, run); err != nil {
		return fmt.Errorf("failed to create run document: %w", err)
	}
	return nil
}

func (f *FirestoreRuns) UpdateRun(ctx context.Context, workflowID string, fields map[string]interface{}) error {
	data := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["updatedAt"] = time.Now()
	if _, err := f.client.Collection(f.collection).Doc(workflowID).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to update run document: %w", err)
	}
	return nil
}

// FirestoreNotifier adds a document to the notifications collection for the user.
type FirestoreNotifier struct {
	client     *firestore.Client
	collection string
}

var _ services.Notifier = (*FirestoreNotifier)(nil)

func NewFirestoreNotifier(client *firestore.Client, collection string) *FirestoreNotifier {
	if collection == "" {
		collection = "notifications"
	}
	return &FirestoreNotifier{client: client, collection: collection}
}

func (n *FirestoreNotifier) Notify(ctx context.Context, req models.NotifyRequest) error {
	note := models.Notification{
		UserID:     req.UserID,
		WorkflowID: req.WorkflowID,
		FileName:   req.FileName,
		Status:     req.Status,
		Message:    services.NotificationMessage(req),
		CreatedAt:  time.Now(),
	}
	// Keyed by workflow so a retried notify does not duplicate the message.
	if _, err := n.client.Collection(n.collection).Doc(req.WorkflowID).Set(ctx, note); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}
