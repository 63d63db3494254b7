package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/progress"
)

// RunStatus is the status of one run as seen from outside the workflow.
type RunStatus struct {
	WorkflowID string                `json:"workflowId"`
	Status     models.PipelineStatus `json:"status"`
	// ExecutionStatus is the Temporal execution status, such as RUNNING or COMPLETED.
	ExecutionStatus string `json:"executionStatus,omitempty"`
	// Queried is false when the status query failed and only the execution
	// description was available.
	Queried bool `json:"queried"`
}

// RunController reads and steers running workflows.
type RunController interface {
	Status(ctx context.Context, workflowID string) (*RunStatus, error)
	Cancel(ctx context.Context, workflowID string) error
	SignalProgress(ctx context.Context, workflowID string, update models.ProgressUpdate) error
}

// ProgressReader reads progress streams after lastID: one workflow's stream,
// or the events of one user across all of their runs.
type ProgressReader interface {
	Read(ctx context.Context, workflowID, lastID string, block time.Duration) ([]progress.Event, string, error)
	ReadUser(ctx context.Context, userID, lastID string, block time.Duration) ([]progress.Event, string, error)
}

// SSEMessage is one server-sent event.
type SSEMessage struct {
	ID    string
	Event string
	Data  interface{}
}

// Control serves the status, cancel and progress endpoints of running workflows.
type Control struct {
	runs      RunController
	reader    ProgressReader
	publisher progress.Publisher
	poll      time.Duration
}

// NewControl builds the control surface. reader may be nil, in which case
// streams are driven by status polling alone.
func NewControl(runs RunController, reader ProgressReader, publisher progress.Publisher, poll time.Duration) *Control {
	if publisher == nil {
		publisher = progress.Nop{}
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Control{runs: runs, reader: reader, publisher: publisher, poll: poll}
}

// Cancel signals the workflow and tells stream consumers right away.
func (c *Control) Cancel(ctx context.Context, workflowID string) error {
	if err := c.runs.Cancel(ctx, workflowID); err != nil {
		return err
	}
	if err := c.publisher.Publish(ctx, progress.Event{
		WorkflowID: workflowID,
		Step:       models.StepCanceled,
		Message:    "Workflow cancelled by user",
		Timestamp:  time.Now(),
	}); err != nil {
		slog.Warn("Failed to publish cancel event", "workflowId", workflowID, "error", err)
	}
	return nil
}

// Stream emits progress events and status changes until the run reaches a
// terminal state, ctx ends or emit fails.
func (c *Control) Stream(ctx context.Context, workflowID, lastID string, emit func(SSEMessage) error) error {
	logCtx := slog.With("workflowId", workflowID)
	if lastID == "" {
		lastID = "0"
	}
	if err := emit(SSEMessage{Event: "connected", Data: map[string]interface{}{"workflowId": workflowID, "timestamp": time.Now().UTC()}}); err != nil {
		return err
	}

	var last models.PipelineStatus
	sent := false
	for {
		if c.reader != nil {
			events, next, err := c.reader.Read(ctx, workflowID, lastID, c.poll)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				logCtx.Error("Failed to read progress stream", "error", err)
				_ = emit(SSEMessage{Event: "error", Data: map[string]string{"message": err.Error()}})
				return err
			}
			lastID = next
			for _, e := range events {
				if err := emit(SSEMessage{ID: e.ID, Event: "progress", Data: e}); err != nil {
					return err
				}
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.poll):
			}
		}

		st, err := c.runs.Status(ctx, workflowID)
		if err != nil {
			logCtx.Debug("Status unavailable", "error", err)
			continue
		}
		if !sent || st.Status.Step != last.Step || st.Status.Progress != last.Progress || st.Status.Terminal() {
			if err := emit(SSEMessage{Event: "status", Data: st}); err != nil {
				return err
			}
			last, sent = st.Status, true
		}
		if st.Status.Terminal() || isClosedExecution(st.ExecutionStatus) {
			return emit(SSEMessage{Event: "disconnected", Data: map[string]interface{}{"workflowId": workflowID, "timestamp": time.Now().UTC()}})
		}
	}
}

// StreamUser emits the progress events of every run of one user until ctx
// ends or emit fails. Only new events are sent unless lastID says otherwise.
func (c *Control) StreamUser(ctx context.Context, userID, lastID string, emit func(SSEMessage) error) error {
	if lastID == "" {
		lastID = "$"
	}
	if err := emit(SSEMessage{Event: "connected", Data: map[string]interface{}{"userId": userID, "timestamp": time.Now().UTC()}}); err != nil {
		return err
	}
	for {
		events, next, err := c.reader.ReadUser(ctx, userID, lastID, c.poll)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Error("Failed to read user progress stream", "userId", userID, "error", err)
			_ = emit(SSEMessage{Event: "error", Data: map[string]string{"message": err.Error()}})
			return err
		}
		lastID = next
		for _, e := range events {
			if err := emit(SSEMessage{ID: e.ID, Event: "progress", Data: e}); err != nil {
				return err
			}
		}
	}
}

func isClosedExecution(status string) bool {
	switch strings.ToUpper(status) {
	case "", "RUNNING", "UNSPECIFIED":
		return false
	}
	return true
}

// Routes returns the HTTP surface:
//
//	GET  /workflows/{workflowID}/status
//	POST /workflows/{workflowID}/cancel
//	POST /workflows/{workflowID}/progress
//	GET  /workflows/{workflowID}/stream
//	GET  /users/{userID}/stream
func (c *Control) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Route("/workflows/{workflowID}", func(r chi.Router) {
		r.Get("/status", c.handleStatus)
		r.Post("/cancel", c.handleCancel)
		r.Post("/progress", c.handleProgress)
		r.Get("/stream", c.handleStream)
	})
	r.Get("/users/{userID}/stream", c.handleUserStream)
	return r
}

func (c *Control) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	st, err := c.runs.Status(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow status", "workflowId", id, "error", err)
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow not found: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *Control) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if err := c.Cancel(r.Context(), id); err != nil {
		slog.Error("Failed to cancel workflow", "workflowId", id, "error", err)
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow not found: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflowId": id,
		"status":     "cancel_requested",
		"timestamp":  time.Now().UTC(),
	})
}

func (c *Control) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	var update models.ProgressUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse JSON")
		return
	}
	if update.Progress < 0 || update.Progress > 100 {
		writeError(w, http.StatusBadRequest, "progress must be between 0 and 100")
		return
	}
	if models.IsTerminalStep(update.Step) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("step %q is set by the workflow only", update.Step))
		return
	}
	if err := c.runs.SignalProgress(r.Context(), id, update); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow not found: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": id, "status": "signaled"})
}

func (c *Control) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastId")
	}
	err := c.Stream(r.Context(), id, lastID, func(m SSEMessage) error {
		if err := WriteSSE(w, m); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Progress stream ended with error", "workflowId", id, "error", err)
	}
}

func (c *Control) handleUserStream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if c.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "user streams need a progress store")
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastId")
	}
	err := c.StreamUser(r.Context(), userID, lastID, func(m SSEMessage) error {
		if err := WriteSSE(w, m); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("User progress stream ended with error", "userId", userID, "error", err)
	}
}

// WriteSSE writes one event in text/event-stream framing.
func WriteSSE(w http.ResponseWriter, m SSEMessage) error {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	var b strings.Builder
	if m.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", m.ID)
	}
	if m.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", m.Event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	_, err = w.Write([]byte(b.String()))
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
