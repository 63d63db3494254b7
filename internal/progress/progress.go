// Package progress publishes run progress events for live consumers such as
// the workflow-control SSE endpoint.
package progress

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Event is one progress notification for a workflow.
type Event struct {
	ID         string    `json:"id,omitempty"`
	WorkflowID string    `json:"workflowId"`
	UserID     string    `json:"userId,omitempty"`
	Step       string    `json:"step"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher sends events. Publishing is best-effort; callers log errors and continue.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// MemoryPublisher keeps events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryPublisher) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (e Event) values() map[string]interface{} {
	return map[string]interface{}{
		"workflowId": e.WorkflowID,
		"userId":     e.UserID,
		"step":       e.Step,
		"progress":   e.Progress,
		"message":    e.Message,
		"ts":         e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func eventFrom(id string, v map[string]interface{}) Event {
	e := Event{ID: id}
	e.WorkflowID, _ = v["workflowId"].(string)
	e.UserID, _ = v["userId"].(string)
	e.Step, _ = v["step"].(string)
	e.Message, _ = v["message"].(string)
	if p, ok := v["progress"].(string); ok {
		e.Progress, _ = strconv.Atoi(p)
	}
	if ts, ok := v["ts"].(string); ok {
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return e
}
