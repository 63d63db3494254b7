package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/docanalysis/internal/models"
)

// MemoryStore is an in-process ObjectStore. It backs local runs and tests.
type MemoryStore struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *MemoryStore) Handle(name string) string {
	return "gs://" + m.bucket + "/" + name
}

// Seed stores an object under an arbitrary handle, such as an upload in another bucket.
func (m *MemoryStore) Seed(handle string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[handle] = append([]byte(nil), data...)
}

func (m *MemoryStore) Put(_ context.Context, name string, data []byte, contentType string) (string, error) {
	h := m.Handle(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[h]; !ok {
		m.objects[h] = append([]byte(nil), data...)
		m.types[h] = contentType
	}
	return h, nil
}

func (m *MemoryStore) Get(_ context.Context, handle string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	data, err := m.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	full := m.Handle(prefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h := range m.objects {
		if strings.HasPrefix(h, full) {
			delete(m.objects, h)
			delete(m.types, h)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SignedURL(_ context.Context, handle string, ttl time.Duration) (string, error) {
	name := strings.TrimPrefix(handle, "gs://")
	return fmt.Sprintf("https://storage.example.test/%s?expires=%d", name, int64(ttl.Seconds())), nil
}

// Names lists the stored handles under prefix in sorted order.
func (m *MemoryStore) Names(prefix string) []string {
	full := m.Handle(prefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for h := range m.objects {
		if strings.HasPrefix(h, full) {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

func (m *MemoryStore) ContentType(handle string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[handle]
}

// MemoryRuns is an in-process RunStore.
type MemoryRuns struct {
	mu   sync.Mutex
	runs map[string]map[string]interface{}
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{runs: map[string]map[string]interface{}{}}
}

func (m *MemoryRuns) CreateRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.WorkflowID] = map[string]interface{}{
		"runId":        run.RunID,
		"userId":       run.UserID,
		"fileName":     run.FileName,
		"analysisType": string(run.AnalysisType),
		"contentType":  run.ContentType,
		"pageCount":    run.PageCount,
		"status":       run.Status,
	}
	return nil
}

func (m *MemoryRuns) UpdateRun(_ context.Context, workflowID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.runs[workflowID]
	if !ok {
		doc = map[string]interface{}{}
		m.runs[workflowID] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

// Run returns a copy of the stored fields of a run.
func (m *MemoryRuns) Run(workflowID string) (map[string]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.runs[workflowID]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true
}

// MemoryNotifier records notifications.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []models.NotifyRequest
}

func (m *MemoryNotifier) Notify(_ context.Context, req models.NotifyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	return nil
}

func (m *MemoryNotifier) Sent() []models.NotifyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NotifyRequest(nil), m.sent...)
}
