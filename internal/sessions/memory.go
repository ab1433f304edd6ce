package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fixerlabs/fixer/pkg/models"
)

// maxMessagesPerThread limits messages stored per thread to prevent
// unbounded memory growth. When exceeded, old messages are trimmed.
const maxMessagesPerThread = 1000

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
	}
}

func (m *MemoryStore) Get(ctx context.Context, threadID string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(thread), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if thread, ok := m.threads[threadID]; ok {
		return cloneThread(thread), nil
	}

	now := time.Now()
	thread := &models.Thread{
		ID:        threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.threads[threadID] = thread
	return cloneThread(thread), nil
}

func (m *MemoryStore) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return ErrNotFound
	}
	delete(m.threads, threadID)
	delete(m.messages, threadID)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	clone.ThreadID = threadID
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.messages[threadID] = append(m.messages[threadID], clone)
	thread.UpdatedAt = clone.CreatedAt

	// Trim old messages to keep memory bounded.
	if len(m.messages[threadID]) > maxMessagesPerThread {
		excess := len(m.messages[threadID]) - maxMessagesPerThread
		m.messages[threadID] = m.messages[threadID][excess:]
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	messages := m.messages[threadID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared
// references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

func cloneThread(thread *models.Thread) *models.Thread {
	if thread == nil {
		return nil
	}
	clone := *thread
	if thread.Metadata != nil {
		clone.Metadata = deepCloneMap(thread.Metadata)
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}
