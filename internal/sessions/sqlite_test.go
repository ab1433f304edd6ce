package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fixerlabs/fixer/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	if _, err := store.GetOrCreate(ctx, "t1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "web_search", Input: json.RawMessage(`{"query":"go"}`)}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "found it"}}},
		{Role: models.RoleAssistant, Content: "answer"},
	}
	for _, msg := range msgs {
		if err := store.AppendMessage(ctx, "t1", msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.History(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[1].ToolCalls[0].Name != "web_search" {
		t.Errorf("tool call name = %q", history[1].ToolCalls[0].Name)
	}
	if string(history[1].ToolCalls[0].Input) != `{"query":"go"}` {
		t.Errorf("tool call input = %s", history[1].ToolCalls[0].Input)
	}
	if history[2].ToolResults[0].Content != "found it" {
		t.Errorf("tool result = %+v", history[2].ToolResults[0])
	}
	if history[3].Content != "answer" {
		t.Errorf("final message = %q", history[3].Content)
	}
}

func TestSQLiteMissingThread(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if _, err := store.History(ctx, "nope", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("History err = %v, want ErrNotFound", err)
	}
	err := store.AppendMessage(ctx, "nope", &models.Message{Role: models.RoleUser})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteGetOrCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	first, err := store.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Error("GetOrCreate recreated an existing thread")
	}
}

func TestSQLiteHistoryLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	store.GetOrCreate(ctx, "t1")

	for _, content := range []string{"a", "b", "c"} {
		if err := store.AppendMessage(ctx, "t1", &models.Message{Role: models.RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.History(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Content != "b" || history[1].Content != "c" {
		t.Errorf("limited history = %+v", history)
	}
}

func TestSQLiteDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	store.GetOrCreate(ctx, "t1")
	store.AppendMessage(ctx, "t1", &models.Message{Role: models.RoleUser, Content: "x"})

	if err := store.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}
