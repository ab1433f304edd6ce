// Package sessions persists conversation threads and their message
// history.
package sessions

import (
	"context"
	"errors"

	"github.com/fixerlabs/fixer/pkg/models"
)

// ErrNotFound is returned when a thread does not exist.
var ErrNotFound = errors.New("sessions: thread not found")

// Store is the interface for thread persistence.
type Store interface {
	// Get returns the thread or ErrNotFound.
	Get(ctx context.Context, threadID string) (*models.Thread, error)

	// GetOrCreate returns the thread, creating it on first use.
	GetOrCreate(ctx context.Context, threadID string) (*models.Thread, error)

	// Delete removes a thread and its history.
	Delete(ctx context.Context, threadID string) error

	// AppendMessage adds a message to the thread's history. The thread
	// must exist.
	AppendMessage(ctx context.Context, threadID string, msg *models.Message) error

	// History returns the thread's messages in order, oldest first.
	// A positive limit returns only the most recent messages. Returns
	// ErrNotFound if the thread does not exist.
	History(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
}
