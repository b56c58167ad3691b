// Package history persists conversation transcripts for post-call review.
// Text is PII-redacted before it reaches the store.
package history

import (
	"context"
	"time"
)

// Entry stores a single user or agent conversational turn.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	Interrupted bool      `json:"interrupted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts.
type Store interface {
	SaveEntry(ctx context.Context, entry Entry) error
	RecentBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
