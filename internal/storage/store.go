package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"eric_assistant/pkg"
)

// ErrNotFound is returned when an update targets a missing row
var ErrNotFound = errors.New("storage: record not found")

// MemoryQuery filters memories for retrieval
type MemoryQuery struct {
	UserID string
	Text   string         // case-insensitive substring of content or keywords; empty matches all
	Type   pkg.MemoryType // empty matches all types
	Limit  int
}

// Store persists memories, events and emotion samples. Every call is a
// self-contained operation; implementations hold no connection between calls.
type Store interface {
	InsertMemory(ctx context.Context, m pkg.Memory) error
	QueryMemories(ctx context.Context, q MemoryQuery) ([]pkg.Memory, error)

	InsertEvent(ctx context.Context, e pkg.Event) error
	// QueryEventsBetween returns incomplete events with from <= event_date <= to, ascending
	QueryEventsBetween(ctx context.Context, userID string, from, to time.Time) ([]pkg.Event, error)
	// QueryDueEvents returns incomplete events with reminder_date <= now, ascending
	QueryDueEvents(ctx context.Context, userID string, now time.Time) ([]pkg.Event, error)
	MarkEventCompleted(ctx context.Context, id string) error

	InsertEmotion(ctx context.Context, s pkg.EmotionSample) error
	// EmotionPattern groups samples since the given time, highest average first
	EmotionPattern(ctx context.Context, userID string, since time.Time) (pkg.EmotionPattern, error)

	Close() error
}

// ContextMirror is the durable copy of short-term context entries
type ContextMirror interface {
	// ReplaceContext deletes any row for the key and inserts the entry atomically
	ReplaceContext(ctx context.Context, userID string, e pkg.ContextEntry) error
	// LoadContext returns entries with expires_at > now
	LoadContext(ctx context.Context, userID string, now time.Time) ([]pkg.ContextEntry, error)
	// DeleteContext removes the given keys, or every key when none is given
	DeleteContext(ctx context.Context, userID string, keys ...string) error
	// PurgeExpiredContext removes rows with expires_at <= now
	PurgeExpiredContext(ctx context.Context, userID string, now time.Time) (int64, error)
}

func matchesMemory(m pkg.Memory, q MemoryQuery) bool {
	if q.UserID != "" && m.UserID != q.UserID {
		return false
	}
	if q.Type != "" && m.Type != q.Type {
		return false
	}
	if q.Text == "" {
		return true
	}
	needle := strings.ToLower(q.Text)
	if strings.Contains(strings.ToLower(m.Content), needle) {
		return true
	}
	for _, kw := range m.Keywords {
		if strings.Contains(strings.ToLower(kw), needle) {
			return true
		}
	}
	return false
}
