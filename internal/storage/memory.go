package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"eric_assistant/pkg"
)

// MemoryStore is an in-process implementation for development and tests
type MemoryStore struct {
	mu       sync.RWMutex
	memories []pkg.Memory
	events   map[string]pkg.Event
	emotions []pkg.EmotionSample
	context  map[string]map[string]pkg.ContextEntry // user -> key -> entry
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ ContextMirror = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string]pkg.Event),
		context: make(map[string]map[string]pkg.ContextEntry),
	}
}

func (m *MemoryStore) InsertMemory(ctx context.Context, mem pkg.Memory) error {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	mem.Keywords = append([]string(nil), mem.Keywords...)
	mem.ContextTags = append([]string(nil), mem.ContextTags...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories = append(m.memories, mem)
	return nil
}

func (m *MemoryStore) QueryMemories(ctx context.Context, q MemoryQuery) ([]pkg.Memory, error) {
	m.mu.RLock()
	out := make([]pkg.Memory, 0)
	// Walk newest first so the stable sort keeps recency as the tie-breaker
	for i := len(m.memories) - 1; i >= 0; i-- {
		if matchesMemory(m.memories[i], q) {
			out = append(out, m.memories[i])
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, e pkg.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[e.ID]; exists {
		return fmt.Errorf("insert event: duplicate id %s", e.ID)
	}
	m.events[e.ID] = e
	return nil
}

func (m *MemoryStore) QueryEventsBetween(ctx context.Context, userID string, from, to time.Time) ([]pkg.Event, error) {
	return m.filterEvents(func(e pkg.Event) bool {
		return e.UserID == userID && !e.IsCompleted && !e.EventDate.Before(from) && !e.EventDate.After(to)
	}, func(e pkg.Event) time.Time { return e.EventDate }), nil
}

func (m *MemoryStore) QueryDueEvents(ctx context.Context, userID string, now time.Time) ([]pkg.Event, error) {
	return m.filterEvents(func(e pkg.Event) bool {
		return e.UserID == userID && !e.IsCompleted && !e.ReminderDate.After(now)
	}, func(e pkg.Event) time.Time { return e.ReminderDate }), nil
}

func (m *MemoryStore) filterEvents(keep func(pkg.Event) bool, by func(pkg.Event) time.Time) []pkg.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pkg.Event, 0)
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !by(out[i]).Equal(by(out[j])) {
			return by(out[i]).Before(by(out[j]))
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) MarkEventCompleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("complete event %s: %w", id, ErrNotFound)
	}
	e.IsCompleted = true
	m.events[id] = e
	return nil
}

func (m *MemoryStore) InsertEmotion(ctx context.Context, s pkg.EmotionSample) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emotions = append(m.emotions, s)
	return nil
}

func (m *MemoryStore) EmotionPattern(ctx context.Context, userID string, since time.Time) (pkg.EmotionPattern, error) {
	type acc struct {
		sum   float64
		count int
	}
	groups := make(map[string]*acc)

	m.mu.RLock()
	for _, s := range m.emotions {
		if s.UserID != userID || s.Timestamp.Before(since) {
			continue
		}
		a, ok := groups[s.Emotion]
		if !ok {
			a = &acc{}
			groups[s.Emotion] = a
		}
		a.sum += s.Confidence
		a.count++
	}
	m.mu.RUnlock()

	out := make(pkg.EmotionPattern, 0, len(groups))
	for emotion, a := range groups {
		out = append(out, pkg.EmotionStat{
			Emotion:       emotion,
			AvgConfidence: a.sum / float64(a.count),
			Count:         a.count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgConfidence != out[j].AvgConfidence {
			return out[i].AvgConfidence > out[j].AvgConfidence
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emotion < out[j].Emotion
	})
	return out, nil
}

func (m *MemoryStore) ReplaceContext(ctx context.Context, userID string, e pkg.ContextEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.context[userID]
	if !ok {
		entries = make(map[string]pkg.ContextEntry)
		m.context[userID] = entries
	}
	entries[e.Key] = e
	return nil
}

func (m *MemoryStore) LoadContext(ctx context.Context, userID string, now time.Time) ([]pkg.ContextEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pkg.ContextEntry, 0)
	for _, e := range m.context[userID] {
		if e.Live(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DeleteContext(ctx context.Context, userID string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 {
		delete(m.context, userID)
		return nil
	}
	for _, key := range keys {
		delete(m.context[userID], key)
	}
	return nil
}

func (m *MemoryStore) PurgeExpiredContext(ctx context.Context, userID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, e := range m.context[userID] {
		if !e.Live(now) {
			delete(m.context[userID], key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
