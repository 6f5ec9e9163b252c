package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eric_assistant/internal/metrics"
	"eric_assistant/internal/storage"
	"eric_assistant/pkg"
)

// DefaultTTL applies when Set is called without a positive ttl
const DefaultTTL = 60 * time.Minute

// Service holds short-lived conversational context with per-entry expiry.
// Expired entries are evicted lazily on read and by the periodic sweep.
type Service struct {
	mu      sync.RWMutex
	entries map[string]pkg.ContextEntry

	// writeMu orders writers so map and mirror see updates in the same order
	writeMu sync.Mutex

	mirror     storage.ContextMirror
	userID     string
	defaultTTL time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithMirror persists entries to a durable mirror
func WithMirror(m storage.ContextMirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithDefaultTTL overrides the 60 minute default
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates a Context Service for userID
func NewService(userID string, opts ...Option) *Service {
	s := &Service{
		entries:    make(map[string]pkg.ContextEntry),
		userID:     userID,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "context").Str("user_id", userID).Logger()
	return s
}

// Set stores value under key, superseding any previous entry.
// The in-memory entry is kept even when the mirror write fails.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("context key cannot be empty")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	entry := pkg.ContextEntry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.ReplaceContext(ctx, s.userID, entry); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to mirror context entry")
			return fmt.Errorf("mirror context %q: %w", key, err)
		}
	}
	return nil
}

// Get returns the live value for key. An expired entry is evicted and reported absent.
func (s *Service) Get(key string) (any, bool) {
	now := s.now()

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.Live(now) {
		return entry.Value, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock; a concurrent Set may have replaced it
	current, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if current.Live(now) {
		return current.Value, true
	}
	delete(s.entries, key)
	metrics.ContextEvictionsTotal.WithLabelValues("lazy").Inc()
	return nil, false
}

// GetString is Get for string values
func (s *Service) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Has reports whether key holds a live entry
func (s *Service) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Clear removes the given keys, or every key when none is given
func (s *Service) Clear(ctx context.Context, keys ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if len(keys) == 0 {
		s.entries = make(map[string]pkg.ContextEntry)
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.DeleteContext(ctx, s.userID, keys...); err != nil {
			s.log.Warn().Err(err).Strs("keys", keys).Msg("failed to clear mirrored context")
			return fmt.Errorf("clear mirrored context: %w", err)
		}
	}
	return nil
}

// CleanupExpired removes every expired entry from memory and the mirror
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	removed := 0
	s.mu.Lock()
	for key, entry := range s.entries {
		if !entry.Live(now) {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		metrics.ContextEvictionsTotal.WithLabelValues("sweep").Add(float64(removed))
	}

	if s.mirror != nil {
		purged, err := s.mirror.PurgeExpiredContext(ctx, s.userID, now)
		if err != nil {
			return removed, fmt.Errorf("purge mirrored context: %w", err)
		}
		s.log.Debug().Int("removed", removed).Int64("purged_rows", purged).Msg("context sweep")
	}
	return removed, nil
}

// LoadFromStore rebuilds the map from live mirror rows, returning how many were loaded
func (s *Service) LoadFromStore(ctx context.Context) (int, error) {
	if s.mirror == nil {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	rows, err := s.mirror.LoadContext(ctx, s.userID, now)
	if err != nil {
		return 0, fmt.Errorf("load context: %w", err)
	}

	loaded := 0
	s.mu.Lock()
	for _, entry := range rows {
		if !entry.Live(now) {
			continue
		}
		s.entries[entry.Key] = entry
		loaded++
	}
	s.mu.Unlock()

	s.log.Info().Int("entries", loaded).Msg("context restored")
	return loaded, nil
}

// Len counts live entries
func (s *Service) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entry := range s.entries {
		if entry.Live(now) {
			n++
		}
	}
	return n
}

// Snapshot returns live entries ordered by key
func (s *Service) Snapshot() []pkg.ContextEntry {
	now := s.now()
	s.mu.RLock()
	out := make([]pkg.ContextEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.Live(now) {
			out = append(out, entry)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RunSweeper calls CleanupExpired every interval until ctx is done.
// A failing or panicking iteration is logged and the loop continues.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("context sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("context sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopFailuresTotal.WithLabelValues("context_sweeper").Inc()
			s.log.Error().Interface("panic", r).Msg("context sweep panicked")
		}
	}()
	if _, err := s.CleanupExpired(ctx); err != nil {
		metrics.LoopFailuresTotal.WithLabelValues("context_sweeper").Inc()
		s.log.Warn().Err(err).Msg("context sweep failed")
	}
}
