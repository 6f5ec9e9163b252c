package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eric_assistant/internal/metrics"
	"eric_assistant/internal/storage"
	"eric_assistant/pkg"
)

const (
	DefaultImportance     = 1.0
	DefaultRetrieveLimit  = 10
	DefaultReminderOffset = 60 * time.Minute
	DefaultUpcomingDays   = 7
	DefaultPatternDays    = 7
)

// Service is the durable memory of a single user
type Service struct {
	store  storage.Store
	userID string
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates a Memory Service scoped to userID
func NewService(store storage.Store, userID string, opts ...Option) *Service {
	s := &Service{
		store:  store,
		userID: userID,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "memory").Str("user_id", userID).Logger()
	return s
}

// UserID returns the user the service is scoped to
func (s *Service) UserID() string {
	return s.userID
}

// MemoryOption sets optional memory fields
type MemoryOption func(*pkg.Memory)

// WithKeywords attaches search keywords
func WithKeywords(keywords ...string) MemoryOption {
	return func(m *pkg.Memory) { m.Keywords = append(m.Keywords, keywords...) }
}

// WithImportance overrides the default importance of 1.0
func WithImportance(score float64) MemoryOption {
	return func(m *pkg.Memory) { m.ImportanceScore = score }
}

// WithTags attaches context tags
func WithTags(tags ...string) MemoryOption {
	return func(m *pkg.Memory) { m.ContextTags = append(m.ContextTags, tags...) }
}

// StoreMemory persists a new memory
func (s *Service) StoreMemory(ctx context.Context, content string, memType pkg.MemoryType, opts ...MemoryOption) error {
	const op = "store_memory"

	m := pkg.Memory{
		ID:              uuid.NewString(),
		UserID:          s.userID,
		Type:            memType,
		Content:         strings.TrimSpace(content),
		Keywords:        []string{},
		ImportanceScore: DefaultImportance,
		ContextTags:     []string{},
		CreatedAt:       s.now(),
	}
	for _, opt := range opts {
		opt(&m)
	}

	if m.Content == "" {
		return s.fail(op, invalidError(op, "content cannot be empty"))
	}
	if m.ImportanceScore < 0 {
		return s.fail(op, invalidError(op, "importance must be >= 0, got %v", m.ImportanceScore))
	}
	switch m.Type {
	case pkg.MemoryFact, pkg.MemoryEventDerived, pkg.MemoryConversation:
	default:
		return s.fail(op, invalidError(op, "unknown memory type %q", m.Type))
	}

	if err := s.store.InsertMemory(ctx, m); err != nil {
		return s.fail(op, storageError(op, err))
	}
	s.log.Debug().Str("memory_id", m.ID).Str("type", string(m.Type)).Float64("importance", m.ImportanceScore).Msg("memory stored")
	return nil
}

// Query selects memories for RetrieveMemories
type Query struct {
	Text  string
	Type  pkg.MemoryType
	Limit int
}

// RetrieveMemories returns matching memories ranked by importance then recency.
// On failure it returns an empty slice along with the error.
func (s *Service) RetrieveMemories(ctx context.Context, q Query) ([]pkg.Memory, error) {
	const op = "retrieve_memories"

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	found, err := s.store.QueryMemories(ctx, storage.MemoryQuery{
		UserID: s.userID,
		Text:   strings.TrimSpace(q.Text),
		Type:   q.Type,
		Limit:  limit,
	})
	if err != nil {
		return []pkg.Memory{}, s.fail(op, storageError(op, err))
	}
	return found, nil
}

// EventOption sets optional event fields
type EventOption func(*eventParams)

type eventParams struct {
	description string
	offset      time.Duration
}

// WithDescription sets the event description
func WithDescription(description string) EventOption {
	return func(p *eventParams) { p.description = description }
}

// WithReminderOffset sets how long before the event the reminder fires
func WithReminderOffset(offset time.Duration) EventOption {
	return func(p *eventParams) { p.offset = offset }
}

// StoreEvent persists an event with reminder = eventDate - offset
func (s *Service) StoreEvent(ctx context.Context, title string, eventDate time.Time, opts ...EventOption) (pkg.Event, error) {
	const op = "store_event"

	params := eventParams{offset: DefaultReminderOffset}
	for _, opt := range opts {
		opt(&params)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return pkg.Event{}, s.fail(op, invalidError(op, "title cannot be empty"))
	}
	if eventDate.IsZero() {
		return pkg.Event{}, s.fail(op, invalidError(op, "event date is required"))
	}
	if params.offset < 0 {
		return pkg.Event{}, s.fail(op, invalidError(op, "reminder offset must be >= 0, got %s", params.offset))
	}

	e := pkg.Event{
		ID:           uuid.NewString(),
		UserID:       s.userID,
		Title:        title,
		Description:  params.description,
		EventDate:    eventDate,
		ReminderDate: eventDate.Add(-params.offset),
	}
	if err := s.store.InsertEvent(ctx, e); err != nil {
		return pkg.Event{}, s.fail(op, storageError(op, err))
	}
	s.log.Info().Str("event_id", e.ID).Time("event_date", e.EventDate).Time("reminder_date", e.ReminderDate).Msg("event stored")
	return e, nil
}

// UpcomingEvents returns incomplete events dated within daysAhead, soonest first
func (s *Service) UpcomingEvents(ctx context.Context, daysAhead int) ([]pkg.Event, error) {
	const op = "upcoming_events"

	if daysAhead <= 0 {
		daysAhead = DefaultUpcomingDays
	}
	now := s.now()
	events, err := s.store.QueryEventsBetween(ctx, s.userID, now, now.AddDate(0, 0, daysAhead))
	if err != nil {
		return []pkg.Event{}, s.fail(op, storageError(op, err))
	}
	return events, nil
}

// DueEvents returns incomplete events whose reminder time has passed
func (s *Service) DueEvents(ctx context.Context) ([]pkg.Event, error) {
	const op = "due_events"

	events, err := s.store.QueryDueEvents(ctx, s.userID, s.now())
	if err != nil {
		return []pkg.Event{}, s.fail(op, storageError(op, err))
	}
	return events, nil
}

// CompleteEvent marks an event so its reminder never fires again
func (s *Service) CompleteEvent(ctx context.Context, id string) error {
	const op = "complete_event"

	if err := s.store.MarkEventCompleted(ctx, id); err != nil {
		return s.fail(op, storageError(op, err))
	}
	return nil
}

// StoreEmotionSample appends an emotion observation. Confidence is clamped to [0,1].
func (s *Service) StoreEmotionSample(ctx context.Context, emotion string, confidence float64, text string) error {
	const op = "store_emotion"

	if strings.TrimSpace(emotion) == "" {
		return s.fail(op, invalidError(op, "emotion label cannot be empty"))
	}
	sample := pkg.EmotionSample{
		ID:         uuid.NewString(),
		UserID:     s.userID,
		Emotion:    emotion,
		Confidence: clamp01(confidence),
		SourceText: text,
		Timestamp:  s.now(),
	}
	if err := s.store.InsertEmotion(ctx, sample); err != nil {
		return s.fail(op, storageError(op, err))
	}
	return nil
}

// EmotionPattern aggregates the last days of samples, highest average first
func (s *Service) EmotionPattern(ctx context.Context, days int) (pkg.EmotionPattern, error) {
	const op = "emotion_pattern"

	if days <= 0 {
		days = DefaultPatternDays
	}
	pattern, err := s.store.EmotionPattern(ctx, s.userID, s.now().AddDate(0, 0, -days))
	if err != nil {
		return pkg.EmotionPattern{}, s.fail(op, storageError(op, err))
	}
	return pattern, nil
}

func (s *Service) fail(op string, err *Error) error {
	if err.Kind == KindStorage {
		metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
	}
	s.log.Warn().Err(err.Err).Str("op", op).Str("kind", string(err.Kind)).Msg("memory operation failed")
	return err
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
