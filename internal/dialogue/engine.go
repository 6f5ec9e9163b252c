package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eric_assistant/internal/memory"
	"eric_assistant/internal/metrics"
	"eric_assistant/internal/nlu"
	"eric_assistant/pkg"
)

// Context keys written by the engine
const (
	KeyLastIntent   = "last_intent"
	KeyLastEmotion  = "last_emotion"
	KeyPendingEvent = "pending_event"
)

const (
	// PendingEventTTL bounds how long a dateless event waits for its date
	PendingEventTTL = 10 * time.Minute
	// EventReminderOffset is how long before an event its reminder fires
	EventReminderOffset = 1440 * time.Minute
	// DefaultHistoryTurns is returned by ConversationHistory for a non-positive count
	DefaultHistoryTurns = 3
)

// MemoryService is the durable memory the engine reads and writes
type MemoryService interface {
	StoreMemory(ctx context.Context, content string, memType pkg.MemoryType, opts ...memory.MemoryOption) error
	RetrieveMemories(ctx context.Context, q memory.Query) ([]pkg.Memory, error)
	StoreEvent(ctx context.Context, title string, eventDate time.Time, opts ...memory.EventOption) (pkg.Event, error)
	UpcomingEvents(ctx context.Context, daysAhead int) ([]pkg.Event, error)
	StoreEmotionSample(ctx context.Context, emotion string, confidence float64, text string) error
	EmotionPattern(ctx context.Context, days int) (pkg.EmotionPattern, error)
}

// ContextService is the short-lived key/value store of the current session
type ContextService interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	GetString(key string) (string, bool)
	Clear(ctx context.Context, keys ...string) error
}

// ReminderObserver receives every reminder the engine delivers
type ReminderObserver func(ctx context.Context, text string, event pkg.Event)

// Components are the collaborators an Engine is built from. Speaker is optional.
type Components struct {
	Intents   pkg.IntentClassifier
	Emotions  pkg.EmotionClassifier
	Extractor pkg.EntityExtractor
	Memory    MemoryService
	Context   ContextService
	Speaker   pkg.Speaker
}

func (c Components) validate() error {
	var errs []error
	if c.Intents == nil {
		errs = append(errs, errors.New("intent classifier is required"))
	}
	if c.Emotions == nil {
		errs = append(errs, errors.New("emotion classifier is required"))
	}
	if c.Extractor == nil {
		errs = append(errs, errors.New("entity extractor is required"))
	}
	if c.Memory == nil {
		errs = append(errs, errors.New("memory service is required"))
	}
	if c.Context == nil {
		errs = append(errs, errors.New("context service is required"))
	}
	return errors.Join(errs...)
}

// Engine turns utterances into responses
type Engine struct {
	Components

	picker Picker
	ledger *Ledger
	now    func() time.Time
	log    zerolog.Logger
	policy map[string]handler

	obsMu     sync.RWMutex
	observers []observer
	nextObs   uint64
}

// observer keeps registration order; id lets unsubscribe find its entry
type observer struct {
	id uint64
	fn ReminderObserver
}

// Option configures an Engine
type Option func(*Engine)

// WithPicker sets how canned responses are chosen
func WithPicker(p Picker) Option {
	return func(e *Engine) { e.picker = p }
}

// WithHistorySize bounds the conversation ledger
func WithHistorySize(n int) Option {
	return func(e *Engine) { e.ledger = NewLedger(n) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine
func New(c Components, opts ...Option) (*Engine, error) {
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid dialogue components: %w", err)
	}
	e := &Engine{
		Components: c,
		picker:     &RoundRobinPicker{},
		ledger:     NewLedger(DefaultHistorySize),
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "dialogue").Logger()
	e.policy = e.buildPolicy()
	return e, nil
}

// ProcessUtterance runs one utterance through classification, policy and
// bookkeeping. It never panics and never returns an error; failures are
// reported through ProcessResult.Error.
func (e *Engine) ProcessUtterance(ctx context.Context, text string, source pkg.Source) (result pkg.ProcessResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("source", string(source)).Msg("utterance processing panicked")
			result = e.failure(ctx, source, fmt.Errorf("%v", r))
		}
		metrics.UtteranceDuration.Observe(time.Since(start).Seconds())
	}()

	result, err := e.process(ctx, text, source)
	if err != nil {
		e.log.Error().Err(err).Str("source", string(source)).Msg("utterance processing failed")
		return e.failure(ctx, source, err)
	}
	return result
}

func (e *Engine) process(ctx context.Context, text string, source pkg.Source) (pkg.ProcessResult, error) {
	u := &utterance{text: text, source: source}

	u.emotion = e.classifyEmotion(ctx, text)
	if err := e.Memory.StoreEmotionSample(ctx, u.emotion.Label, u.emotion.Confidence, text); err != nil {
		e.log.Warn().Err(err).Msg("failed to record emotion sample")
	}

	u.intent = e.classifyIntent(ctx, text)

	u.entities = e.Extractor.Extract(text, u.intent.Label)
	if u.entities == nil {
		u.entities = map[string]string{}
	}

	if err := ctx.Err(); err != nil {
		return pkg.ProcessResult{}, err
	}
	h, ok := e.policy[u.intent.Label]
	if !ok {
		h = e.fallback
	}
	response, err := h(ctx, u)
	if err != nil {
		return pkg.ProcessResult{}, err
	}
	response = emotionPrefix(u.emotion.Label) + response

	e.record(ctx, u, response)

	metrics.UtterancesTotal.WithLabelValues(u.intent.Label, string(source)).Inc()
	e.log.Debug().
		Str("intent", u.intent.Label).
		Float64("intent_confidence", u.intent.Confidence).
		Str("emotion", u.emotion.Label).
		Msg("utterance processed")

	if source == pkg.SourceVoice {
		e.speak(ctx, response)
	}

	return pkg.ProcessResult{
		Response:          response,
		Intent:            u.intent.Label,
		IntentConfidence:  u.intent.Confidence,
		Emotion:           u.emotion.Label,
		EmotionConfidence: u.emotion.Confidence,
		Entities:          u.entities,
	}, nil
}

func (e *Engine) classifyEmotion(ctx context.Context, text string) pkg.Classification {
	c, err := e.Emotions.Classify(ctx, text)
	if err != nil || c.Label == "" {
		metrics.ClassifierFallbacksTotal.WithLabelValues("emotion").Inc()
		e.log.Warn().Err(err).Msg("emotion classifier failed, assuming neutral")
		return pkg.Classification{Label: nlu.EmotionNeutral}
	}
	return c
}

func (e *Engine) classifyIntent(ctx context.Context, text string) pkg.Classification {
	c, err := e.Intents.Classify(ctx, text)
	if err != nil || c.Label == "" {
		metrics.ClassifierFallbacksTotal.WithLabelValues("intent").Inc()
		e.log.Warn().Err(err).Msg("intent classifier failed, assuming unknown")
		return pkg.Classification{Label: nlu.IntentUnknown}
	}
	return c
}

// record appends the turn to the ledger and persists significant turns
func (e *Engine) record(ctx context.Context, u *utterance, response string) {
	e.ledger.Append(pkg.ConversationTurn{
		Timestamp:   e.now(),
		UserInput:   u.text,
		BotResponse: response,
		Intent:      u.intent.Label,
	})

	if significantIntents[u.intent.Label] {
		content := fmt.Sprintf("User said: %s. Eric responded: %s", u.text, response)
		if err := e.Memory.StoreMemory(ctx, content, pkg.MemoryConversation,
			memory.WithImportance(significantImportance),
			memory.WithTags(u.intent.Label),
		); err != nil {
			e.log.Warn().Err(err).Msg("failed to persist conversation turn")
		}
	}

	if err := e.Context.Set(ctx, KeyLastIntent, u.intent.Label, 0); err != nil {
		e.log.Warn().Err(err).Msg("failed to update last intent")
	}
	if err := e.Context.Set(ctx, KeyLastEmotion, u.emotion.Label, 0); err != nil {
		e.log.Warn().Err(err).Msg("failed to update last emotion")
	}
}

func (e *Engine) failure(ctx context.Context, source pkg.Source, err error) pkg.ProcessResult {
	metrics.UtteranceErrorsTotal.Inc()
	response := fmt.Sprintf("Sorry, I encountered an error: %v", err)
	if source == pkg.SourceVoice {
		e.speak(ctx, response)
	}
	return pkg.ProcessResult{
		Response:    response,
		Entities:    map[string]string{},
		Error:       true,
		ErrorDetail: err.Error(),
	}
}

func (e *Engine) speak(ctx context.Context, text string) (err error) {
	if e.Speaker == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("speaker panicked: %v", r)
			e.log.Error().Err(err).Msg("speech output failed")
		}
	}()
	if err = e.Speaker.Say(ctx, text); err != nil {
		e.log.Warn().Err(err).Msg("speech output failed")
	}
	return err
}

// RegisterReminderCallback adds an observer for delivered reminders.
// The returned func removes it.
func (e *Engine) RegisterReminderCallback(fn ReminderObserver) (unsubscribe func()) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()

	id := e.nextObs
	e.nextObs++
	e.observers = append(e.observers, observer{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.removeObserver(id) })
	}
}

func (e *Engine) removeObserver(id uint64) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	for i, o := range e.observers {
		if o.id == id {
			e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
			return
		}
	}
}

// DeliverReminder speaks a reminder and hands it to every observer.
// It has the shape of a scheduler callback.
func (e *Engine) DeliverReminder(ctx context.Context, text string, event pkg.Event) error {
	e.log.Info().Str("event_id", event.ID).Str("title", event.Title).Msg("reminder")
	err := e.speak(ctx, text)

	e.obsMu.RLock()
	observers := append([]observer(nil), e.observers...)
	e.obsMu.RUnlock()

	for _, o := range observers {
		e.notify(ctx, o.fn, text, event)
	}
	return err
}

func (e *Engine) notify(ctx context.Context, fn ReminderObserver, text string, event pkg.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("event_id", event.ID).Msg("reminder observer panicked")
		}
	}()
	fn(ctx, text, event)
}

// ConversationHistory returns up to turnsBack of the latest turns, oldest first
func (e *Engine) ConversationHistory(turnsBack int) []pkg.ConversationTurn {
	if turnsBack <= 0 {
		turnsBack = DefaultHistoryTurns
	}
	return e.ledger.Recent(turnsBack)
}

// UpcomingEvents lists open events of the coming week
func (e *Engine) UpcomingEvents(ctx context.Context) ([]pkg.Event, error) {
	return e.Memory.UpcomingEvents(ctx, memory.DefaultUpcomingDays)
}

// EmotionPattern aggregates the emotions of the past week
func (e *Engine) EmotionPattern(ctx context.Context) (pkg.EmotionPattern, error) {
	return e.Memory.EmotionPattern(ctx, memory.DefaultPatternDays)
}
