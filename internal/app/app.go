package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eric_assistant/internal/auth"
	"eric_assistant/internal/config"
	"eric_assistant/internal/dialogue"
	"eric_assistant/internal/memory"
	"eric_assistant/internal/nlu"
	"eric_assistant/internal/scheduler"
	"eric_assistant/internal/session"
	"eric_assistant/internal/storage"
	"eric_assistant/pkg"
)

// exportLimit caps the memories written to one snapshot
const exportLimit = 10000

// App wires the assistant's services together
type App struct {
	Config    *config.Config
	Memory    *memory.Service
	Context   *session.Service
	Scheduler *scheduler.Scheduler
	Engine    *dialogue.Engine
	// Gate is nil unless an Authenticator was supplied
	Gate *auth.Gate

	store    storage.Store
	mirror   storage.ContextMirror
	snapshot *storage.SnapshotWriter
	log      zerolog.Logger
	now      func() time.Time
	speaker  pkg.Speaker
	authn    pkg.Authenticator
	chat     nlu.ChatGenerator

	mu      sync.Mutex
	cancel  context.CancelFunc
	sweeper sync.WaitGroup
	closers []func() error
}

// Option configures an App
type Option func(*App)

// WithLogger sets the root logger
func WithLogger(l zerolog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithSpeaker sets the speech output used for voice replies and reminders
func WithSpeaker(s pkg.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithAuthenticator enables the face authentication gate
func WithAuthenticator(authn pkg.Authenticator) Option {
	return func(a *App) { a.authn = authn }
}

// WithStore replaces the configured persistent store
func WithStore(s storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithChatModel replaces the OpenAI model behind the llm provider
func WithChatModel(gen nlu.ChatGenerator) Option {
	return func(a *App) { a.chat = gen }
}

// WithClock overrides the time source of every service
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New builds every service from cfg and restores the persisted context
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config:   cfg,
		log:      zerolog.Nop(),
		now:      time.Now,
		snapshot: storage.NewSnapshotWriter(cfg.Export.Dir),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	if a.store == nil {
		store, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		a.store = store
	}
	a.closers = append(a.closers, a.store.Close)

	switch {
	case cfg.Redis.URL != "":
		mirror, err := storage.NewRedisContextMirror(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("connect context mirror: %w", err)
		}
		a.mirror = mirror
		a.closers = append(a.closers, mirror.Close)
	default:
		if m, ok := a.store.(storage.ContextMirror); ok {
			a.mirror = m
		}
	}

	a.Memory = memory.NewService(a.store, cfg.UserID,
		memory.WithClock(a.now),
		memory.WithLogger(a.log),
	)

	ctxOpts := []session.Option{
		session.WithDefaultTTL(cfg.Session.DefaultTTL),
		session.WithClock(a.now),
		session.WithLogger(a.log),
	}
	if a.mirror != nil {
		ctxOpts = append(ctxOpts, session.WithMirror(a.mirror))
	}
	a.Context = session.NewService(cfg.UserID, ctxOpts...)
	if n, err := a.Context.LoadFromStore(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to restore conversation context")
	} else if n > 0 {
		a.log.Info().Int("entries", n).Msg("conversation context restored")
	}

	intents, emotions, err := a.classifiers(ctx)
	if err != nil {
		return err
	}

	var picker dialogue.Picker = &dialogue.RoundRobinPicker{}
	if cfg.Dialogue.Picker == config.PickerRandom {
		picker = dialogue.NewRandomPicker(cfg.Dialogue.Seed)
	}

	a.Engine, err = dialogue.New(dialogue.Components{
		Intents:   intents,
		Emotions:  emotions,
		Extractor: nlu.NewPatternExtractor(),
		Memory:    a.Memory,
		Context:   a.Context,
		Speaker:   a.speaker,
	},
		dialogue.WithPicker(picker),
		dialogue.WithHistorySize(cfg.Dialogue.HistorySize),
		dialogue.WithClock(a.now),
		dialogue.WithLogger(a.log),
	)
	if err != nil {
		return err
	}

	a.Scheduler = scheduler.New(a.Memory,
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithLogger(a.log),
	)
	a.Scheduler.AddCallback(a.Engine.DeliverReminder)

	if a.authn != nil {
		a.Gate = auth.NewGate(a.authn, auth.WithLogger(a.log))
	}
	return nil
}

func openStore(cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case config.DriverSQLite:
		store, err := storage.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open persistent store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) classifiers(ctx context.Context) (pkg.IntentClassifier, pkg.EmotionClassifier, error) {
	lex, err := config.LoadLexicon(a.Config.NLU.LexiconPath)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.NLU.Provider != config.ProviderLLM {
		return nlu.NewIntentClassifier(lex.Intents), nlu.NewEmotionClassifier(lex.Emotions), nil
	}

	gen := a.chat
	if gen == nil {
		c := a.Config.NLU
		model, err := nlu.NewOpenAIChatModel(ctx, nlu.ModelConfig{
			Model:       c.Model,
			APIKey:      c.APIKey,
			BaseURL:     c.BaseURL,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
			Timeout:     c.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		gen = model
	}
	llm, err := nlu.NewLLMClassifier(ctx, gen, lex.Intents, lex.Emotions, nlu.WithLLMLogger(a.log))
	if err != nil {
		return nil, nil, err
	}
	return llm.Intents(), llm.Emotions(), nil
}

// Start launches the reminder scheduler and the context sweeper
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("app already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := a.Scheduler.Start(ctx); err != nil {
		cancel()
		return err
	}
	a.cancel = cancel

	a.sweeper.Add(1)
	go func() {
		defer a.sweeper.Done()
		a.Context.RunSweeper(ctx, a.Config.Session.SweepInterval)
	}()

	a.log.Info().Str("user_id", a.Config.UserID).Msg("assistant started")
	return nil
}

// Export writes a JSON snapshot of the user's memories, events and emotions
func (a *App) Export(ctx context.Context) (string, *storage.Snapshot, error) {
	memories, err := a.Memory.RetrieveMemories(ctx, memory.Query{Limit: exportLimit})
	if err != nil {
		return "", nil, err
	}
	events, err := a.Memory.UpcomingEvents(ctx, memory.DefaultUpcomingDays)
	if err != nil {
		return "", nil, err
	}
	pattern, err := a.Memory.EmotionPattern(ctx, memory.DefaultPatternDays)
	if err != nil {
		return "", nil, err
	}

	snap := &storage.Snapshot{
		UserID:         a.Config.UserID,
		ExportedAt:     a.now(),
		Memories:       memories,
		UpcomingEvents: events,
		EmotionPattern: pattern,
	}
	path, err := a.snapshot.Write(snap)
	if err != nil {
		return "", nil, err
	}
	a.log.Info().Str("path", path).Int("memories", len(memories)).Msg("snapshot exported")
	return path, snap, nil
}

// Close stops background work and releases the stores
func (a *App) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		a.Scheduler.Stop()
		cancel()
		a.sweeper.Wait()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
