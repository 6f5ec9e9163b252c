package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eric_assistant/internal/metrics"
	"eric_assistant/pkg"
)

// DefaultInterval keeps reminder latency under a minute
const DefaultInterval = 30 * time.Second

// ErrAlreadyRunning is returned by Start when the loop is active
var ErrAlreadyRunning = errors.New("scheduler already running")

// EventSource supplies due events and records their completion
type EventSource interface {
	DueEvents(ctx context.Context) ([]pkg.Event, error)
	CompleteEvent(ctx context.Context, id string) error
}

// Callback receives a rendered reminder and the event that produced it
type Callback func(ctx context.Context, text string, event pkg.Event) error

// Scheduler polls for due events and delivers each reminder at most once
type Scheduler struct {
	source   EventSource
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	callbacks []Callback
	// unmarked holds delivered events whose completion write failed
	unmarked map[string]struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scheduler logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a scheduler reading events from source
func New(source EventSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   source,
		interval: DefaultInterval,
		log:      zerolog.Nop(),
		unmarked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// AddCallback registers cb; callbacks run in registration order
func (s *Scheduler) AddCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// RenderReminder formats the text delivered for an event
func RenderReminder(e pkg.Event) string {
	return fmt.Sprintf("Reminder: %s is scheduled for %s", e.Title, e.EventDate.Format("Monday, January 2 at 3:04 PM"))
}

// Tick runs one poll cycle and returns how many reminders were delivered
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.retryUnmarked(ctx)

	events, err := s.source.DueEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("load due events: %w", err)
	}

	s.mu.Lock()
	callbacks := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	delivered := 0
	for _, event := range events {
		if s.isUnmarked(event.ID) {
			continue
		}
		text := RenderReminder(event)
		for i, cb := range callbacks {
			if err := s.invoke(ctx, cb, text, event); err != nil {
				metrics.RemindersDeliveredTotal.WithLabelValues("callback_error").Inc()
				s.log.Warn().Err(err).Int("callback", i).Str("event_id", event.ID).Msg("reminder callback failed")
			}
		}
		delivered++
		metrics.RemindersDeliveredTotal.WithLabelValues("delivered").Inc()

		if err := s.source.CompleteEvent(ctx, event.ID); err != nil {
			s.log.Error().Err(err).Str("event_id", event.ID).Msg("failed to mark event completed")
			s.mu.Lock()
			s.unmarked[event.ID] = struct{}{}
			s.mu.Unlock()
		}
	}
	if delivered > 0 {
		s.log.Info().Int("delivered", delivered).Msg("reminders delivered")
	}
	return delivered, nil
}

func (s *Scheduler) invoke(ctx context.Context, cb Callback, text string, event pkg.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(ctx, text, event)
}

func (s *Scheduler) isUnmarked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.unmarked[id]
	return ok
}

func (s *Scheduler) retryUnmarked(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.unmarked))
	for id := range s.unmarked {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.source.CompleteEvent(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("event_id", id).Msg("retry mark completed failed")
			continue
		}
		s.mu.Lock()
		delete(s.unmarked, id)
		s.mu.Unlock()
	}
}

// Start launches the polling loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)
	return nil
}

// Stop cancels the loop and waits for it to exit
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tickSafely(ctx)
		}
	}
}

func (s *Scheduler) tickSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopFailuresTotal.WithLabelValues("scheduler").Inc()
			s.log.Error().Interface("panic", r).Msg("scheduler tick panicked")
		}
	}()
	if _, err := s.Tick(ctx); err != nil {
		metrics.LoopFailuresTotal.WithLabelValues("scheduler").Inc()
		s.log.Warn().Err(err).Msg("scheduler tick failed")
	}
}
