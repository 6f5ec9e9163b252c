package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eric_assistant/internal/metrics"
	"eric_assistant/pkg"
)

const (
	DefaultQueueSize   = 16
	listenErrorBackoff = 500 * time.Millisecond
	// idlePollInterval paces a Listener that returns silence without blocking
	idlePollInterval = 100 * time.Millisecond
)

var (
	// ErrLoopRunning is returned when Start is called on a running loop
	ErrLoopRunning = errors.New("command loop already running")
	// ErrListenerClosed is returned by a Listener that has no more input; it ends the loop
	ErrListenerClosed = errors.New("listener closed")
)

// Processor handles one queued command
type Processor interface {
	ProcessUtterance(ctx context.Context, text string, source pkg.Source) pkg.ProcessResult
}

// CommandLoop polls a Listener and feeds what it hears to a Processor.
// Listening and processing run on separate goroutines joined by a queue.
type CommandLoop struct {
	listener  pkg.Listener
	processor Processor
	queueSize int
	backoff   time.Duration
	idle      time.Duration
	log       zerolog.Logger
	onResult  func(pkg.ProcessResult)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LoopOption configures a CommandLoop
type LoopOption func(*CommandLoop)

// WithQueueSize sets the command buffer capacity
func WithQueueSize(n int) LoopOption {
	return func(l *CommandLoop) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithErrorBackoff sets the pause after a failed Listen
func WithErrorBackoff(d time.Duration) LoopOption {
	return func(l *CommandLoop) { l.backoff = d }
}

// WithIdleInterval sets the pause after Listen returns no text
func WithIdleInterval(d time.Duration) LoopOption {
	return func(l *CommandLoop) { l.idle = d }
}

// WithLoopLogger sets the loop logger
func WithLoopLogger(log zerolog.Logger) LoopOption {
	return func(l *CommandLoop) { l.log = log }
}

// WithResultHandler is called with every processed result
func WithResultHandler(fn func(pkg.ProcessResult)) LoopOption {
	return func(l *CommandLoop) { l.onResult = fn }
}

// NewCommandLoop creates a stopped loop
func NewCommandLoop(listener pkg.Listener, processor Processor, opts ...LoopOption) *CommandLoop {
	l := &CommandLoop{
		listener:  listener,
		processor: processor,
		queueSize: DefaultQueueSize,
		backoff:   listenErrorBackoff,
		idle:      idlePollInterval,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("component", "command_loop").Logger()
	return l
}

// Start launches the listen and drain goroutines
func (l *CommandLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrLoopRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	queue := make(chan string, l.queueSize)

	l.wg.Add(2)
	go l.listen(ctx, queue)
	go l.drain(ctx, queue)
	l.log.Info().Msg("command loop started")
	return nil
}

// Stop cancels both goroutines and waits for them to exit
func (l *CommandLoop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.log.Info().Msg("command loop stopped")
}

// Running reports whether the loop has been started and not stopped
func (l *CommandLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Wait blocks until both goroutines have exited
func (l *CommandLoop) Wait() {
	l.wg.Wait()
}

func (l *CommandLoop) listen(ctx context.Context, queue chan<- string) {
	defer l.wg.Done()
	defer close(queue)

	for ctx.Err() == nil {
		text, err := l.listenOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrListenerClosed) {
				l.log.Info().Msg("listener finished")
				return
			}
			metrics.LoopFailuresTotal.WithLabelValues("listen").Inc()
			l.log.Warn().Err(err).Msg("listen failed")
			if !pause(ctx, l.backoff) {
				return
			}
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			if !pause(ctx, l.idle) {
				return
			}
			continue
		}
		select {
		case queue <- text:
		case <-ctx.Done():
			return
		}
	}
}

// pause waits d and reports whether ctx is still live
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (l *CommandLoop) listenOnce(ctx context.Context) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("listener panicked")
			l.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	return l.listener.Listen(ctx)
}

func (l *CommandLoop) drain(ctx context.Context, queue <-chan string) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-queue:
			if !ok {
				return
			}
			result := l.processor.ProcessUtterance(ctx, text, pkg.SourceVoice)
			if l.onResult != nil {
				l.onResult(result)
			}
		}
	}
}
