package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"eric_assistant/pkg"
)

// DefaultThreshold is the score an identity must exceed to be accepted
const DefaultThreshold = 0.7

// ErrEmptyImage is returned when Verify is called without image data
var ErrEmptyImage = errors.New("image data is empty")

// Gate accepts or rejects identities scored by an Authenticator
type Gate struct {
	authenticator pkg.Authenticator
	threshold     float64
	log           zerolog.Logger

	mu   sync.RWMutex
	last *pkg.Identity
}

// Option configures a Gate
type Option func(*Gate)

// WithThreshold overrides DefaultThreshold
func WithThreshold(t float64) Option {
	return func(g *Gate) { g.threshold = t }
}

// WithLogger sets the gate logger
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// NewGate wraps authenticator
func NewGate(authenticator pkg.Authenticator, opts ...Option) *Gate {
	g := &Gate{
		authenticator: authenticator,
		threshold:     DefaultThreshold,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With().Str("component", "auth").Logger()
	return g
}

// Verify scores image and reports whether the score clears the threshold.
// An accepted identity becomes the current user.
func (g *Gate) Verify(ctx context.Context, image []byte) (pkg.Identity, bool, error) {
	if len(image) == 0 {
		return pkg.Identity{}, false, ErrEmptyImage
	}
	id, err := g.authenticator.Authenticate(ctx, image)
	if err != nil {
		return pkg.Identity{}, false, fmt.Errorf("authenticate: %w", err)
	}

	ok := id.Score > g.threshold
	g.log.Info().Str("name", id.Name).Float64("score", id.Score).Bool("accepted", ok).Msg("authentication attempt")
	if ok {
		g.mu.Lock()
		g.last = &id
		g.mu.Unlock()
	}
	return id, ok, nil
}

// Current returns the last accepted identity
func (g *Gate) Current() (pkg.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.last == nil {
		return pkg.Identity{}, false
	}
	return *g.last, true
}
