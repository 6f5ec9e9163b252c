package dialogue

import (
	"math/rand"
	"sync"
)

// Picker chooses one of several canned responses
type Picker interface {
	Pick(options []string) string
}

// RoundRobinPicker cycles through the options in order. It is the default
// so that responses are reproducible in tests.
type RoundRobinPicker struct {
	mu   sync.Mutex
	next int
}

// Pick returns the next option
func (p *RoundRobinPicker) Pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	choice := options[p.next%len(options)]
	p.next++
	return choice
}

// RandomPicker picks uniformly with a seeded source
type RandomPicker struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomPicker creates a picker; the same seed yields the same sequence
func NewRandomPicker(seed int64) *RandomPicker {
	return &RandomPicker{rnd: rand.New(rand.NewSource(seed))}
}

// Pick returns a random option
func (p *RandomPicker) Pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return options[p.rnd.Intn(len(options))]
}
