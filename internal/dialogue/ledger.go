package dialogue

import (
	"sync"

	"eric_assistant/pkg"
)

// DefaultHistorySize is the number of turns the ledger keeps
const DefaultHistorySize = 50

// Ledger is a bounded in-memory conversation history; the oldest turn is dropped first
type Ledger struct {
	mu    sync.RWMutex
	turns []pkg.ConversationTurn
	size  int
}

// NewLedger creates a ledger holding at most size turns
func NewLedger(size int) *Ledger {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Ledger{size: size, turns: make([]pkg.ConversationTurn, 0, size)}
}

// Append records a turn
func (l *Ledger) Append(turn pkg.ConversationTurn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.turns) == l.size {
		copy(l.turns, l.turns[1:])
		l.turns = l.turns[:l.size-1]
	}
	l.turns = append(l.turns, turn)
}

// Recent returns up to n of the latest turns, oldest first
func (l *Ledger) Recent(n int) []pkg.ConversationTurn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.turns) == 0 {
		return []pkg.ConversationTurn{}
	}
	if n > len(l.turns) {
		n = len(l.turns)
	}
	out := make([]pkg.ConversationTurn, n)
	copy(out, l.turns[len(l.turns)-n:])
	return out
}

// Len returns the number of turns held
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}
