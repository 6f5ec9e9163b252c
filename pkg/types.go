package pkg

import (
	"context"
	"time"
)

// Assistant core types shared by storage, services and the dialogue engine

// MemoryType classifies a stored memory
type MemoryType string

const (
	MemoryFact         MemoryType = "fact"
	MemoryEventDerived MemoryType = "event_derived"
	MemoryConversation MemoryType = "conversation"
)

// Memory is a durable piece of user knowledge. Immutable once written.
type Memory struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Type            MemoryType `json:"type"`
	Content         string     `json:"content"`
	Keywords        []string   `json:"keywords"`
	ImportanceScore float64    `json:"importance_score"`
	ContextTags     []string   `json:"context_tags"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Event is a dated item with a reminder offset
type Event struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	EventDate    time.Time `json:"event_date"`
	ReminderDate time.Time `json:"reminder_date"`
	IsCompleted  bool      `json:"is_completed"`
}

// EmotionSample is one append-only emotion observation
type EmotionSample struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	SourceText string    `json:"source_text"`
	Timestamp  time.Time `json:"timestamp"`
}

// EmotionStat aggregates samples of one emotion label over a window
type EmotionStat struct {
	Emotion       string  `json:"emotion"`
	AvgConfidence float64 `json:"avg_confidence"`
	Count         int     `json:"count"`
}

// EmotionPattern is ordered by AvgConfidence, highest first
type EmotionPattern []EmotionStat

// Dominant returns the label with the highest average confidence
func (p EmotionPattern) Dominant() (string, bool) {
	if len(p) == 0 {
		return "", false
	}
	return p[0].Emotion, true
}

// ContextEntry is a short-lived key/value with an absolute expiry
type ContextEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the entry is still readable at now
func (e ContextEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// ConversationTurn is one exchange held in the in-memory ledger
type ConversationTurn struct {
	Timestamp   time.Time `json:"timestamp"`
	UserInput   string    `json:"user_input"`
	BotResponse string    `json:"bot_response"`
	Intent      string    `json:"intent"`
}

// Classification is the output of an intent or emotion classifier
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Source tells where an utterance came from
type Source string

const (
	SourceText  Source = "text"
	SourceVoice Source = "voice"
)

// ProcessResult is returned for every utterance, including failed ones
type ProcessResult struct {
	Response          string            `json:"response"`
	Intent            string            `json:"intent"`
	IntentConfidence  float64           `json:"intent_confidence"`
	Emotion           string            `json:"emotion"`
	EmotionConfidence float64           `json:"emotion_confidence"`
	Entities          map[string]string `json:"entities"`
	Error             bool              `json:"error"`
	ErrorDetail       string            `json:"error_detail,omitempty"`
}

// Identity is the outcome of an authentication attempt
type Identity struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// External collaborators

// IntentClassifier predicts an intent label for a text
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// EmotionClassifier predicts an emotion label for a text
type EmotionClassifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// EntityExtractor pulls intent-specific slots out of a text. Never fails.
type EntityExtractor interface {
	Extract(text, intent string) map[string]string
}

// Speaker renders text as speech
type Speaker interface {
	Say(ctx context.Context, text string) error
}

// Listener blocks until the next spoken command is available
type Listener interface {
	Listen(ctx context.Context) (string, error)
}

// Authenticator scores an image against known identities
type Authenticator interface {
	Authenticate(ctx context.Context, image []byte) (Identity, error)
}
