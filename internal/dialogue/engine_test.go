package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eric_assistant/internal/memory"
	"eric_assistant/internal/nlu"
	"eric_assistant/internal/session"
	"eric_assistant/internal/storage"
	"eric_assistant/pkg"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSpeaker struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSpeaker) Say(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return nil
}

func (s *recordingSpeaker) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (pkg.Classification, error) {
	return pkg.Classification{}, errors.New("model offline")
}

type panickingExtractor struct{}

func (panickingExtractor) Extract(string, string) map[string]string {
	panic("extractor exploded")
}

// failingMemory fails every persistence call the way a lost database would
type failingMemory struct{}

var errDisk = errors.New("disk unavailable")

func (failingMemory) StoreMemory(context.Context, string, pkg.MemoryType, ...memory.MemoryOption) error {
	return errDisk
}
func (failingMemory) RetrieveMemories(context.Context, memory.Query) ([]pkg.Memory, error) {
	return []pkg.Memory{}, errDisk
}
func (failingMemory) StoreEvent(context.Context, string, time.Time, ...memory.EventOption) (pkg.Event, error) {
	return pkg.Event{}, errDisk
}
func (failingMemory) UpcomingEvents(context.Context, int) ([]pkg.Event, error) {
	return []pkg.Event{}, errDisk
}
func (failingMemory) StoreEmotionSample(context.Context, string, float64, string) error { return errDisk }
func (failingMemory) EmotionPattern(context.Context, int) (pkg.EmotionPattern, error) {
	return pkg.EmotionPattern{}, errDisk
}

type harness struct {
	engine  *Engine
	memory  *memory.Service
	context *session.Service
	speaker *recordingSpeaker
	clock   *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	mem := memory.NewService(storage.NewMemoryStore(), "eric", memory.WithClock(clock.Now))
	ctxSvc := session.NewService("eric", session.WithClock(clock.Now))
	speaker := &recordingSpeaker{}

	e, err := New(Components{
		Intents:   nlu.NewIntentClassifier(nlu.DefaultIntents()),
		Emotions:  nlu.NewEmotionClassifier(nlu.DefaultEmotions()),
		Extractor: nlu.NewPatternExtractor(),
		Memory:    mem,
		Context:   ctxSvc,
		Speaker:   speaker,
	}, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return &harness{engine: e, memory: mem, context: ctxSvc, speaker: speaker, clock: clock}
}

func (h *harness) say(text string) pkg.ProcessResult {
	return h.engine.ProcessUtterance(context.Background(), text, pkg.SourceText)
}

func TestRemindTomorrowScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.say("Remind me tomorrow about the dentist")
	require.False(t, res.Error, res.ErrorDetail)
	assert.Equal(t, nlu.IntentRememberEvent, res.Intent)
	assert.Equal(t, "tomorrow", res.Entities[nlu.EntityDate])
	assert.Equal(t, "I've scheduled a reminder for the dentist on June 03, 2025", res.Response)

	events, err := h.memory.UpcomingEvents(ctx, 7)
	require.NoError(t, err)
	require.Len(t, events, 1)
	now := h.clock.Now()
	assert.True(t, events[0].EventDate.Equal(now.AddDate(0, 0, 1)))
	assert.True(t, events[0].ReminderDate.Equal(events[0].EventDate.Add(-1440*time.Minute)))
	assert.Equal(t, "the dentist", events[0].Title)

	derived, err := h.memory.RetrieveMemories(ctx, memory.Query{Type: pkg.MemoryEventDerived})
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, "the dentist on June 03, 2025", derived[0].Content)

	turns, err := h.memory.RetrieveMemories(ctx, memory.Query{Type: pkg.MemoryConversation})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 2.0, turns[0].ImportanceScore)
	assert.Contains(t, turns[0].Content, "User said: Remind me tomorrow about the dentist.")
}

func TestEventWithoutDateWaitsForFollowUp(t *testing.T) {
	h := newHarness(t)

	res := h.say("remind me to call mom")
	assert.Equal(t, "When is this event? Please specify a date.", res.Response)
	pending, ok := h.context.GetString(KeyPendingEvent)
	require.True(t, ok)
	assert.Equal(t, "call mom", pending)

	res = h.say("remind me tomorrow")
	assert.Equal(t, "I've scheduled a reminder for call mom on June 03, 2025", res.Response)
	assert.False(t, h.context.Has(KeyPendingEvent))
}

func TestPendingEventExpires(t *testing.T) {
	h := newHarness(t)

	h.say("remind me to call mom")
	h.clock.Advance(PendingEventTTL)

	res := h.say("remind me tomorrow")
	assert.Equal(t, "I've scheduled a reminder for remind me tomorrow on June 03, 2025", res.Response)
}

func TestUnparsableDateAsksForClarification(t *testing.T) {
	h := newHarness(t)

	res := h.say("schedule the party on 2/30/2025")
	assert.Equal(t, nlu.IntentRememberEvent, res.Intent)
	assert.Equal(t, "I couldn't understand the date. Please specify when the event is.", res.Response)

	events, err := h.memory.UpcomingEvents(context.Background(), 365)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRememberAndRecallFact(t *testing.T) {
	h := newHarness(t)

	res := h.say("Please remember that my favourite colour is blue.")
	assert.Equal(t, nlu.IntentRememberFact, res.Intent)
	assert.Equal(t, "Got it! I'll remember that my favourite colour is blue", res.Response)

	facts, err := h.memory.RetrieveMemories(context.Background(), memory.Query{Type: pkg.MemoryFact})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 2.0, facts[0].ImportanceScore)
	assert.ElementsMatch(t, []string{"favourite", "colour", "blue"}, facts[0].Keywords)

	h.clock.Advance(time.Minute)
	res = h.say("What do you remember about my favourite colour?")
	assert.Equal(t, nlu.IntentRetrieveMemory, res.Intent)
	assert.True(t, strings.HasPrefix(res.Response, "Here's what I remember:\n- "), res.Response)
	assert.Contains(t, res.Response, "my favourite colour is blue")

	res = h.say("What do you remember about volcanoes?")
	assert.Equal(t, "I don't have any relevant memories about that.", res.Response)
}

func TestRememberWithNothingToRemember(t *testing.T) {
	h := newHarness(t)
	res := h.say("remember that")
	assert.Equal(t, "What would you like me to remember?", res.Response)
}

func TestGreetingRotatesAndCarriesEmotionPrefix(t *testing.T) {
	h := newHarness(t)

	first := h.say("hello")
	second := h.say("hello")
	assert.Equal(t, "Hello! How can I help you today?", first.Response)
	assert.Equal(t, "Hi there! What can I do for you?", second.Response)

	happy := h.say("hey, I'm so happy today")
	assert.Equal(t, nlu.EmotionJoy, happy.Emotion)
	assert.Equal(t, "I'm glad you seem happy! Hey! I'm Eric, your AI assistant. How may I assist you?", happy.Response)

	sad := h.say("I feel so sad and lonely")
	assert.True(t, strings.HasPrefix(sad.Response, "I sense you might be feeling down. "), sad.Response)
}

func TestPlayMusic(t *testing.T) {
	h := newHarness(t)

	cases := map[string]string{
		"next song":      "Skipping to the next song.",
		"previous song":  "Going back to the previous song.",
		"pause music":    "Pausing music.",
		"stop music":     "Stopping music.",
		"play some jazz": "Playing some jazz. Enjoy the music!",
		"turn on music":  "Playing your favorite playlist. Enjoy the music!",
	}
	for text, want := range cases {
		res := h.say(text)
		assert.Equal(t, nlu.IntentPlayMusic, res.Intent, text)
		assert.Equal(t, want, res.Response, text)
	}
}

func TestEmotionQuery(t *testing.T) {
	h := newHarness(t)

	res := h.say("how am I feeling")
	assert.Equal(t, nlu.IntentEmotionQuery, res.Intent)
	assert.Equal(t, "Based on our recent conversations, you seem to be feeling mostly neutral.", res.Response)

	for i := 0; i < 3; i++ {
		h.say("this is wonderful")
	}
	res = h.say("what's my mood")
	assert.Contains(t, res.Response, "feeling mostly")
}

func TestEmotionQueryFallsBackToCurrentEmotion(t *testing.T) {
	e, err := New(Components{
		Intents:   nlu.NewIntentClassifier(nlu.DefaultIntents()),
		Emotions:  nlu.NewEmotionClassifier(nlu.DefaultEmotions()),
		Extractor: nlu.NewPatternExtractor(),
		Memory:    failingMemory{},
		Context:   session.NewService("eric"),
	})
	require.NoError(t, err)

	res := e.ProcessUtterance(context.Background(), "am i sad", pkg.SourceText)
	assert.False(t, res.Error)
	assert.Equal(t, "I sense you might be feeling down. Right now, you seem to be feeling sadness.", res.Response)
}

func TestTimeAndHelp(t *testing.T) {
	h := newHarness(t)

	res := h.say("what time is it")
	assert.Equal(t, "It's 10:00 AM on Monday, June 2.", res.Response)

	res = h.say("what can you do")
	assert.Equal(t, nlu.IntentHelp, res.Intent)
	assert.Equal(t, helpText, res.Response)
}

func TestUnknownIntentGetsFallback(t *testing.T) {
	h := newHarness(t)
	res := h.say("purple elephants dance")
	assert.Equal(t, nlu.IntentUnknown, res.Intent)
	assert.Equal(t, "I'm not sure how to help with that, but I'm learning! Can you rephrase or ask something else?", res.Response)
}

func TestClassifierFailuresFallBack(t *testing.T) {
	e, err := New(Components{
		Intents:   failingClassifier{},
		Emotions:  failingClassifier{},
		Extractor: nlu.NewPatternExtractor(),
		Memory:    memory.NewService(storage.NewMemoryStore(), "eric"),
		Context:   session.NewService("eric"),
	})
	require.NoError(t, err)

	res := e.ProcessUtterance(context.Background(), "hello", pkg.SourceText)
	assert.False(t, res.Error)
	assert.Equal(t, nlu.IntentUnknown, res.Intent)
	assert.Zero(t, res.IntentConfidence)
	assert.Equal(t, nlu.EmotionNeutral, res.Emotion)
	assert.Zero(t, res.EmotionConfidence)
	assert.NotNil(t, res.Entities)
}

func TestStorageFailureDegradesGracefully(t *testing.T) {
	e, err := New(Components{
		Intents:   nlu.NewIntentClassifier(nlu.DefaultIntents()),
		Emotions:  nlu.NewEmotionClassifier(nlu.DefaultEmotions()),
		Extractor: nlu.NewPatternExtractor(),
		Memory:    failingMemory{},
		Context:   session.NewService("eric"),
	})
	require.NoError(t, err)
	ctx := context.Background()

	res := e.ProcessUtterance(ctx, "remember that the gate code is 4411", pkg.SourceText)
	assert.False(t, res.Error)
	assert.Equal(t, "I had trouble storing that information. Please try again.", res.Response)

	res = e.ProcessUtterance(ctx, "remind me tomorrow about the dentist", pkg.SourceText)
	assert.False(t, res.Error)
	assert.Equal(t, "I had trouble scheduling that event. Please try again.", res.Response)

	res = e.ProcessUtterance(ctx, "recall the gate code", pkg.SourceText)
	assert.False(t, res.Error)
	assert.Equal(t, "I don't have any relevant memories about that.", res.Response)

	assert.Len(t, e.ConversationHistory(10), 3)
}

func TestPanicIsRecovered(t *testing.T) {
	speaker := &recordingSpeaker{}
	e, err := New(Components{
		Intents:   nlu.NewIntentClassifier(nlu.DefaultIntents()),
		Emotions:  nlu.NewEmotionClassifier(nlu.DefaultEmotions()),
		Extractor: panickingExtractor{},
		Memory:    memory.NewService(storage.NewMemoryStore(), "eric"),
		Context:   session.NewService("eric"),
		Speaker:   speaker,
	})
	require.NoError(t, err)

	var res pkg.ProcessResult
	require.NotPanics(t, func() {
		res = e.ProcessUtterance(context.Background(), "hello", pkg.SourceVoice)
	})
	assert.True(t, res.Error)
	assert.Equal(t, "Sorry, I encountered an error: extractor exploded", res.Response)
	assert.Equal(t, "extractor exploded", res.ErrorDetail)
	assert.Equal(t, []string{res.Response}, speaker.Lines())
	assert.Empty(t, e.ConversationHistory(10))
}

func TestCancelledContextReportsError(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.engine.ProcessUtterance(ctx, "hello", pkg.SourceText)
	assert.True(t, res.Error)
	assert.Equal(t, context.Canceled.Error(), res.ErrorDetail)
}

func TestOnlyVoiceIsSpoken(t *testing.T) {
	h := newHarness(t)

	h.say("hello")
	assert.Empty(t, h.speaker.Lines())

	res := h.engine.ProcessUtterance(context.Background(), "goodbye", pkg.SourceVoice)
	assert.Equal(t, []string{res.Response}, h.speaker.Lines())
}

func TestContextKeysTrackLastTurn(t *testing.T) {
	h := newHarness(t)

	h.say("this is so frustrating")
	h.say("hello")

	intent, ok := h.context.GetString(KeyLastIntent)
	require.True(t, ok)
	assert.Equal(t, nlu.IntentGreeting, intent)
	emotion, ok := h.context.GetString(KeyLastEmotion)
	require.True(t, ok)
	assert.Equal(t, nlu.EmotionNeutral, emotion)
}

func TestConversationHistoryIsBounded(t *testing.T) {
	h := newHarness(t, WithHistorySize(5))

	for i := 0; i < 7; i++ {
		h.say("hello")
		h.clock.Advance(time.Second)
	}
	turns := h.engine.ConversationHistory(10)
	require.Len(t, turns, 5)
	assert.True(t, turns[0].Timestamp.Equal(time.Date(2025, 6, 2, 10, 0, 2, 0, time.UTC)))
	assert.Len(t, h.engine.ConversationHistory(0), DefaultHistoryTurns)
}

func TestReminderObservers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event := pkg.Event{ID: "ev-1", Title: "dentist"}

	var got []string
	unsubscribe := h.engine.RegisterReminderCallback(func(_ context.Context, text string, e pkg.Event) {
		got = append(got, text+"|"+e.ID)
	})
	h.engine.RegisterReminderCallback(func(context.Context, string, pkg.Event) {
		panic("observer bug")
	})

	require.NoError(t, h.engine.DeliverReminder(ctx, "Reminder: dentist", event))
	assert.Equal(t, []string{"Reminder: dentist|ev-1"}, got)
	assert.Equal(t, []string{"Reminder: dentist"}, h.speaker.Lines())

	unsubscribe()
	unsubscribe()
	require.NoError(t, h.engine.DeliverReminder(ctx, "Reminder: dentist", event))
	assert.Len(t, got, 1)
}

func TestReminderObserversRunInRegistrationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var order []int
	unsubscribe := make([]func(), 8)
	for i := range unsubscribe {
		i := i
		unsubscribe[i] = h.engine.RegisterReminderCallback(func(context.Context, string, pkg.Event) {
			order = append(order, i)
		})
	}

	for n := 0; n < 20; n++ {
		order = nil
		require.NoError(t, h.engine.DeliverReminder(ctx, "Reminder: dentist", pkg.Event{ID: "ev-1"}))
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	}

	unsubscribe[3]()
	unsubscribe[0]()
	order = nil
	require.NoError(t, h.engine.DeliverReminder(ctx, "Reminder: dentist", pkg.Event{ID: "ev-1"}))
	assert.Equal(t, []int{1, 2, 4, 5, 6, 7}, order)

	h.engine.RegisterReminderCallback(func(context.Context, string, pkg.Event) {
		order = append(order, 8)
	})
	order = nil
	require.NoError(t, h.engine.DeliverReminder(ctx, "Reminder: dentist", pkg.Event{ID: "ev-1"}))
	assert.Equal(t, []int{1, 2, 4, 5, 6, 7, 8}, order)
}

func TestUpcomingEventsAndPatternPassThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.say("remind me tomorrow about the dentist")
	h.say("this is wonderful")

	events, err := h.engine.UpcomingEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	pattern, err := h.engine.EmotionPattern(ctx)
	require.NoError(t, err)
	dominant, ok := pattern.Dominant()
	require.True(t, ok)
	assert.NotEmpty(t, dominant)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Components{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intent classifier is required")
	assert.Contains(t, err.Error(), "memory service is required")
}
