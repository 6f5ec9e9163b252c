package dialogue

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"eric_assistant/internal/memory"
	"eric_assistant/internal/nlu"
	"eric_assistant/pkg"
)

const (
	significantImportance = 2.0
	factImportance        = 2.0
	eventMemoryImportance = 1.5

	retrieveLimit   = 3
	eventDateLayout = "January 02, 2006"
)

// utterance carries one request through the policy
type utterance struct {
	text     string
	source   pkg.Source
	intent   pkg.Classification
	emotion  pkg.Classification
	entities map[string]string
}

type handler func(ctx context.Context, u *utterance) (string, error)

// Turns with these intents are also persisted as conversation memories
var significantIntents = map[string]bool{
	nlu.IntentRememberFact:  true,
	nlu.IntentRememberEvent: true,
	nlu.IntentImportantInfo: true,
}

var (
	greetings = []string{
		"Hello! How can I help you today?",
		"Hi there! What can I do for you?",
		"Hey! I'm Eric, your AI assistant. How may I assist you?",
	}

	// checked in order; the first marker present wins
	factMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bremember that\b`),
		regexp.MustCompile(`(?i)\bremember\b`),
		regexp.MustCompile(`(?i)\bdon't forget\b`),
		regexp.MustCompile(`(?i)\bsave this\b`),
	}

	keywordStopwords = map[string]bool{
		"that": true, "this": true, "with": true, "have": true, "from": true,
		"about": true, "what": true, "your": true, "will": true, "there": true,
		"their": true, "they": true, "been": true, "were": true, "when": true,
	}

	// retrieval cue words that never narrow a lookup
	lookupStopwords = map[string]bool{
		"remember": true, "recall": true, "know": true, "tell": true,
		"information": true, "memory": true, "something": true,
	}
)

const helpText = "I can remember facts (\"remember that ...\"), schedule reminders (\"remind me tomorrow about ...\"), " +
	"recall what you told me, control music, tell you the time and how you've been feeling lately."

func (e *Engine) buildPolicy() map[string]handler {
	return map[string]handler{
		nlu.IntentGreeting:          e.greet,
		nlu.IntentRememberFact:      e.rememberFact,
		nlu.IntentRememberEvent:     e.rememberEvent,
		nlu.IntentRetrieveMemory:    e.retrieveMemory,
		nlu.IntentPlayMusic:         e.playMusic,
		nlu.IntentQuestionAnswering: e.answerQuestion,
		nlu.IntentEmotionQuery:      e.describeEmotions,
		nlu.IntentGoodbye:           e.farewell,
		nlu.IntentTimeQuery:         e.tellTime,
		nlu.IntentHelp:              e.help,
	}
}

func (e *Engine) greet(_ context.Context, _ *utterance) (string, error) {
	return e.picker.Pick(greetings), nil
}

func (e *Engine) rememberFact(ctx context.Context, u *utterance) (string, error) {
	fact := stripFactMarker(u.text)
	if fact == "" {
		return "What would you like me to remember?", nil
	}

	err := e.Memory.StoreMemory(ctx, fact, pkg.MemoryFact,
		memory.WithImportance(factImportance),
		memory.WithKeywords(keywordsOf(fact)...),
		memory.WithTags("user_fact"),
	)
	if err != nil {
		return "I had trouble storing that information. Please try again.", nil
	}
	return "Got it! I'll remember that " + fact, nil
}

func (e *Engine) rememberEvent(ctx context.Context, u *utterance) (string, error) {
	title := u.entities[nlu.EntityDescription]
	dateExpr, hasDate := u.entities[nlu.EntityDate]

	if !hasDate {
		if title == "" {
			title = u.text
		}
		if err := e.Context.Set(ctx, KeyPendingEvent, title, PendingEventTTL); err != nil {
			e.log.Warn().Err(err).Msg("failed to remember pending event")
		}
		return "When is this event? Please specify a date.", nil
	}

	if title == "" {
		if pending, ok := e.Context.GetString(KeyPendingEvent); ok && pending != "" {
			title = pending
		} else {
			title = u.text
		}
	}

	date, err := nlu.ResolveDate(dateExpr, e.now())
	if err != nil {
		e.log.Debug().Err(err).Str("date", dateExpr).Msg("could not resolve event date")
		return "I couldn't understand the date. Please specify when the event is.", nil
	}

	event, err := e.Memory.StoreEvent(ctx, title, date,
		memory.WithDescription(u.text),
		memory.WithReminderOffset(EventReminderOffset),
	)
	if err != nil {
		return "I had trouble scheduling that event. Please try again.", nil
	}

	if err := e.Context.Clear(ctx, KeyPendingEvent); err != nil {
		e.log.Warn().Err(err).Msg("failed to clear pending event")
	}
	when := event.EventDate.Format(eventDateLayout)
	if err := e.Memory.StoreMemory(ctx, fmt.Sprintf("%s on %s", title, when), pkg.MemoryEventDerived,
		memory.WithImportance(eventMemoryImportance),
		memory.WithKeywords(keywordsOf(title)...),
		memory.WithTags("event", event.ID),
	); err != nil {
		e.log.Warn().Err(err).Str("event_id", event.ID).Msg("failed to store event memory")
	}

	return fmt.Sprintf("I've scheduled a reminder for %s on %s", title, when), nil
}

func (e *Engine) retrieveMemory(ctx context.Context, u *utterance) (string, error) {
	memories := e.lookup(ctx, u.text, retrieveLimit)
	if len(memories) == 0 {
		return "I don't have any relevant memories about that.", nil
	}

	var b strings.Builder
	b.WriteString("Here's what I remember:")
	for _, m := range memories {
		b.WriteString("\n- ")
		b.WriteString(m.Content)
	}
	return b.String(), nil
}

// lookup searches with the whole utterance first. When that finds nothing it
// searches each content word and merges the hits in rank order.
func (e *Engine) lookup(ctx context.Context, text string, limit int) []pkg.Memory {
	memories, err := e.Memory.RetrieveMemories(ctx, memory.Query{Text: text, Limit: limit})
	if err != nil || len(memories) > 0 {
		return memories
	}

	seen := make(map[string]bool)
	var found []pkg.Memory
	for _, word := range keywordsOf(text) {
		if lookupStopwords[word] {
			continue
		}
		hits, err := e.Memory.RetrieveMemories(ctx, memory.Query{Text: word, Limit: limit})
		if err != nil {
			return []pkg.Memory{}
		}
		for _, m := range hits {
			if !seen[m.ID] {
				seen[m.ID] = true
				found = append(found, m)
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].ImportanceScore != found[j].ImportanceScore {
			return found[i].ImportanceScore > found[j].ImportanceScore
		}
		return found[i].CreatedAt.After(found[j].CreatedAt)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found
}

func (e *Engine) playMusic(_ context.Context, u *utterance) (string, error) {
	words := wordSet(u.text)
	switch {
	case words["next"] || words["skip"]:
		return "Skipping to the next song.", nil
	case words["previous"] || words["back"]:
		return "Going back to the previous song.", nil
	case words["pause"]:
		return "Pausing music.", nil
	case words["stop"]:
		return "Stopping music.", nil
	}

	query := u.entities[nlu.EntityQuery]
	if query == "" {
		query = "your favorite playlist"
	}
	return fmt.Sprintf("Playing %s. Enjoy the music!", query), nil
}

func (e *Engine) answerQuestion(ctx context.Context, u *utterance) (string, error) {
	memories := e.lookup(ctx, u.text, 1)
	if len(memories) > 0 {
		return "Based on what I remember: " + memories[0].Content, nil
	}
	return "I don't have specific information about that, but I can help you remember it if you tell me.", nil
}

func (e *Engine) describeEmotions(ctx context.Context, u *utterance) (string, error) {
	pattern, err := e.Memory.EmotionPattern(ctx, memory.DefaultPatternDays)
	if err == nil {
		if dominant, ok := pattern.Dominant(); ok {
			return fmt.Sprintf("Based on our recent conversations, you seem to be feeling mostly %s.", dominant), nil
		}
	}
	return fmt.Sprintf("Right now, you seem to be feeling %s.", u.emotion.Label), nil
}

func (e *Engine) farewell(_ context.Context, _ *utterance) (string, error) {
	return "Goodbye! It was nice talking with you. Feel free to call me anytime!", nil
}

func (e *Engine) tellTime(_ context.Context, _ *utterance) (string, error) {
	return "It's " + e.now().Format("3:04 PM on Monday, January 2") + ".", nil
}

func (e *Engine) help(_ context.Context, _ *utterance) (string, error) {
	return helpText, nil
}

func (e *Engine) fallback(_ context.Context, _ *utterance) (string, error) {
	return "I'm not sure how to help with that, but I'm learning! Can you rephrase or ask something else?", nil
}

func emotionPrefix(emotion string) string {
	switch emotion {
	case nlu.EmotionSadness:
		return "I sense you might be feeling down. "
	case nlu.EmotionAnger:
		return "I understand you might be frustrated. "
	case nlu.EmotionJoy:
		return "I'm glad you seem happy! "
	}
	return ""
}

// stripFactMarker returns the text after the first marker, or the whole text when none is present
func stripFactMarker(text string) string {
	fact := text
	for _, m := range factMarkers {
		if loc := m.FindStringIndex(text); loc != nil {
			fact = text[loc[1]:]
			break
		}
	}
	return strings.Trim(fact, " \t.,:;!")
}

// keywordsOf keeps the distinct lowercased words of four letters or more
func keywordsOf(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,:;!?\"'()")
		if len(w) < 4 || keywordStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func wordSet(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,:;!?\"'")] = true
	}
	return words
}
