package nlu

import (
	"strings"
	"unicode"
)

// Label pairs a classifier label with the phrases that signal it
type Label struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
}

// Intent labels understood by the dialogue policy
const (
	IntentGreeting          = "greeting"
	IntentRememberFact      = "remember_fact"
	IntentRememberEvent     = "remember_event"
	IntentImportantInfo     = "important_info"
	IntentRetrieveMemory    = "retrieve_memory"
	IntentPlayMusic         = "play_music"
	IntentQuestionAnswering = "question_answering"
	IntentGoodbye           = "goodbye"
	IntentEmotionQuery      = "emotion_query"
	IntentTimeQuery         = "time_query"
	IntentHelp              = "help"
	IntentUnknown           = "unknown"
)

// Emotion labels
const (
	EmotionJoy      = "joy"
	EmotionSadness  = "sadness"
	EmotionAnger    = "anger"
	EmotionFear     = "fear"
	EmotionSurprise = "surprise"
	EmotionNeutral  = "neutral"
)

// DefaultIntents is used when no lexicon file is configured
func DefaultIntents() []Label {
	return []Label{
		{Name: IntentGreeting, Phrases: []string{
			"hello", "hi", "hey", "good morning", "good evening", "good afternoon",
			"hello eric", "hi eric", "hey eric", "greetings", "howdy",
			"what's up", "how are you", "nice to meet you",
		}},
		{Name: IntentRememberFact, Phrases: []string{
			"remember that", "please remember", "don't forget", "keep in mind",
			"save this information", "remember this", "note that", "store this",
			"i want you to remember", "please save", "commit to memory", "save this",
		}},
		{Name: IntentRememberEvent, Phrases: []string{
			"remind me", "schedule", "appointment", "meeting", "set a reminder",
			"remember my exam", "i have a meeting", "don't let me forget",
			"schedule an event", "add to calendar", "set up appointment",
			"book a meeting", "plan for",
		}},
		{Name: IntentImportantInfo, Phrases: []string{
			"this is important", "important information", "very important",
		}},
		{Name: IntentRetrieveMemory, Phrases: []string{
			"what do you remember", "recall", "what did i tell you",
			"do you remember when", "what was that about", "tell me what you know",
			"search your memory", "what do you know about", "remind me about",
			"what information do you have", "look up", "find information about",
		}},
		{Name: IntentPlayMusic, Phrases: []string{
			"play song", "play music", "next song", "previous song", "skip song",
			"pause music", "stop music", "play", "start music", "resume music",
			"change song", "shuffle", "repeat", "turn on music", "music on",
		}},
		{Name: IntentQuestionAnswering, Phrases: []string{
			"what is", "tell me about", "explain", "how does", "what does",
			"who is", "where is", "when did", "why is", "how to",
			"can you explain", "help me understand", "what's the meaning",
			"define", "describe", "give me information about",
		}},
		{Name: IntentGoodbye, Phrases: []string{
			"goodbye", "bye", "see you later", "talk to you later", "farewell",
			"exit", "quit", "end conversation", "that's all", "thank you",
			"good night", "see you", "catch you later", "until next time",
		}},
		{Name: IntentEmotionQuery, Phrases: []string{
			"how do i feel", "what's my mood", "analyze my emotion", "my current emotion",
			"am i happy", "am i sad", "what emotion am i showing", "detect my mood",
			"how am i feeling", "what's my emotional state", "mood check",
		}},
		{Name: IntentTimeQuery, Phrases: []string{
			"what time is it", "current time", "what's the time", "time please",
			"tell me the time", "what time", "current hour",
		}},
		{Name: IntentHelp, Phrases: []string{
			"help", "what can you do", "your capabilities", "how can you help",
			"what are your features", "commands", "instructions", "guide me",
		}},
	}
}

// DefaultEmotions is used when no lexicon file is configured
func DefaultEmotions() []Label {
	return []Label{
		{Name: EmotionJoy, Phrases: []string{
			"happy", "great", "wonderful", "amazing", "fantastic", "love this",
			"excellent", "perfect", "awesome", "brilliant", "thrilled", "smile",
			"feeling great", "excited", "delighted", "ecstatic", "glad",
		}},
		{Name: EmotionSadness, Phrases: []string{
			"sad", "terrible", "hate this", "awful", "horrible", "depressed",
			"bad day", "feel down", "feeling down", "unhappy", "this sucks", "disappointed",
			"feeling blue", "not good", "upset", "depressing", "heartbroken",
			"feeling low", "miserable", "lonely",
		}},
		{Name: EmotionAnger, Phrases: []string{
			"angry", "frustrating", "frustrated", "hate it", "annoying", "furious",
			"makes me mad", "mad", "irritating", "pissed", "infuriating", "outraged",
			"ridiculous", "livid", "annoyed", "steaming",
		}},
		{Name: EmotionFear, Phrases: []string{
			"scared", "frightening", "worried", "afraid", "terrified", "nervous",
			"anxious", "scares me", "scary", "frightened", "panicking", "fearful",
		}},
		{Name: EmotionSurprise, Phrases: []string{
			"wow", "incredible", "can't believe", "shocking", "unbelievable",
			"surprising", "didn't expect", "astonishing", "remarkable",
			"what a surprise", "unexpected", "shocked", "hard to believe",
			"startling", "mind-blowing", "speechless",
		}},
	}
}

// normalize lowercases text and pads word boundaries with spaces
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// containsPhrase matches whole words only; haystack must come from normalize
func containsPhrase(haystack, phrase string) bool {
	p := strings.TrimSpace(normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(haystack, " "+p+" ")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
