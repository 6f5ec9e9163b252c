package nlu

import (
	"context"
	"math"

	"eric_assistant/pkg"
)

// KeywordClassifier picks the label whose longest phrase occurs in the text.
// It serves both intents (default "unknown") and emotions (default "neutral").
type KeywordClassifier struct {
	labels       []Label
	fallback     string
	fallbackConf float64
}

// NewIntentClassifier builds a keyword intent classifier; no match yields ("unknown", 0)
func NewIntentClassifier(labels []Label) *KeywordClassifier {
	return &KeywordClassifier{labels: labels, fallback: IntentUnknown}
}

// NewEmotionClassifier builds a lexicon emotion classifier; no cue yields ("neutral", 0.7)
func NewEmotionClassifier(labels []Label) *KeywordClassifier {
	return &KeywordClassifier{labels: labels, fallback: EmotionNeutral, fallbackConf: 0.7}
}

var (
	_ pkg.IntentClassifier  = (*KeywordClassifier)(nil)
	_ pkg.EmotionClassifier = (*KeywordClassifier)(nil)
)

// Classify never fails. Earlier labels win ties.
func (k *KeywordClassifier) Classify(ctx context.Context, text string) (pkg.Classification, error) {
	haystack := normalize(text)
	total := wordCount(haystack)

	best := pkg.Classification{Label: k.fallback, Confidence: k.fallbackConf}
	bestWords, bestHits := 0, 0
	for _, label := range k.labels {
		longest, hits := 0, 0
		for _, phrase := range label.Phrases {
			if !containsPhrase(haystack, phrase) {
				continue
			}
			hits++
			if n := wordCount(phrase); n > longest {
				longest = n
			}
		}
		if hits == 0 {
			continue
		}
		if longest > bestWords || (longest == bestWords && hits > bestHits) {
			bestWords, bestHits = longest, hits
			best = pkg.Classification{Label: label.Name, Confidence: score(longest, hits, total)}
		}
	}
	return best, nil
}

// score grows with phrase coverage of the utterance and with extra cue hits
func score(longest, hits, total int) float64 {
	if total == 0 {
		return 0
	}
	coverage := float64(longest) / float64(total)
	conf := 0.5 + 0.4*math.Min(coverage, 1) + 0.05*float64(hits-1)
	return math.Round(math.Min(conf, 0.99)*100) / 100
}
