package nlu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"eric_assistant/pkg"
)

// ChatGenerator is the part of an eino chat model the classifier needs
type ChatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ModelConfig holds the OpenAI-compatible endpoint settings
type ModelConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewOpenAIChatModel creates an eino chat model for any OpenAI-compatible endpoint
func NewOpenAIChatModel(ctx context.Context, cfg ModelConfig) (*openai.ChatModel, error) {
	maxTokens := cfg.MaxTokens
	temperature := float32(cfg.Temperature)

	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return chatModel, nil
}

// LLMClassifier asks a chat model for intent and emotion in one call.
// The last analysis is cached so the emotion and intent views share a call.
type LLMClassifier struct {
	chain    compose.Runnable[map[string]any, Analysis]
	parser   *TupleParser
	intents  map[string]bool
	emotions map[string]bool
	vars     map[string]any
	log      zerolog.Logger

	mu       sync.Mutex
	lastText string
	last     Analysis
}

// LLMOption configures an LLMClassifier
type LLMOption func(*LLMClassifier)

// WithLLMLogger sets the classifier logger
func WithLLMLogger(l zerolog.Logger) LLMOption {
	return func(c *LLMClassifier) { c.log = l }
}

// NewLLMClassifier builds a classifier restricted to the given label sets.
// The prompt, model call and tuple parsing run as one compiled eino chain.
func NewLLMClassifier(ctx context.Context, gen ChatGenerator, intents, emotions []Label, opts ...LLMOption) (*LLMClassifier, error) {
	c := &LLMClassifier{
		parser:   NewTupleParser(),
		intents:  labelSet(intents),
		emotions: labelSet(emotions),
		log:      zerolog.Nop(),
	}
	c.emotions[EmotionNeutral] = true
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "llm_classifier").Logger()
	c.vars = map[string]any{
		"intents":  strings.Join(labelNames(intents), ", "),
		"emotions": strings.Join(append(labelNames(emotions), EmotionNeutral), ", "),
	}

	generate := compose.InvokableLambda(func(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
		out, err := gen.Generate(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("classifier model call: %w", err)
		}
		return out, nil
	})
	parse := compose.InvokableLambda(func(_ context.Context, out *schema.Message) (Analysis, error) {
		return c.restrict(c.parser.Parse(out.Content))
	})

	chain, err := compose.NewChain[map[string]any, Analysis]().
		AppendChatTemplate(createClassifierTemplate(c.parser)).
		AppendLambda(generate).
		AppendLambda(parse).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating classifier chain: %w", err)
	}
	c.chain = chain
	return c, nil
}

// restrict maps labels outside the configured sets to unknown and neutral
func (c *LLMClassifier) restrict(analysis Analysis, err error) (Analysis, error) {
	if err != nil {
		return Analysis{}, err
	}
	if analysis.Skipped > 0 {
		c.log.Debug().Int("skipped", analysis.Skipped).Msg("skipped malformed tuples")
	}
	if !c.intents[analysis.Intent.Label] {
		analysis.Intent = pkg.Classification{Label: IntentUnknown}
	}
	if !c.emotions[analysis.Emotion.Label] {
		analysis.Emotion = pkg.Classification{Label: EmotionNeutral}
	}
	return analysis, nil
}

// Analyze classifies text with a single model call
func (c *LLMClassifier) Analyze(ctx context.Context, text string) (Analysis, error) {
	c.mu.Lock()
	if c.lastText == text && text != "" {
		cached := c.last
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	vars := make(map[string]any, len(c.vars)+1)
	for k, v := range c.vars {
		vars[k] = v
	}
	vars["utterance"] = text

	analysis, err := c.chain.Invoke(ctx, vars)
	if err != nil {
		return Analysis{}, err
	}

	c.mu.Lock()
	c.lastText, c.last = text, analysis
	c.mu.Unlock()
	return analysis, nil
}

// Intents returns the intent classifier view
func (c *LLMClassifier) Intents() pkg.IntentClassifier {
	return llmView{c: c, pick: func(a Analysis) pkg.Classification { return a.Intent }}
}

// Emotions returns the emotion classifier view
func (c *LLMClassifier) Emotions() pkg.EmotionClassifier {
	return llmView{c: c, pick: func(a Analysis) pkg.Classification { return a.Emotion }}
}

type llmView struct {
	c    *LLMClassifier
	pick func(Analysis) pkg.Classification
}

func (v llmView) Classify(ctx context.Context, text string) (pkg.Classification, error) {
	a, err := v.c.Analyze(ctx, text)
	if err != nil {
		return pkg.Classification{}, err
	}
	return v.pick(a), nil
}

// createClassifierTemplate builds the eino ChatTemplate; {intents}, {emotions} and {utterance} are filled per call
func createClassifierTemplate(p *TupleParser) prompt.ChatTemplate {
	system := strings.NewReplacer(
		"[TD]", p.TupleDelimiter,
		"[RD]", p.RecordDelimiter,
		"[CD]", p.CompletionDelimiter,
	).Replace(classifierSystemPrompt)

	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage("{utterance}"),
	)
}

const classifierSystemPrompt = `You classify a single user utterance for a personal assistant.

Allowed intents: {intents}
Allowed emotions: {emotions}

Answer with exactly two records and nothing else:
("intent"[TD]<intent label>[TD]<confidence 0-1>)[RD]("emotion"[TD]<emotion label>[TD]<confidence 0-1>)[RD][CD]

Use "unknown" as the intent when none of the allowed intents fits.`

func labelSet(labels []Label) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l.Name] = true
	}
	return set
}

func labelNames(labels []Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}
