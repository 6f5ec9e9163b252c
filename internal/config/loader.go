package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"eric_assistant/internal/nlu"
)

// Lexicon is the structure of config.yaml: the phrases behind each intent and emotion label
type Lexicon struct {
	Intents  []nlu.Label `yaml:"intents"`
	Emotions []nlu.Label `yaml:"emotions"`
}

// LoadLexicon loads the lexicon from a YAML file. A missing file, or a missing
// section, falls back to the built-in phrases.
func LoadLexicon(filepath string) (*Lexicon, error) {
	lex := &Lexicon{}

	if filepath != "" {
		data, err := os.ReadFile(filepath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading lexicon file: %w", err)
		default:
			if err := yaml.Unmarshal(data, lex); err != nil {
				return nil, fmt.Errorf("error parsing YAML: %w", err)
			}
		}
	}

	if len(lex.Intents) == 0 {
		lex.Intents = nlu.DefaultIntents()
	}
	if len(lex.Emotions) == 0 {
		lex.Emotions = nlu.DefaultEmotions()
	}
	if err := validateLabels(lex.Intents); err != nil {
		return nil, fmt.Errorf("invalid intents: %w", err)
	}
	if err := validateLabels(lex.Emotions); err != nil {
		return nil, fmt.Errorf("invalid emotions: %w", err)
	}
	return lex, nil
}

func validateLabels(labels []nlu.Label) error {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l.Name == "" {
			return errors.New("label name cannot be empty")
		}
		if seen[l.Name] {
			return fmt.Errorf("duplicate label %q", l.Name)
		}
		seen[l.Name] = true
		if len(l.Phrases) == 0 {
			return fmt.Errorf("label %q has no phrases", l.Name)
		}
	}
	return nil
}
