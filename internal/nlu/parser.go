package nlu

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"eric_assistant/pkg"
)

// Constants for parsing model output
const (
	DefaultRecordDelimiter     = "##"
	DefaultTupleDelimiter      = "<||>"
	DefaultCompletionDelimiter = "<|COMPLETE|>"
	MaxTupleLength             = 500
)

// RawTuple represents a parsed tuple with string parts
type RawTuple struct {
	Type  string
	Parts []string
}

// Analysis is the parsed answer of one model call
type Analysis struct {
	Intent  pkg.Classification
	Emotion pkg.Classification
	// Skipped counts records that could not be parsed
	Skipped int
}

// TupleParser reads "(type<||>label<||>confidence)##...<|COMPLETE|>" records
type TupleParser struct {
	RecordDelimiter     string
	TupleDelimiter      string
	CompletionDelimiter string
}

// NewTupleParser creates a parser with the default delimiters
func NewTupleParser() *TupleParser {
	return &TupleParser{
		RecordDelimiter:     DefaultRecordDelimiter,
		TupleDelimiter:      DefaultTupleDelimiter,
		CompletionDelimiter: DefaultCompletionDelimiter,
	}
}

func validateString(s string, maxLength int, fieldName string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(s) > maxLength {
		return fmt.Errorf("%s too long: %d characters (max: %d)", fieldName, len(s), maxLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid UTF-8 characters", fieldName)
	}
	return nil
}

func parseConfidence(s string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid confidence: %s", s)
	}
	if value < 0 || value > 1 {
		return 0, fmt.Errorf("confidence out of range: %v", value)
	}
	return value, nil
}

// parseRawTuple converts `("intent"<||>greeting<||>0.9)` into a RawTuple
func (p *TupleParser) parseRawTuple(tupleStr string) (*RawTuple, error) {
	if err := validateString(tupleStr, MaxTupleLength, "tuple string"); err != nil {
		return nil, err
	}

	tupleStr = strings.Trim(tupleStr, "()")
	parts := strings.Split(tupleStr, p.TupleDelimiter)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid tuple format: expected 3 parts, got %d", len(parts))
	}
	for i := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(parts[i]), `"'`)
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("tuple type cannot be empty")
	}
	return &RawTuple{Type: strings.ToLower(parts[0]), Parts: parts}, nil
}

// Parse reads every record; the highest-confidence tuple of each type wins.
// It fails only when neither an intent nor an emotion could be read.
func (p *TupleParser) Parse(content string) (Analysis, error) {
	var (
		out                   Analysis
		haveIntent, haveEmote bool
	)

	for _, record := range strings.Split(content, p.RecordDelimiter) {
		record = strings.TrimSpace(record)
		if record == "" || record == p.CompletionDelimiter {
			continue
		}
		record = strings.TrimSpace(strings.TrimSuffix(record, p.CompletionDelimiter))

		raw, err := p.parseRawTuple(record)
		if err != nil {
			out.Skipped++
			continue
		}
		label := strings.ToLower(raw.Parts[1])
		if err := validateString(label, 100, "label"); err != nil {
			out.Skipped++
			continue
		}
		conf, err := parseConfidence(raw.Parts[2])
		if err != nil {
			out.Skipped++
			continue
		}

		c := pkg.Classification{Label: label, Confidence: conf}
		switch raw.Type {
		case "intent":
			if !haveIntent || conf > out.Intent.Confidence {
				out.Intent, haveIntent = c, true
			}
		case "emotion":
			if !haveEmote || conf > out.Emotion.Confidence {
				out.Emotion, haveEmote = c, true
			}
		default:
			out.Skipped++
		}
	}

	if !haveIntent && !haveEmote {
		return out, fmt.Errorf("no intent or emotion tuple in model output")
	}
	if !haveIntent {
		out.Intent = pkg.Classification{Label: IntentUnknown}
	}
	if !haveEmote {
		out.Emotion = pkg.Classification{Label: EmotionNeutral}
	}
	return out, nil
}
