package render

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// SplitStrategy is how a WhatsApp body is broken into an ordered multi-message sequence
type SplitStrategy string

const (
	// SplitNone sends the body as a single message
	SplitNone SplitStrategy = ""

	// SplitParagraph breaks on blank lines
	SplitParagraph SplitStrategy = "paragraph"

	// SplitSentence breaks after sentence ending punctuation followed by a capital
	SplitSentence SplitStrategy = "sentence"

	// SplitDelimiter breaks on a custom delimiter string
	SplitDelimiter SplitStrategy = "custom_delimiter"

	// SplitCharLimit breaks into chunks of at most N characters
	SplitCharLimit SplitStrategy = "character_limit"
)

// MinPartDelay is the smallest allowed delay between parts of a split sequence
const MinPartDelay = 100 * time.Millisecond

// Options controls rendering of multi-message sequences
type Options struct {
	Strategy  SplitStrategy `json:"strategy,omitempty"`
	Delimiter string        `json:"delimiter,omitempty"`
	CharLimit int           `json:"char_limit,omitempty"`
	PartDelay time.Duration `json:"part_delay,omitempty"`
}

var paragraphRegex = regexp.MustCompile(`\n{2,}`)

// Split breaks text into an ordered sequence of message parts using the strategy in the
// given options. Parts are trimmed and empties dropped, an unsplittable text comes back
// as a single part.
func Split(text string, opts Options) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var parts []string
	switch opts.Strategy {
	case SplitParagraph:
		parts = paragraphRegex.Split(text, -1)
	case SplitSentence:
		parts = splitSentences(text)
	case SplitDelimiter:
		parts = strings.Split(text, opts.Delimiter)
	case SplitCharLimit:
		parts = splitChars(text, opts.CharLimit)
	default:
		parts = []string{text}
	}

	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	if len(trimmed) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return trimmed
}

// splitSentences breaks after . ! or ? when followed by whitespace and an upper case
// letter, so abbreviations mid sentence don't cause a break
func splitSentences(text string) []string {
	runes := []rune(text)
	parts := make([]string, 0, 4)
	start := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}
		parts = append(parts, string(runes[start:i+1]))
		start = j
		i = j - 1
	}

	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

// splitChars breaks text into chunks of at most max bytes, preferring to break on a
// space near the limit
func splitChars(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	parts := make([]string, 0, 2)
	part := strings.Builder{}
	for _, r := range text {
		part.WriteRune(r)
		if part.Len() >= max || (part.Len() > max-6 && r == ' ') {
			parts = append(parts, part.String())
			part.Reset()
		}
	}
	if part.Len() > 0 {
		parts = append(parts, part.String())
	}
	return parts
}
