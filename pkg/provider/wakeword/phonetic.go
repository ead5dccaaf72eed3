package wakeword

import (
	"errors"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// PhraseMatcher checks transcripts for a wake phrase by phonetic similarity,
// so "hey computer" still matches when the transcriber hears "hay computer".
// It is used when no wake word model is configured; the transcript is only
// available after speech-to-text has run.
type PhraseMatcher struct {
	words []phraseWord
}

type phraseWord struct {
	text      string
	primary   string
	alternate string
}

// NewPhraseMatcher creates a matcher for the given phrase, e.g. "hey otto".
func NewPhraseMatcher(phrase string) (*PhraseMatcher, error) {
	fields := strings.Fields(strings.ToLower(phrase))
	if len(fields) == 0 {
		return nil, errors.New("wakeword: phrase must not be empty")
	}
	m := &PhraseMatcher{}
	for _, f := range fields {
		primary, alternate := matchr.DoubleMetaphone(f)
		m.words = append(m.words, phraseWord{text: f, primary: primary, alternate: alternate})
	}
	return m, nil
}

// Match reports whether the wake phrase occurs as a consecutive word
// sequence anywhere in the transcript.
func (m *PhraseMatcher) Match(transcript string) bool {
	words := tokenize(transcript)
	if len(words) < len(m.words) {
		return false
	}
	for start := 0; start+len(m.words) <= len(words); start++ {
		matched := true
		for i, pw := range m.words {
			if !pw.matches(words[start+i]) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func (w phraseWord) matches(word string) bool {
	if word == w.text {
		return true
	}
	primary, alternate := matchr.DoubleMetaphone(word)
	if primary != "" && (primary == w.primary || primary == w.alternate) {
		return true
	}
	if alternate != "" && (alternate == w.primary || alternate == w.alternate) {
		return true
	}
	// Metaphone codes are short; a distance of one still means the words
	// sound alike.
	return w.primary != "" && primary != "" && matchr.Levenshtein(primary, w.primary) <= 1
}

// tokenize lowercases the transcript and splits it on anything that is not a
// letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
