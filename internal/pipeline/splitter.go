package pipeline

import (
	"strings"
	"unicode"
)

// MaxSentence is the forced-split bound: no emitted sentence exceeds this
// many runes.
const MaxSentence = 300

// abbreviations are suffixes that must not terminate a sentence when they
// precede a period ("Mr. Smith"). Matching is a case-sensitive suffix test,
// not a regex, so behaviour is identical across platforms.
var abbreviations = []string{
	"Mr", "Ms", "Mrs", "Dr", "Jr", "Sr", "St", "vs", "co", "etc", "inc", "ltd",
}

// forceSplitRunes are preferred break points when a force-split is needed,
// tried as "<rune><space>" from right to left within the limit.
var forceSplitRunes = []rune{',', ';', ':', '—', '–', '-'}

// Splitter accumulates streamed text deltas and emits complete sentences.
// A sentence ends at '.', '!' or '?' followed by whitespace or end of buffer,
// unless the terminator follows a digit (decimals), a known abbreviation, or
// a lone lowercase letter ("e.g.", "i.e."). Buffers that grow past
// [MaxSentence] without a boundary are force-split.
type Splitter struct {
	buf []rune
}

// Push appends a delta and returns all sentences completed by it, in order.
func (s *Splitter) Push(delta string) []string {
	s.buf = append(s.buf, []rune(delta)...)

	var out []string
	for {
		if sent, rest, ok := splitFirstSentence(s.buf); ok {
			if sent != "" {
				out = append(out, sent)
			}
			s.buf = rest
			continue
		}
		if len(s.buf) > MaxSentence {
			sent, rest := forceSplit(s.buf)
			if sent != "" {
				out = append(out, sent)
			}
			s.buf = rest
			continue
		}
		return out
	}
}

// Flush returns the residual unterminated text and resets the buffer.
func (s *Splitter) Flush() string {
	rest := strings.TrimSpace(string(s.buf))
	s.buf = nil
	return rest
}

// Pending reports whether undelivered text remains in the buffer.
func (s *Splitter) Pending() bool {
	return len(strings.TrimSpace(string(s.buf))) > 0
}

// splitFirstSentence finds the first real sentence boundary in buf and
// returns the trimmed sentence and the remaining runes. Boundaries past
// [MaxSentence] are ignored so the caller force-splits the buffer instead
// of emitting an over-long sentence.
func splitFirstSentence(buf []rune) (string, []rune, bool) {
	for i, r := range buf {
		if i >= MaxSentence {
			break
		}
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(buf) && !unicode.IsSpace(buf[i+1]) {
			continue
		}
		if i > 0 && unicode.IsDigit(buf[i-1]) {
			continue
		}
		if precededByAbbreviation(buf[:i]) {
			continue
		}
		end := i + 1
		if end < len(buf) {
			end++ // consume the whitespace after the terminator
		}
		sent := strings.TrimSpace(string(buf[:end]))
		rest := buf[end:]
		return sent, rest, true
	}
	return "", nil, false
}

// precededByAbbreviation reports whether the text before a terminator ends
// with a guarded abbreviation or a single-letter initial.
func precededByAbbreviation(prefix []rune) bool {
	if len(prefix) == 0 {
		return false
	}
	text := string(prefix)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(text, abbr) {
			return true
		}
	}
	// Single lowercase letters are abbreviation particles ("e.g.", "i.e.").
	// Uppercase is left alone so sentences ending in "I." still split.
	last := prefix[len(prefix)-1]
	if unicode.IsLower(last) {
		if len(prefix) == 1 || !unicode.IsLetter(prefix[len(prefix)-2]) {
			return true
		}
	}
	return false
}

// forceSplit cuts an over-long buffer. Preference order: the rightmost
// break rune followed by a space within the limit, then the rightmost space,
// then a hard cut at the limit.
func forceSplit(buf []rune) (string, []rune) {
	limit := MaxSentence
	if limit > len(buf) {
		limit = len(buf)
	}

	cut := -1
	for i := limit - 1; i > 0; i-- {
		if buf[i] != ' ' {
			continue
		}
		prev := buf[i-1]
		for _, br := range forceSplitRunes {
			if prev == br {
				cut = i + 1
				break
			}
		}
		if cut >= 0 {
			break
		}
	}
	if cut < 0 {
		for i := limit - 1; i > 0; i-- {
			if buf[i] == ' ' {
				cut = i + 1
				break
			}
		}
	}
	if cut < 0 {
		cut = limit
	}

	return strings.TrimSpace(string(buf[:cut])), buf[cut:]
}
