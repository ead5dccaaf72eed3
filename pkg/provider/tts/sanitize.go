package tts

import (
	"regexp"
	"strings"
)

// Markdown constructs are either unwrapped to their text content or removed
// entirely. Bullet points become the spoken transition "Next, " so list items
// flow as sentences.
var markdownPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("(?s)```.*?```"), ""},
	{regexp.MustCompile("`([^`]+)`"), "$1"},
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "$1"},
	{regexp.MustCompile(`__(.+?)__`), "$1"},
	{regexp.MustCompile(`\*(.+?)\*`), "$1"},
	{regexp.MustCompile(`_(.+?)_`), "$1"},
	{regexp.MustCompile(`~~(.+?)~~`), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`(?m)^\s*[-*+\x{2022}]\s+`), "Next, "},
	{regexp.MustCompile(`(?m)^\s*\d+\.\s+`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
}

// emojiRE matches the common emoji ranges, variation selectors and joiners.
var emojiRE = regexp.MustCompile("[" +
	"\U0001f300-\U0001f9ff" +
	"✂-➰" +
	"︀-️" +
	"‍" +
	"☀-⛿" +
	"⌀-⏿" +
	"⭐-⭕" +
	"⤴-⤵" +
	"▪-◾" +
	"ℹ" +
	"↔-↪" +
	"✔✖✨" +
	"]+")

var whitespaceRE = regexp.MustCompile(`\s+`)

// CleanForSpeech strips markdown formatting and emoji so a synthesiser reads
// the text naturally, and collapses runs of whitespace. It may return an
// empty string when the input contains no speakable content.
func CleanForSpeech(text string) string {
	for _, p := range markdownPatterns {
		text = p.re.ReplaceAllString(text, p.repl)
	}
	text = emojiRE.ReplaceAllString(text, "")
	text = strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))

	// Spoken transitions make no sense at clip boundaries.
	text = strings.TrimPrefix(text, "Next, ")
	if rest, ok := strings.CutSuffix(text, "Next,"); ok {
		text = strings.TrimSpace(rest)
	}
	return text
}
