package llm

import (
	"regexp"
	"strings"
)

// Reasoning models wrap private chain-of-thought in tags that must never
// reach JSON parsing or the user. The closing tag for redacted_reasoning
// really is </think> in the wire format.
var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think[^>]*>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking[^>]*>.*?</thinking>`),
	regexp.MustCompile(`(?is)<reasoning[^>]*>.*?</reasoning>`),
	regexp.MustCompile(`(?is)<thought[^>]*>.*?</thought>`),
	regexp.MustCompile(`(?is)<redacted_reasoning[^>]*>.*?</think>`),
}

var reasoningOpeners = []string{"<redacted_reasoning", "<think"}

var reasoningClosers = []string{"</think>", "</thinking>", "</reasoning>", "</thought>"}

// StripReasoning removes reasoning spans from a complete response.
// Matching is case-insensitive and spans may contain newlines. A span
// of a different tag nested inside another span is removed with it, and
// repeated passes remove spans that become complete after an earlier
// pass. Each match ends at the nearest closing tag, so a span nested in
// a span opened by the same tag (such as <think> inside <think>) leaves
// the outer closing tag and the text before it in the result.
func StripReasoning(content string) string {
	result := content
	for {
		before := result
		for _, pattern := range reasoningPatterns {
			result = pattern.ReplaceAllString(result, "")
		}
		if result == before {
			break
		}
	}
	return strings.TrimSpace(result)
}

// streamScrubber filters reasoning spans out of a token stream. Tokens are
// buffered while a span is open and only visible text is released.
type streamScrubber struct {
	buf    strings.Builder
	inSpan bool
}

// Feed consumes the next token and returns any text safe to emit.
func (s *streamScrubber) Feed(token string) string {
	s.buf.WriteString(token)
	content := s.buf.String()
	lower := strings.ToLower(content)

	if s.inSpan {
		for _, closer := range reasoningClosers {
			idx := strings.Index(lower, closer)
			if idx < 0 {
				continue
			}
			after := content[idx+len(closer):]
			s.inSpan = false
			s.buf.Reset()
			if after != "" {
				// Remainder may itself open another span.
				return s.Feed(after)
			}
			return ""
		}
		return ""
	}

	for _, opener := range reasoningOpeners {
		idx := strings.Index(lower, opener)
		if idx < 0 {
			continue
		}
		visible := content[:idx]
		s.inSpan = true
		s.buf.Reset()
		s.buf.WriteString(content[idx:])
		return visible
	}

	// Hold back a partial opener at the tail so split tags are not leaked.
	if tail := partialOpenerLen(lower); tail > 0 {
		visible := content[:len(content)-tail]
		rest := content[len(content)-tail:]
		s.buf.Reset()
		s.buf.WriteString(rest)
		return visible
	}

	s.buf.Reset()
	return content
}

// Flush returns whatever buffered text remains once the stream ends.
// An unterminated span is dropped entirely.
func (s *streamScrubber) Flush() string {
	if s.inSpan {
		s.buf.Reset()
		return ""
	}
	remaining := s.buf.String()
	s.buf.Reset()
	return StripReasoning(remaining)
}

// partialOpenerLen reports the length of the longest opener prefix that the
// input ends with, or 0 when the tail cannot start a reasoning tag.
func partialOpenerLen(lower string) int {
	for _, opener := range reasoningOpeners {
		max := len(opener)
		if max > len(lower) {
			max = len(lower)
		}
		for n := max; n > 0; n-- {
			if strings.HasSuffix(lower, opener[:n]) {
				return n
			}
		}
	}
	return 0
}
