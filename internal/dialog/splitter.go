package dialog

import "strings"

// DefaultDelimiters end a sentence.
var DefaultDelimiters = []string{"。", "！", "？", "...", "…", "；", "\n"}

// SentenceSplitter accumulates reply fragments and cuts them into
// sentences. The text is never altered: joining every emitted segment
// reproduces the input.
type SentenceSplitter struct {
	delims []string
	buf    strings.Builder
}

// NewSentenceSplitter uses delims, or DefaultDelimiters when empty.
func NewSentenceSplitter(delims []string) *SentenceSplitter {
	var kept []string
	for _, d := range delims {
		if d != "" {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		kept = DefaultDelimiters
	}
	return &SentenceSplitter{delims: kept}
}

// Push appends a fragment and returns every sentence it completed, in order.
func (s *SentenceSplitter) Push(fragment string) []string {
	s.buf.WriteString(fragment)
	rest := s.buf.String()

	var out []string
	for {
		idx, size := s.nextDelimiter(rest)
		if idx < 0 {
			break
		}
		out = append(out, rest[:idx+size])
		rest = rest[idx+size:]
	}

	if len(out) > 0 {
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
	return out
}

// Flush returns and clears whatever is left.
func (s *SentenceSplitter) Flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}

// nextDelimiter finds the earliest delimiter; at the same position the
// longest one wins, then the configured order.
func (s *SentenceSplitter) nextDelimiter(text string) (int, int) {
	best, size := -1, 0
	for _, d := range s.delims {
		i := strings.Index(text, d)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(d) > size) {
			best, size = i, len(d)
		}
	}
	return best, size
}
