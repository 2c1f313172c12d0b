// Package keyword spots a fixed set of phrases in a live PCM stream using a
// grammar-constrained offline recognizer.
package keyword

import (
	"encoding/json"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/observability"
)

// Unknown is the out-of-vocabulary token appended to every grammar.
const Unknown = "[unk]"

// Recognizer is a streaming recognizer restricted to a grammar.
type Recognizer interface {
	// AcceptWaveform feeds PCM and reports whether a hypothesis was finalized.
	AcceptWaveform(pcm []byte) bool
	// Result returns the finalized hypothesis as {"text": "..."} JSON.
	Result() string
	Reset()
	Close() error
}

// RecognizerFactory builds a recognizer for grammar at sampleRate.
type RecognizerFactory interface {
	NewRecognizer(grammar string, sampleRate int) (Recognizer, error)
}

// Grammar renders phrases plus the unknown token as a recognizer grammar.
func Grammar(phrases []string) string {
	words := append(append([]string(nil), phrases...), Unknown)
	b, _ := json.Marshal(words)
	return string(b)
}

type result struct {
	Text string `json:"text"`
}

// Spotter reports when any of its phrases was heard. A spotter whose
// recognizer could not be built is inert and never fires.
type Spotter struct {
	name    string
	phrases []string
	logger  zerolog.Logger

	mu  sync.Mutex
	rec Recognizer
}

// NewSpotter builds a spotter. Failures are logged and leave it inert.
func NewSpotter(name string, phrases []string, sampleRate int, factory RecognizerFactory, logger zerolog.Logger) *Spotter {
	s := &Spotter{
		name:   name,
		logger: logger.With().Str("spotter", name).Logger(),
	}
	for _, p := range phrases {
		if p = stripSpace(p); p != "" {
			s.phrases = append(s.phrases, p)
		}
	}

	if len(s.phrases) == 0 {
		s.logger.Error().Msg("No keywords configured, spotter disabled")
		return s
	}
	if factory == nil {
		s.logger.Error().Msg("No recognizer available, spotter disabled")
		return s
	}

	rec, err := factory.NewRecognizer(Grammar(s.phrases), sampleRate)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create keyword recognizer, spotter disabled")
		observability.CaptureError(err, "recognizer_init", "keyword_"+name)
		return s
	}
	s.rec = rec
	s.logger.Info().Strs("keywords", s.phrases).Msg("Keyword spotter ready")
	return s
}

// Name returns the spotter's name.
func (s *Spotter) Name() string { return s.name }

// Loaded reports whether the spotter has a working recognizer.
func (s *Spotter) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil
}

// Process feeds one chunk and returns true when a finalized hypothesis
// contains any phrase.
func (s *Spotter) Process(c audio.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return false
	}
	if !s.rec.AcceptWaveform(c.PCM) {
		return false
	}

	raw := s.rec.Result()
	var r result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		s.logger.Warn().Err(err).Str("json", raw).Msg("Failed to parse recognizer result")
		return false
	}

	text := stripSpace(r.Text)
	for _, p := range s.phrases {
		if strings.Contains(text, p) {
			s.logger.Info().Str("text", text).Msg("Keyword detected")
			observability.RecordKeywordDetection(s.name)
			return true
		}
	}
	return false
}

// Reset discards any partially recognized audio.
func (s *Spotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		s.rec.Reset()
	}
}

// Close releases the recognizer; the spotter is inert afterwards.
func (s *Spotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	err := s.rec.Close()
	s.rec = nil
	return err
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
