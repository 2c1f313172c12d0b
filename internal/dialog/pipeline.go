package dialog

import (
	"context"
	"iter"
	"strings"

	"github.com/rs/zerolog"
)

// Voice speaks one segment and returns when playback has ended.
type Voice interface {
	Speak(ctx context.Context, text string) error
}

// VoiceFunc adapts a function to Voice.
type VoiceFunc func(ctx context.Context, text string) error

// Speak calls f.
func (f VoiceFunc) Speak(ctx context.Context, text string) error { return f(ctx, text) }

// Pipeline speaks a streamed reply sentence by sentence, so the first
// sentence plays while the rest is still being generated.
type Pipeline struct {
	delims  []string
	voice   Voice
	history *History
	logger  zerolog.Logger

	// OnFragment, when set, sees every fragment as it arrives.
	OnFragment func(fragment string)
	// OnSegment, when set, sees every segment before it is spoken.
	OnSegment func(segment string)
}

// NewPipeline creates a pipeline. history may be nil.
func NewPipeline(delims []string, voice Voice, history *History, logger zerolog.Logger) *Pipeline {
	return &Pipeline{delims: delims, voice: voice, history: history, logger: logger}
}

// Run consumes fragments until they end, fail or ctx is done. Each complete
// sentence is spoken as soon as it is available and the remainder is spoken
// at the end. The whole reply is appended to the history as one assistant
// turn and returned together with any generation error.
func (p *Pipeline) Run(ctx context.Context, fragments iter.Seq2[string, error]) (string, error) {
	splitter := NewSentenceSplitter(p.delims)
	var full strings.Builder
	var genErr error
	segments := 0

	for fragment, err := range fragments {
		if err != nil {
			genErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		full.WriteString(fragment)
		if p.OnFragment != nil {
			p.OnFragment(fragment)
		}
		for _, seg := range splitter.Push(fragment) {
			segments++
			p.speak(ctx, seg)
		}
	}

	if rest := splitter.Flush(); rest != "" && ctx.Err() == nil {
		segments++
		p.speak(ctx, rest)
	}

	reply := strings.TrimSpace(full.String())
	if reply != "" && p.history != nil {
		p.history.Append(RoleAssistant, reply)
	}
	p.logger.Debug().Int("segments", segments).Int("reply_len", len(reply)).Msg("Reply spoken")

	if genErr != nil {
		return reply, genErr
	}
	return reply, ctx.Err()
}

func (p *Pipeline) speak(ctx context.Context, segment string) {
	if p.OnSegment != nil {
		p.OnSegment(segment)
	}
	if strings.TrimSpace(segment) == "" {
		return
	}
	if err := p.voice.Speak(ctx, segment); err != nil {
		// a failed sentence leaves a gap; the reply continues
		p.logger.Warn().Err(err).Str("segment", segment).Msg("Failed to speak segment")
	}
}
