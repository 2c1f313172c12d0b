package dialog

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexiqai/smart-speaker/internal/playback"
	"github.com/lexiqai/smart-speaker/internal/tts"
)

// TTSVoice synthesizes text and plays it through the playback supervisor.
type TTSVoice struct {
	synth  tts.Synthesizer
	player *playback.Supervisor
}

// NewTTSVoice creates a voice.
func NewTTSVoice(synth tts.Synthesizer, player *playback.Supervisor) *TTSVoice {
	return &TTSVoice{synth: synth, player: player}
}

// Speak blocks until the text was played, playback failed or ctx is done.
func (v *TTSVoice) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	audio, err := v.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	sess, err := v.player.Play(playback.KindSpeech, playback.Source{Audio: audio}, text, nil)
	if err != nil {
		return err
	}
	select {
	case <-sess.Done():
		if sess.Outcome() == playback.OutcomeFailed {
			return fmt.Errorf("speech playback failed")
		}
		return nil
	case <-ctx.Done():
		v.player.StopSession(sess)
		return ctx.Err()
	}
}
