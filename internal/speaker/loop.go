package speaker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/observability"
)

// ChunkSource yields captured audio; the capture pipeline implements it.
type ChunkSource interface {
	Read(ctx context.Context) (audio.Chunk, error)
}

// Spotter detects a phrase in the chunk stream.
type Spotter interface {
	Process(c audio.Chunk) bool
	Reset()
}

// Listener is the audio consumer loop: it reads chunks and hands each one
// to the consumer for the current state. Work that can block is left to
// the machine's workers.
type Listener struct {
	machine   *Machine
	source    ChunkSource
	wake      Spotter
	stop      Spotter
	segmenter *audio.Segmenter
	logger    zerolog.Logger

	last State
}

// NewListener creates the audio loop
func NewListener(m *Machine, source ChunkSource, wake, stop Spotter, segmenter *audio.Segmenter, logger zerolog.Logger) *Listener {
	return &Listener{
		machine:   m,
		source:    source,
		wake:      wake,
		stop:      stop,
		segmenter: segmenter,
		logger:    logger,
		last:      m.State(),
	}
}

// Run loops until ctx is done or the source is closed.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Str("state", l.last.String()).Msg("Listening")
	// paused is set while the gate is closed; an utterance open across a
	// pause is discarded because the skipped audio would read as silence.
	paused := false
	for {
		if !l.machine.Listening() {
			paused = true
		}
		if err := l.machine.WaitListen(ctx); err != nil {
			return err
		}
		chunk, err := l.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, audio.ErrPipelineClosed) {
				return nil
			}
			return err
		}
		// speech may have started while the read was blocked
		if !l.machine.Listening() {
			paused = true
			continue
		}
		if paused {
			l.segmenter.Reset()
			paused = false
		}
		l.Dispatch(ctx, chunk)
	}
}

// Dispatch routes one chunk by state.
func (l *Listener) Dispatch(ctx context.Context, c audio.Chunk) {
	state := l.machine.State()
	if state != l.last {
		l.segmenter.Reset()
		l.wake.Reset()
		l.stop.Reset()
		l.last = state
	}

	switch state {
	case Sleeping:
		if l.wake.Process(c) {
			l.logger.Info().Msg("Wake word detected")
			l.machine.OnWakeWord(ctx)
		}
	case PlayingMusic:
		if l.stop.Process(c) {
			l.logger.Info().Msg("Stop phrase detected")
			l.machine.OnStopPhrase(ctx)
		}
	case Awake:
		switch ev, utt := l.segmenter.Process(c); ev {
		case audio.SegmentSpeechStarted:
			l.machine.NotifyListening()
		case audio.SegmentUtteranceReady:
			observability.RecordUtterance(string(utt.Reason), utt.Duration())
			l.logger.Info().Str("reason", string(utt.Reason)).Dur("duration", utt.Duration()).Msg("Utterance recorded")
			l.machine.ProcessCommand(ctx, utt)
		}
	}
}
