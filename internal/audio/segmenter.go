package audio

import (
	"time"
)

// SegmenterConfig holds the endpointing parameters
type SegmenterConfig struct {
	PreRoll        time.Duration // audio kept from before speech onset
	ChunkDuration  time.Duration // duration of one incoming chunk
	SilenceTimeout time.Duration // silence that ends an utterance
	MaxDuration    time.Duration // hard cap on utterance length
}

// SegmentEvent is what a single chunk did to the segmenter
type SegmentEvent int

const (
	SegmentNone           SegmentEvent = iota
	SegmentSpeechStarted               // recording began with this chunk
	SegmentUtteranceReady              // an utterance was finalized
)

// Segmenter turns a chunk stream into utterances using a speech classifier,
// a pre-roll buffer and a silence timeout. Time is taken from chunk capture
// timestamps, so replayed audio segments the same way as live audio.
type Segmenter struct {
	cfg        SegmenterConfig
	classifier SpeechClassifier

	preBuffer      *PreBuffer
	recording      bool
	frames         []Chunk
	recorded       time.Duration
	lastSpeechTime time.Time
}

// NewSegmenter creates a segmenter
func NewSegmenter(cfg SegmenterConfig, classifier SpeechClassifier) *Segmenter {
	return &Segmenter{
		cfg:        cfg,
		classifier: classifier,
		preBuffer:  NewPreBuffer(PreBufferCapacity(cfg.PreRoll, cfg.ChunkDuration)),
	}
}

// Recording reports whether an utterance is open
func (s *Segmenter) Recording() bool {
	return s.recording
}

// PreBufferCap is the pre-roll capacity in chunks
func (s *Segmenter) PreBufferCap() int {
	return s.preBuffer.Cap()
}

// Process feeds one chunk. The returned utterance is non-nil only together
// with SegmentUtteranceReady.
func (s *Segmenter) Process(c Chunk) (SegmentEvent, *Utterance) {
	speech := s.classifier.IsSpeech(c)

	if !s.recording {
		if !speech {
			s.preBuffer.Push(c)
			return SegmentNone, nil
		}
		s.recording = true
		s.frames = append(s.preBuffer.Drain(), c)
		s.recorded = 0
		for _, f := range s.frames {
			s.recorded += f.Duration()
		}
		s.lastSpeechTime = c.CapturedAt
		if s.recorded > s.cfg.MaxDuration {
			return SegmentUtteranceReady, s.finalize(EndMaxDuration)
		}
		return SegmentSpeechStarted, nil
	}

	s.frames = append(s.frames, c)
	s.recorded += c.Duration()
	if speech {
		s.lastSpeechTime = c.CapturedAt
	}

	if c.CapturedAt.Sub(s.lastSpeechTime) > s.cfg.SilenceTimeout {
		return SegmentUtteranceReady, s.finalize(EndSilence)
	}
	if s.recorded > s.cfg.MaxDuration {
		return SegmentUtteranceReady, s.finalize(EndMaxDuration)
	}
	return SegmentNone, nil
}

func (s *Segmenter) finalize(reason EndReason) *Utterance {
	u := &Utterance{Chunks: s.frames, Reason: reason}
	s.Reset()
	return u
}

// Reset drops any open utterance and the pre-roll
func (s *Segmenter) Reset() {
	s.recording = false
	s.frames = nil
	s.recorded = 0
	s.lastSpeechTime = time.Time{}
	s.preBuffer.Clear()
}
