package audio

import (
	"fmt"

	"github.com/maxhawkins/go-webrtcvad"
)

// SpeechClassifier decides whether a chunk contains speech
type SpeechClassifier interface {
	IsSpeech(c Chunk) bool
}

// EnergyClassifier marks a chunk as speech when its RMS exceeds Threshold
type EnergyClassifier struct {
	Threshold float64
}

// NewEnergyClassifier creates an RMS threshold classifier
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	return &EnergyClassifier{Threshold: threshold}
}

// IsSpeech implements SpeechClassifier
func (e *EnergyClassifier) IsSpeech(c Chunk) bool {
	return PCMRMS(c.PCM) > e.Threshold
}

// DetectSilence reports whether samples stay under threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}

// webrtcFrame is the analysis window handed to the WebRTC detector.
const webrtcFrame = 20 // ms

// WebRTCClassifier asks the WebRTC voice activity detector about each
// 20 ms frame of a chunk and marks the chunk as speech when at least
// MinVoicedRatio of its frames are voiced. Chunks whose rate WebRTC does
// not support fall back to the energy classifier.
type WebRTCClassifier struct {
	vad            *webrtcvad.VAD
	fallback       *EnergyClassifier
	MinVoicedRatio float64
}

// NewWebRTCClassifier creates a detector with aggressiveness mode 0-3
func NewWebRTCClassifier(mode int, fallbackThreshold float64) (*WebRTCClassifier, error) {
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("webrtc vad mode must be 0-3, got %d", mode)
	}
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := vad.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set webrtc vad mode %d: %w", mode, err)
	}

	return &WebRTCClassifier{
		vad:            vad,
		fallback:       NewEnergyClassifier(fallbackThreshold),
		MinVoicedRatio: 0.5,
	}, nil
}

// IsSpeech implements SpeechClassifier
func (w *WebRTCClassifier) IsSpeech(c Chunk) bool {
	frameBytes := c.SampleRate * webrtcFrame / 1000 * BytesPerSample
	if frameBytes == 0 || !w.vad.ValidRateAndFrameLength(c.SampleRate, frameBytes/BytesPerSample) {
		return w.fallback.IsSpeech(c)
	}

	frames, voiced := 0, 0
	for off := 0; off+frameBytes <= len(c.PCM); off += frameBytes {
		active, err := w.vad.Process(c.SampleRate, c.PCM[off:off+frameBytes])
		if err != nil {
			return w.fallback.IsSpeech(c)
		}
		frames++
		if active {
			voiced++
		}
	}
	if frames == 0 {
		return w.fallback.IsSpeech(c)
	}
	return float64(voiced)/float64(frames) >= w.MinVoicedRatio
}

// NewClassifier builds the classifier named by engine ("energy" or "webrtc").
func NewClassifier(engine string, threshold float64, webrtcMode int) (SpeechClassifier, error) {
	switch engine {
	case "", "energy":
		return NewEnergyClassifier(threshold), nil
	case "webrtc":
		return NewWebRTCClassifier(webrtcMode, threshold)
	}
	return nil, fmt.Errorf("unknown vad engine %q", engine)
}
