package stt

import (
	"context"

	"github.com/lexiqai/smart-speaker/internal/audio"
)

// TranscriptionResult represents one transcription result from Deepgram
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// SpeechFinal is set when the service detected the end of speech
	SpeechFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// Transcriber turns a finished utterance into text. An empty string with a
// nil error means nothing intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, utt *audio.Utterance) (string, error)
}
