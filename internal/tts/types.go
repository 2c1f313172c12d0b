package tts

import "context"

// AudioChunk is a piece of synthesized audio. A chunk with Err set is the
// last one of a failed stream.
type AudioChunk struct {
	Data []byte
	Err  error
}

// Synthesizer streams encoded audio for a piece of text. The channel is
// closed when the stream ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan *AudioChunk, error)
}
