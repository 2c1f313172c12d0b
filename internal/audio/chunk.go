package audio

import (
	"time"
)

// BytesPerSample for 16-bit PCM
const BytesPerSample = 2

// Chunk is a fixed-duration block of mono 16-bit little-endian PCM at the
// target rate. PCM must not be modified once the chunk is produced.
type Chunk struct {
	PCM        []byte
	SampleRate int
	Seq        uint64
	CapturedAt time.Time
}

// NewChunk copies pcm into a new chunk.
func NewChunk(pcm []byte, sampleRate int, seq uint64, capturedAt time.Time) Chunk {
	return Chunk{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: sampleRate,
		Seq:        seq,
		CapturedAt: capturedAt,
	}
}

// Duration is the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return PCMDuration(len(c.PCM), c.SampleRate)
}

// Samples decodes the chunk into signed samples.
func (c Chunk) Samples() []int16 {
	return BytesToSamples(c.PCM)
}

// PCMDuration returns how long n bytes of 16-bit mono PCM last at rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// EndReason tells why an utterance was finalized.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
)

// Utterance is the ordered audio from detected onset (including pre-roll)
// to endpoint.
type Utterance struct {
	Chunks []Chunk
	Reason EndReason
}

// PCM concatenates all chunks.
func (u *Utterance) PCM() []byte {
	size := 0
	for _, c := range u.Chunks {
		size += len(c.PCM)
	}
	out := make([]byte, 0, size)
	for _, c := range u.Chunks {
		out = append(out, c.PCM...)
	}
	return out
}

// Duration is the summed duration of all chunks.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, c := range u.Chunks {
		d += c.Duration()
	}
	return d
}

// SampleRate of the first chunk, or 0 for an empty utterance.
func (u *Utterance) SampleRate() int {
	if len(u.Chunks) == 0 {
		return 0
	}
	return u.Chunks[0].SampleRate
}
