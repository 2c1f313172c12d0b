package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/resilience"
)

// trailingSilence is appended to every utterance so the service endpoints
// the last word instead of waiting for more audio.
const trailingSilence = time.Second

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	collector *collector
	logger    zerolog.Logger
}

// Message forwards transcription results to the collector
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	m.collector.add(TranscriptionResult{
		Text:        alt.Transcript,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
		Confidence:  alt.Confidence,
	})
	return nil
}

// UtteranceEnd marks the end of speech when no final result carried it
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.collector.end(nil)
	return nil
}

// Close ends collection when the service hangs up
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.collector.end(nil)
	return nil
}

// Error ends collection with the service error
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.logger.Error().Interface("deepgram_error", errorResponse).Msg("Deepgram error")
	m.collector.end(fmt.Errorf("deepgram error: %+v", errorResponse))
	return nil
}

// collector gathers final transcripts for one utterance.
type collector struct {
	mu     sync.Mutex
	finals []string
	err    error
	once   sync.Once
	done   chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) add(r TranscriptionResult) {
	if r.IsFinal && strings.TrimSpace(r.Text) != "" {
		c.mu.Lock()
		c.finals = append(c.finals, r.Text)
		c.mu.Unlock()
	}
	if r.SpeechFinal {
		c.end(nil)
	}
}

func (c *collector) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *collector) result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NormalizeTranscript(strings.Join(c.finals, " ")), c.err
}

// NormalizeTranscript trims the transcript and removes the spaces the
// service puts between CJK characters, so "再 见" reads "再见".
func NormalizeTranscript(s string) string {
	runes := []rune(strings.TrimSpace(s))
	var sb strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if unicode.IsSpace(r) {
			j := i
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			if i > 0 && j < len(runes) && isCJK(runes[i-1]) && isCJK(runes[j]) {
				i = j - 1
				continue
			}
			sb.WriteRune(' ')
			i = j - 1
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// liveConn is the part of the live client used per utterance.
type liveConn interface {
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, sampleRate int, c *collector) (liveConn, error)

// DeepgramConfig configures the transcriber
type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// DeepgramTranscriber implements Transcriber over Deepgram's live API: each
// utterance is streamed on its own connection and the final results are
// joined.
type DeepgramTranscriber struct {
	cfg     DeepgramConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	dial    dialFunc
}

// NewDeepgramTranscriber creates a Deepgram transcriber
func NewDeepgramTranscriber(cfg DeepgramConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramTranscriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &DeepgramTranscriber{cfg: cfg, breaker: breaker, logger: logger}
	d.dial = d.dialDeepgram
	return d
}

// Breaker returns the circuit breaker guarding transcription, or nil.
func (d *DeepgramTranscriber) Breaker() *resilience.CircuitBreaker {
	return d.breaker
}

func (d *DeepgramTranscriber) dialDeepgram(ctx context.Context, sampleRate int, c *collector) (liveConn, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     sampleRate,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		collector:              c,
		logger:                 d.logger,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.cfg.APIKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, errors.New("failed to connect to Deepgram")
	}
	return client, nil
}

// Transcribe streams the utterance and waits for the end of speech or the
// configured timeout, whichever comes first. Results gathered before a
// timeout are returned as the transcript.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, utt *audio.Utterance) (string, error) {
	if utt == nil || len(utt.Chunks) == 0 {
		return "", nil
	}
	rate := utt.SampleRate()

	var text string
	call := func() error {
		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		c := newCollector()
		conn, err := d.dial(waitCtx, rate, c)
		if err != nil {
			return err
		}
		defer conn.Finish()

		for _, chunk := range utt.Chunks {
			if _, err := conn.Write(chunk.PCM); err != nil {
				return fmt.Errorf("failed to send audio to Deepgram: %w", err)
			}
		}
		silence := make([]byte, int(int64(rate)*int64(trailingSilence)/int64(time.Second))*audio.BytesPerSample)
		if _, err := conn.Write(silence); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}

		select {
		case <-c.done:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn().Dur("timeout", d.cfg.Timeout).Msg("Transcription timed out, using partial result")
		}
		text, err = c.result()
		return err
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Call(call)
		observability.UpdateCircuitBreakerState("stt", int(d.breaker.GetState()))
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures("stt")
		}
	} else {
		err = call()
	}
	if err != nil {
		return "", err
	}

	d.logger.Debug().Str("text", text).Dur("audio", utt.Duration()).Msg("Utterance transcribed")
	return text, nil
}
