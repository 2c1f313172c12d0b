package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/resilience"
)

// Config holds the synthesis service parameters
type Config struct {
	URL         string
	AppID       string
	Token       string
	Cluster     string
	VoiceType   string
	Encoding    string // mp3
	Rate        int
	UserID      string
	QueueSize   int // audio chunks buffered between the socket and the player
	DialTimeout time.Duration
}

// Client synthesizes speech over the binary websocket protocol, one
// connection per request.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewClient creates a client. breaker and retry may be nil.
func NewClient(cfg Config, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, logger zerolog.Logger) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if retry == nil {
		retry = &resilience.RetryConfig{MaxAttempts: 1}
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		breaker: breaker,
		retry:   retry,
		logger:  logger,
	}
}

// Breaker returns the circuit breaker guarding connection setup, or nil.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

func (c *Client) newRequest(text string) *SynthesisRequest {
	return &SynthesisRequest{
		App:   AppInfo{AppID: c.cfg.AppID, Token: c.cfg.Token, Cluster: c.cfg.Cluster},
		User:  UserInfo{UID: c.cfg.UserID},
		Audio: AudioParams{VoiceType: c.cfg.VoiceType, Encoding: c.cfg.Encoding, Rate: c.cfg.Rate},
		Request: RequestInfo{
			ReqID:     uuid.NewString(),
			Text:      text,
			Operation: OperationSubmit,
		},
	}
}

// Synthesize sends text and streams back encoded audio. Blank text yields
// an already closed channel. Failures after the request was sent arrive as
// a final chunk with Err set.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan *AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		out := make(chan *AudioChunk)
		close(out)
		return out, nil
	}

	req := c.newRequest(text)
	frame, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, err := c.connect(ctx)
	if err != nil {
		observability.RecordTTSRequest(false)
		return nil, err
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		conn.Close()
		observability.RecordTTSRequest(false)
		return nil, fmt.Errorf("send synthesis request: %w", err)
	}

	logger := c.logger.With().Str("reqid", req.Request.ReqID).Logger()
	logger.Debug().Int("text_len", len(text)).Msg("Synthesis request sent")

	out := make(chan *AudioChunk, c.cfg.QueueSize)
	go c.receive(ctx, conn, out, start, logger)
	return out, nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	dial := func() error {
		return resilience.RetryContext(ctx, func(ctx context.Context) error {
			var err error
			conn, err = c.dial(ctx)
			return err
		}, c.retry, resilience.IsRetryableNetworkError)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to synthesis service: %w", err)
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer; "+c.cfg.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// receive decodes frames until the last audio frame, an error frame, the
// connection closing or ctx ending.
func (c *Client) receive(ctx context.Context, conn *websocket.Conn, out chan<- *AudioChunk, start time.Time, logger zerolog.Logger) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	defer close(out)

	send := func(chunk *AudioChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			observability.RecordTTSFrameDropped("cancelled")
			return false
		}
	}
	fail := func(err error) {
		observability.RecordTTSRequest(false)
		observability.CaptureError(err, "synthesis_failure", "tts")
		send(&AudioChunk{Err: err})
	}

	firstAudio := true
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Debug().Msg("Synthesis connection closed by server")
				observability.RecordTTSRequest(true)
				return
			}
			logger.Error().Err(err).Msg("Synthesis connection failed")
			fail(fmt.Errorf("read synthesis frame: %w", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			logger.Warn().Int("message_type", msgType).Msg("Ignoring non-binary synthesis message")
			observability.RecordTTSFrameDropped("non_binary")
			continue
		}

		frame, err := DecodeFrame(msg)
		if err != nil {
			if errors.Is(err, ErrIncompleteFrame) {
				logger.Warn().Err(err).Int("bytes", len(msg)).Msg("Dropping incomplete synthesis frame")
				observability.RecordTTSFrameDropped("incomplete")
				continue
			}
			fail(err)
			return
		}

		switch frame.Kind {
		case FrameAudio:
			if len(frame.Audio) > 0 {
				if firstAudio {
					firstAudio = false
					observability.RecordTTSFirstAudio(time.Since(start))
				}
				data := append([]byte(nil), frame.Audio...)
				if !send(&AudioChunk{Data: data}) {
					return
				}
			}
			if frame.Last {
				observability.RecordTTSRequest(true)
				logger.Debug().Dur("elapsed", time.Since(start)).Msg("Synthesis stream complete")
				return
			}

		case FrameError:
			serverErr := &ServerError{Code: frame.ErrorCode, Message: frame.ErrorMessage}
			logger.Error().Uint32("code", frame.ErrorCode).Str("message", frame.ErrorMessage).Msg("Synthesis server returned error")
			fail(serverErr)
			return

		default:
			logger.Warn().Uint8("message_type", frame.Header.MessageType).Msg("Ignoring unknown synthesis frame")
			observability.RecordTTSFrameDropped("unknown_type")
		}
	}
}
