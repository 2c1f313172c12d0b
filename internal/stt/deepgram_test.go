package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/resilience"
)

type fakeConn struct {
	mu       sync.Mutex
	written  int
	finished bool
	writeErr error
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written += len(p)
	return len(p), nil
}

func (f *fakeConn) Finish() {
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
}

func testUtterance() *audio.Utterance {
	now := time.Now()
	return &audio.Utterance{Chunks: []audio.Chunk{
		audio.NewChunk(make([]byte, 3200), 16000, 1, now),
		audio.NewChunk(make([]byte, 3200), 16000, 2, now),
	}}
}

func newTestTranscriber(timeout time.Duration, breaker *resilience.CircuitBreaker, dial dialFunc) *DeepgramTranscriber {
	d := NewDeepgramTranscriber(DeepgramConfig{Timeout: timeout}, breaker, zerolog.Nop())
	d.dial = dial
	return d
}

func TestTranscribe_JoinsFinalResults(t *testing.T) {
	conn := &fakeConn{}
	var gotRate int
	d := newTestTranscriber(time.Second, nil, func(ctx context.Context, rate int, c *collector) (liveConn, error) {
		gotRate = rate
		go func() {
			c.add(TranscriptionResult{Text: "播放", IsFinal: false})
			c.add(TranscriptionResult{Text: "播 放", IsFinal: true})
			c.add(TranscriptionResult{Text: "晴 天", IsFinal: true, SpeechFinal: true})
		}()
		return conn, nil
	})

	text, err := d.Transcribe(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "播放晴天" {
		t.Errorf("Expected %q, got %q", "播放晴天", text)
	}
	if gotRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", gotRate)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.written != 6400+32000 {
		t.Errorf("Expected utterance plus one second of silence, got %d bytes", conn.written)
	}
	if !conn.finished {
		t.Error("Expected the connection to be finished")
	}
}

func TestTranscribe_TimeoutReturnsPartial(t *testing.T) {
	d := newTestTranscriber(30*time.Millisecond, nil, func(ctx context.Context, rate int, c *collector) (liveConn, error) {
		c.add(TranscriptionResult{Text: "hello", IsFinal: true})
		return &fakeConn{}, nil
	})

	text, err := d.Transcribe(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Expected partial result without error, got %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected %q, got %q", "hello", text)
	}
}

func TestTranscribe_NothingSaid(t *testing.T) {
	d := newTestTranscriber(time.Second, nil, func(ctx context.Context, rate int, c *collector) (liveConn, error) {
		c.end(nil)
		return &fakeConn{}, nil
	})

	text, err := d.Transcribe(context.Background(), testUtterance())
	if err != nil || text != "" {
		t.Errorf("Expected empty transcript, got %q, %v", text, err)
	}
	if text, _ := d.Transcribe(context.Background(), nil); text != "" {
		t.Errorf("Expected empty transcript for nil utterance, got %q", text)
	}
}

func TestTranscribe_ServiceError(t *testing.T) {
	breaker := resilience.NewCircuitBreaker("stt", 1, time.Minute)
	calls := 0
	d := newTestTranscriber(time.Second, breaker, func(ctx context.Context, rate int, c *collector) (liveConn, error) {
		calls++
		c.end(errors.New("bad request"))
		return &fakeConn{}, nil
	})

	if _, err := d.Transcribe(context.Background(), testUtterance()); err == nil {
		t.Fatal("Expected error")
	}
	if _, err := d.Transcribe(context.Background(), testUtterance()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected one dial, got %d", calls)
	}
}

func TestTranscribe_WriteFailure(t *testing.T) {
	d := newTestTranscriber(time.Second, nil, func(ctx context.Context, rate int, c *collector) (liveConn, error) {
		return &fakeConn{writeErr: errors.New("broken pipe")}, nil
	})
	if _, err := d.Transcribe(context.Background(), testUtterance()); err == nil {
		t.Error("Expected write error")
	}
}

func TestTranscribe_Cancelled(t *testing.T) {
	d := newTestTranscriber(time.Minute, nil, func(ctx context.Context, rate int, c *collector) (liveConn, error) {
		return &fakeConn{}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := d.Transcribe(ctx, testUtterance()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected caller deadline error, got %v", err)
	}
}

func TestNormalizeTranscript(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  再 见  ", "再见"},
		{"播放 周杰伦 的 晴天", "播放周杰伦的晴天"},
		{"hello   world", "hello world"},
		{"播放 Hello Kitty", "播放 Hello Kitty"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeTranscript(tt.in); got != tt.want {
			t.Errorf("NormalizeTranscript(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
