// Package playback runs the audio player process for synthesized speech and
// music, keeping at most one session alive at a time.
package playback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/duct"
	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/tts"
)

// Kind is what a session plays
type Kind string

const (
	KindSpeech Kind = "speech"
	KindMusic  Kind = "music"
)

// Session outcomes, as recorded in metrics
const (
	OutcomeCompleted   = "completed"
	OutcomeStopped     = "stopped"
	OutcomeFailed      = "failed"
	OutcomeSpawnFailed = "spawn_failed"
)

// Source is the audio for a session: a synthesized stream for speech or a
// resolved network URL for music.
type Source struct {
	Audio <-chan *tts.AudioChunk
	URL   string
}

// Config configures the player process
type Config struct {
	PlayerCommand string        // ffplay
	StopGrace     time.Duration // SIGTERM to SIGKILL
	SaveSpeechDir string        // when set, speech is also written to tts_output_<ms>.mp3
}

// Session is one run of the player. Done is closed after onFinished returned.
type Session struct {
	Kind  Kind
	Label string

	duct        duct.Duct
	onFinished  func()
	intentional atomic.Bool
	outcome     string

	once sync.Once
	done chan struct{}
}

// Done is closed once the session has finished and its callback ran.
func (s *Session) Done() <-chan struct{} { return s.done }

// Intentional reports whether the session was ended by Stop.
func (s *Session) Intentional() bool { return s.intentional.Load() }

// Outcome is the session result; valid after Done is closed.
func (s *Session) Outcome() string { return s.outcome }

// Supervisor owns the player process.
type Supervisor struct {
	cfg     Config
	spawner duct.Spawner
	logger  zerolog.Logger

	// playMu serializes Play and Stop so a new session never starts before
	// the previous one is gone.
	playMu sync.Mutex

	mu      sync.Mutex
	current *Session
	closed  bool

	now func() time.Time
}

// NewSupervisor creates a playback supervisor
func NewSupervisor(cfg Config, spawner duct.Spawner, logger zerolog.Logger) *Supervisor {
	if cfg.PlayerCommand == "" {
		cfg.PlayerCommand = "ffplay"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	return &Supervisor{cfg: cfg, spawner: spawner, logger: logger, now: time.Now}
}

// PlayerArgs builds the player arguments; "-" reads from stdin.
func PlayerArgs(input string) []string {
	return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-i", input}
}

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("playback supervisor closed")

// Play stops any active session, then starts a new one. onFinished runs
// exactly once when the session ends for any reason, including a failed
// spawn, in which case the error is returned as well. onFinished must not
// call back into Play or Stop.
func (p *Supervisor) Play(kind Kind, src Source, label string, onFinished func()) (*Session, error) {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.stopCurrent()

	sess := &Session{Kind: kind, Label: label, onFinished: onFinished, done: make(chan struct{})}
	logger := p.logger.With().Str("kind", string(kind)).Str("label", label).Logger()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.drain(src)
		p.finish(sess, OutcomeSpawnFailed, logger)
		return sess, ErrClosed
	}

	spec := duct.Spec{Name: "player-" + string(kind), Path: p.cfg.PlayerCommand}
	switch {
	case src.Audio != nil:
		spec.Args = PlayerArgs("-")
		spec.PipeStdin = true
	case src.URL != "":
		spec.Args = PlayerArgs(src.URL)
	default:
		p.finish(sess, OutcomeSpawnFailed, logger)
		return sess, fmt.Errorf("playback %q: empty source", label)
	}

	d, err := p.spawner.Spawn(spec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start player")
		observability.CaptureError(err, "playback_launch", "playback")
		p.drain(src)
		p.finish(sess, OutcomeSpawnFailed, logger)
		return sess, fmt.Errorf("start player: %w", err)
	}
	sess.duct = d

	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()
	observability.SetPlaybackActive(true)
	logger.Info().Msg("Playback started")

	go p.run(sess, src, logger)
	return sess, nil
}

func (p *Supervisor) run(sess *Session, src Source, logger zerolog.Logger) {
	if src.Audio != nil {
		p.feed(sess, src.Audio, logger)
	}
	<-sess.duct.Done()

	outcome := OutcomeCompleted
	switch exitErr := sess.duct.ExitErr(); {
	case sess.Intentional():
		outcome = OutcomeStopped
		logger.Debug().Err(exitErr).Msg("Playback stopped")
	case exitErr != nil:
		outcome = OutcomeFailed
		logger.Warn().Err(exitErr).Msg("Player exited with error")
	default:
		logger.Info().Msg("Playback finished")
	}
	p.finish(sess, outcome, logger)
}

// feed pushes synthesized audio into the player until the stream ends,
// then closes the player input.
func (p *Supervisor) feed(sess *Session, audio <-chan *tts.AudioChunk, logger zerolog.Logger) {
	var tee *os.File
	if p.cfg.SaveSpeechDir != "" {
		path := filepath.Join(p.cfg.SaveSpeechDir, fmt.Sprintf("tts_output_%d.mp3", p.now().UnixMilli()))
		f, err := os.Create(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Could not create speech archive")
		} else {
			tee = f
			defer tee.Close()
		}
	}

	defer func() {
		if err := sess.duct.CloseInput(); err != nil && !sess.Intentional() {
			logger.Debug().Err(err).Msg("Closing player input failed")
		}
		// the synthesis receiver must never block on a dead player
		go func() {
			for range audio {
			}
		}()
	}()

	for {
		var chunk *tts.AudioChunk
		select {
		case c, ok := <-audio:
			if !ok {
				return
			}
			chunk = c
		case <-sess.duct.Done():
			return
		}

		if chunk.Err != nil {
			logger.Warn().Err(chunk.Err).Msg("Synthesis failed mid-sentence")
			return
		}
		if len(chunk.Data) == 0 {
			continue
		}
		if _, err := sess.duct.Write(chunk.Data); err != nil {
			if !sess.Intentional() {
				logger.Debug().Err(err).Msg("Player input closed while writing")
			}
			return
		}
		if tee != nil {
			tee.Write(chunk.Data)
		}
	}
}

func (p *Supervisor) drain(src Source) {
	if src.Audio == nil {
		return
	}
	go func() {
		for range src.Audio {
		}
	}()
}

// finish runs once per session: it clears the current slot, invokes the
// callback and closes Done.
func (p *Supervisor) finish(sess *Session, outcome string, logger zerolog.Logger) {
	sess.once.Do(func() {
		sess.outcome = outcome

		p.mu.Lock()
		if p.current == sess {
			p.current = nil
		}
		active := p.current != nil
		p.mu.Unlock()

		observability.SetPlaybackActive(active)
		observability.RecordPlaybackSession(string(sess.Kind), outcome)

		if sess.onFinished != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).Msg("Playback completion callback panicked")
					}
				}()
				sess.onFinished()
			}()
		}
		close(sess.done)
	})
}

// stopCurrent terminates the active session and waits for its callback.
func (p *Supervisor) stopCurrent() bool {
	p.mu.Lock()
	sess := p.current
	p.mu.Unlock()
	if sess == nil {
		return false
	}

	sess.intentional.Store(true)
	p.logger.Info().Str("kind", string(sess.Kind)).Str("label", sess.Label).Msg("Stopping playback")
	sess.duct.Terminate(p.cfg.StopGrace)

	select {
	case <-sess.done:
	case <-time.After(p.cfg.StopGrace + time.Second):
		p.logger.Warn().Str("label", sess.Label).Msg("Playback did not finish after stop")
	}
	return true
}

// Stop ends the active session, if any, and reports whether there was one.
func (p *Supervisor) Stop() bool {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	return p.stopCurrent()
}

// StopSession stops sess only if it is still the active session.
func (p *Supervisor) StopSession(sess *Session) bool {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	current := p.current == sess
	p.mu.Unlock()
	if !current {
		return false
	}
	return p.stopCurrent()
}

// Active reports whether a session of kind is playing.
func (p *Supervisor) Active(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && p.current.Kind == kind
}

// IsActive reports whether any session is playing.
func (p *Supervisor) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Current returns the active session or nil.
func (p *Supervisor) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close stops the active session; later Play calls fail with ErrClosed.
func (p *Supervisor) Close() error {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stopCurrent()
	return nil
}
