package speaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/dialog"
	"github.com/lexiqai/smart-speaker/internal/music"
	"github.com/lexiqai/smart-speaker/internal/notify"
	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/orchestrator"
	"github.com/lexiqai/smart-speaker/internal/playback"
	"github.com/lexiqai/smart-speaker/internal/stt"
)

// Player is the part of the playback supervisor the machine drives.
// Completion callbacks passed to Play must not call Play or Stop.
type Player interface {
	Play(kind playback.Kind, src playback.Source, label string, onFinished func()) (*playback.Session, error)
	Stop() bool
	Active(kind playback.Kind) bool
}

// Config holds the conversation settings
type Config struct {
	WakeWord          string
	ExitWords         []string
	NewSessionPhrase  string
	PlayPattern       string
	ListenDuringMusic bool
	Delimiters        []string
	Prompts           *Prompts // defaults to DefaultPrompts(WakeWord)
	SaveUtterancesDir string   // when set, utterances are archived as rec_<ms>.wav
}

// Deps are the collaborators of the machine
type Deps struct {
	Transcriber stt.Transcriber
	Replies     orchestrator.ReplyGenerator
	Music       music.Catalog
	Voice       dialog.Voice
	Player      Player
	Sink        notify.Sink
	History     *dialog.History
}

// Machine owns the speaker state. State changes go through Transition;
// effects run after the state lock is released.
type Machine struct {
	cfg     Config
	prompts Prompts
	router  *Router
	deps    Deps
	logger  zerolog.Logger

	mu       sync.Mutex
	state    State
	speaking int
	title    string // song playing, for greetings
	gate     chan struct{}
	gateOpen bool

	// lastCmd is closed when the most recently dispatched command is done.
	// Each command waits for its predecessor so commands run one at a time
	// in dispatch order.
	lastCmd chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewMachine creates a machine in the SLEEPING state.
func NewMachine(cfg Config, deps Deps, logger zerolog.Logger) (*Machine, error) {
	router, err := NewRouter(cfg.PlayPattern, cfg.ExitWords, cfg.NewSessionPhrase)
	if err != nil {
		return nil, err
	}
	if deps.Sink == nil {
		deps.Sink = notify.Discard
	}
	if deps.History == nil {
		deps.History = dialog.NewHistory("")
	}
	if deps.Transcriber == nil || deps.Replies == nil || deps.Music == nil || deps.Voice == nil || deps.Player == nil {
		return nil, errors.New("speaker: missing collaborator")
	}
	prompts := DefaultPrompts(cfg.WakeWord)
	if cfg.Prompts != nil {
		prompts = *cfg.Prompts
	}

	m := &Machine{
		cfg:     cfg,
		prompts: prompts,
		router:  router,
		deps:    deps,
		logger:  logger,
		state:   Sleeping,
		gate:    make(chan struct{}),
		now:     time.Now,
	}
	m.updateGateLocked()
	observability.SetSpeakerState(Sleeping.String(), Sleeping.String(), stateNames())
	return m, nil
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns the conversation history.
func (m *Machine) History() *dialog.History {
	return m.deps.History
}

// Listening reports whether captured audio should be analyzed now.
func (m *Machine) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gateOpen
}

// WaitListen blocks until audio should be analyzed or ctx is done.
func (m *Machine) WaitListen(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateGateLocked opens the listen gate unless speech is playing or music
// is playing without listening.
func (m *Machine) updateGateLocked() {
	open := m.speaking == 0 && !(m.state == PlayingMusic && !m.cfg.ListenDuringMusic)
	switch {
	case open && !m.gateOpen:
		close(m.gate)
		m.gateOpen = true
	case !open && m.gateOpen:
		m.gate = make(chan struct{})
		m.gateOpen = false
	}
}

func (m *Machine) holdSpeaking(delta int) {
	m.mu.Lock()
	m.speaking += delta
	m.updateGateLocked()
	m.mu.Unlock()
}

// transition applies ev to the current state and returns its effects.
func (m *Machine) transition(ev Event) []Effect {
	m.mu.Lock()
	from := m.state
	to, effects := Transition(from, ev)
	m.state = to
	if to != PlayingMusic {
		m.title = ""
	}
	m.updateGateLocked()
	m.mu.Unlock()

	if from != to {
		m.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("State changed")
		observability.SetSpeakerState(from.String(), to.String(), stateNames())
	}
	return effects
}

func (m *Machine) runEffects(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		switch e {
		case EffectSpeakAwakened:
			m.speak(ctx, m.prompts.Awakened, true)
		case EffectSpeakGoodbye:
			m.speak(ctx, m.prompts.GoodBye, true)
		case EffectSpeakNotPlaying:
			m.speak(ctx, m.prompts.NotPlaying, true)
		case EffectNotifyIdle:
			m.deps.Sink.Notify(notify.StatusUpdate(notify.StateIdle, m.prompts.AwakeIdle))
		case EffectNotifySleeping:
			m.deps.Sink.Notify(notify.StatusUpdate(notify.StateIdle, m.prompts.Sleeping))
		case EffectStopMusic:
			m.deps.Player.Stop()
		}
	}
}

func (m *Machine) apply(ctx context.Context, ev Event) {
	m.runEffects(ctx, m.transition(ev))
}

// speak says text, keeping the listen gate closed meanwhile. Meta phrases
// are also shown to the UI as speech.
func (m *Machine) speak(ctx context.Context, text string, meta bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	m.holdSpeaking(1)
	defer m.holdSpeaking(-1)

	m.deps.Sink.Notify(notify.StatusUpdate(notify.StateSpeaking, ""))
	if meta {
		m.deps.Sink.Notify(notify.AISpeechChunk(text))
	}
	if err := m.deps.Voice.Speak(ctx, text); err != nil {
		if ctx.Err() == nil {
			m.logger.Warn().Err(err).Str("text", text).Msg("Speech failed")
			observability.RecordError("synthesis_failure", "speaker")
		}
		return err
	}
	return nil
}

// WakeUp wakes a sleeping speaker; otherwise it does nothing.
func (m *Machine) WakeUp(ctx context.Context) {
	m.apply(ctx, Event{Kind: EventWake})
}

// GoToSleep puts the speaker to sleep.
func (m *Machine) GoToSleep(ctx context.Context) {
	m.apply(ctx, Event{Kind: EventSleep})
}

// HandleStopMusic stops active music, whose completion callback returns
// the speaker to AWAKE. Without active music it says so and goes AWAKE.
func (m *Machine) HandleStopMusic(ctx context.Context) {
	m.apply(ctx, Event{Kind: EventStopMusic, MusicActive: m.deps.Player.Active(playback.KindMusic)})
}

// OnMusicFinished is the music completion callback.
func (m *Machine) OnMusicFinished() {
	m.apply(context.Background(), Event{Kind: EventMusicFinished})
}

// OnWakeWord and OnStopPhrase are called from the audio loop: the
// transition happens at once, spoken effects run on a command worker.
func (m *Machine) OnWakeWord(ctx context.Context) {
	m.trigger(ctx, Event{Kind: EventWake})
}

func (m *Machine) OnStopPhrase(ctx context.Context) {
	m.trigger(ctx, Event{Kind: EventStopMusic, MusicActive: m.deps.Player.Active(playback.KindMusic)})
}

func (m *Machine) trigger(ctx context.Context, ev Event) {
	effects := m.transition(ev)
	if len(effects) == 0 {
		return
	}
	// close the gate now so no audio is analyzed before the prompt plays
	speech := hasSpeech(effects)
	if speech {
		m.holdSpeaking(1)
	}
	m.dispatch(ctx, func(ctx context.Context) {
		if speech {
			defer m.holdSpeaking(-1)
		}
		m.runEffects(ctx, effects)
	})
}

// NotifyListening tells the UI that an utterance is being recorded.
func (m *Machine) NotifyListening() {
	m.deps.Sink.Notify(notify.StatusUpdate(notify.StateListening, ""))
}

// dispatch runs fn on a tracked worker, serialized with other commands.
func (m *Machine) dispatch(ctx context.Context, fn func(ctx context.Context)) {
	m.mu.Lock()
	prev := m.lastCmd
	done := make(chan struct{})
	m.lastCmd = done
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().Interface("panic", r).Msg("Command worker panicked")
				observability.CaptureError(fmt.Errorf("command panic: %v", r), "command_panic", "speaker")
			}
		}()
		fn(ctx)
	}()
}

// ProcessCommand handles a finished utterance on a worker and returns at
// once.
func (m *Machine) ProcessCommand(ctx context.Context, utt *audio.Utterance) {
	m.dispatch(ctx, func(ctx context.Context) { m.processCommand(ctx, utt) })
}

// Wait joins the command workers, giving up after timeout.
func (m *Machine) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *Machine) processCommand(ctx context.Context, utt *audio.Utterance) {
	// an earlier command in the queue may have put the speaker to sleep or
	// started music
	if state := m.State(); state != Awake {
		m.logger.Debug().Str("state", state.String()).Msg("Dropping utterance recorded before a state change")
		observability.RecordError("utterance_dropped", "speaker")
		return
	}

	turn := observability.NewTurnMetrics(observability.NewTurnID())
	logger := observability.WithTurnID(m.logger, turn.TurnID())

	m.archive(utt, logger)

	turn.RecordSTTStart()
	text, err := m.deps.Transcriber.Transcribe(ctx, utt)
	turn.RecordSTTEnd(err == nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Transcription failed")
		observability.CaptureError(err, "transcription_failure", "speaker")
		text = ""
	}
	text = strings.TrimSpace(text)
	logger.Info().Str("text", text).Msg("Command heard")
	m.deps.Sink.Notify(notify.StatusUpdate(notify.StateProcessing, heardPrompt(text)))

	if text == "" {
		if m.State() == Awake {
			m.speak(ctx, m.prompts.Clarification, true)
		}
		m.apply(ctx, Event{Kind: EventCommandDone})
		return
	}

	intent := m.router.Route(text)
	logger.Debug().Str("intent", intent.Kind.String()).Msg("Intent routed")
	switch intent.Kind {
	case IntentPlayMusic:
		m.handlePlayMusic(ctx, intent.Song, logger)
		return
	case IntentExit:
		m.GoToSleep(ctx)
		return
	case IntentNewSession:
		m.reset()
		m.speak(ctx, m.prompts.NewSession, true)
	default:
		m.converse(ctx, text, turn, logger)
	}
	m.apply(ctx, Event{Kind: EventCommandDone})
}

// converse runs one dialog turn: the reply is spoken sentence by sentence
// while it streams in.
func (m *Machine) converse(ctx context.Context, text string, turn *observability.TurnMetrics, logger zerolog.Logger) {
	history := m.deps.History
	prior := history.Snapshot()
	history.Append(dialog.RoleUser, text)
	m.deps.Sink.Notify(notify.UserSpeech(text))
	m.deps.Sink.Notify(notify.StatusUpdate(notify.StateProcessing, m.prompts.Thinking))

	turn.RecordLLMStart()
	replies, err := m.deps.Replies.StreamReply(ctx, text, prior)
	if err != nil {
		turn.RecordLLMEnd(false)
		logger.Error().Err(err).Msg("Reply generation failed to start")
		m.speak(ctx, m.prompts.Apology, true)
		m.deps.Sink.Notify(notify.ConversationHistory(history.Snapshot()))
		return
	}

	voice := dialog.VoiceFunc(func(ctx context.Context, segment string) error {
		return m.speak(ctx, segment, false)
	})
	pipeline := dialog.NewPipeline(m.cfg.Delimiters, voice, history, logger)
	pipeline.OnFragment = func(fragment string) {
		m.deps.Sink.Notify(notify.AISpeechChunk(fragment))
	}

	reply, err := pipeline.Run(ctx, orchestrator.Fragments(replies))
	turn.RecordLLMEnd(err == nil)
	switch {
	case err != nil && ctx.Err() == nil:
		turn.RecordError("llm_failure", "speaker")
		logger.Error().Err(err).Int("reply_len", len(reply)).Msg("Reply stream failed")
		m.speak(ctx, m.prompts.Apology, true)
	case err == nil:
		logger.Info().Int("reply_len", len(reply)).Msg("Dialog turn complete")
	}
	m.deps.Sink.Notify(notify.ConversationHistory(history.Snapshot()))
}

func (m *Machine) handlePlayMusic(ctx context.Context, name string, logger zerolog.Logger) {
	m.speak(ctx, searchingPrompt(name), true)

	song, err := m.deps.Music.LookupSong(ctx, name)
	var url string
	if err == nil {
		url, err = m.deps.Music.ResolvePlayURL(ctx, song.ID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, music.ErrSongNotFound) {
			logger.Warn().Err(err).Str("song", name).Msg("Song lookup failed")
		}
		m.speak(ctx, notFoundPrompt(name), true)
		m.apply(ctx, Event{Kind: EventCommandDone})
		return
	}

	title := song.Title()
	m.speak(ctx, nowPlayingPrompt(title), true)

	// PLAYING_MUSIC before Play so a failed spawn's callback returns to AWAKE
	m.transition(Event{Kind: EventMusicStarted})
	m.mu.Lock()
	m.title = title
	m.mu.Unlock()

	if _, err := m.deps.Player.Play(playback.KindMusic, playback.Source{URL: url}, song.Name, m.OnMusicFinished); err != nil {
		logger.Error().Err(err).Str("title", title).Msg("Music playback failed to start")
		return
	}
	if m.State() == PlayingMusic {
		m.deps.Sink.Notify(notify.StatusUpdate(notify.StateSpeaking, playingStatus(title)))
	}
}

// reset starts a new conversation.
func (m *Machine) reset() {
	m.deps.History.Reset()
	m.logger.Info().Msg("Conversation reset")
	m.deps.Sink.Notify(notify.NewSession())
	m.deps.Sink.Notify(notify.ConversationHistory(m.deps.History.Snapshot()))
}

// Greeting is what a newly connected UI client receives.
func (m *Machine) Greeting() []notify.Event {
	m.mu.Lock()
	state, title := m.state, m.title
	m.mu.Unlock()

	var status notify.Event
	switch state {
	case Sleeping:
		status = notify.StatusUpdate(notify.StateIdle, m.prompts.Sleeping)
	case PlayingMusic:
		status = notify.StatusUpdate(notify.StateSpeaking, playingStatus(title))
	default:
		status = notify.StatusUpdate(notify.StateIdle, m.prompts.AwakeIdle)
	}
	return []notify.Event{notify.ConversationHistory(m.deps.History.Snapshot()), status}
}

// archive writes the utterance as a WAV file when archiving is enabled.
func (m *Machine) archive(utt *audio.Utterance, logger zerolog.Logger) {
	if m.cfg.SaveUtterancesDir == "" || utt == nil {
		return
	}
	path := filepath.Join(m.cfg.SaveUtterancesDir, fmt.Sprintf("rec_%d.wav", m.now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not archive utterance")
		return
	}
	defer f.Close()
	if err := audio.WriteWAV(f, utt.PCM(), utt.SampleRate()); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not archive utterance")
		return
	}
	logger.Debug().Str("path", path).Msg("Utterance archived")
}
