package speaker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/dialog"
	"github.com/lexiqai/smart-speaker/internal/music"
	"github.com/lexiqai/smart-speaker/internal/notify"
	"github.com/lexiqai/smart-speaker/internal/orchestrator"
	"github.com/lexiqai/smart-speaker/internal/playback"
)

type fakeVoice struct {
	mu      sync.Mutex
	spoken  []string
	started chan string
	release chan struct{}
}

func (v *fakeVoice) Speak(ctx context.Context, text string) error {
	v.mu.Lock()
	v.spoken = append(v.spoken, text)
	v.mu.Unlock()
	if v.started != nil {
		v.started <- text
	}
	if v.release != nil {
		select {
		case <-v.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (v *fakeVoice) Spoken() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.spoken...)
}

func (v *fakeVoice) Clear() {
	v.mu.Lock()
	v.spoken = nil
	v.mu.Unlock()
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	queue []string // returned one per call before falling back to text
	calls int
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, utt *audio.Utterance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.queue) > 0 {
		text := f.queue[0]
		f.queue = f.queue[1:]
		return text, f.err
	}
	return f.text, f.err
}

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReplies struct {
	mu        sync.Mutex
	fragments []string
	streamErr error
	startErr  error
	prompt    string
	history   []dialog.Turn
}

func (f *fakeReplies) StreamReply(ctx context.Context, prompt string, history []dialog.Turn) (<-chan *orchestrator.ReplyChunk, error) {
	f.mu.Lock()
	f.prompt, f.history = prompt, history
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan *orchestrator.ReplyChunk, len(f.fragments)+1)
	for _, frag := range f.fragments {
		ch <- &orchestrator.ReplyChunk{Text: frag}
	}
	if f.streamErr != nil {
		ch <- &orchestrator.ReplyChunk{Err: f.streamErr}
	}
	close(ch)
	return ch, nil
}

type fakeCatalog struct {
	song *music.Song
	err  error
}

func (f *fakeCatalog) LookupSong(ctx context.Context, name string) (*music.Song, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.song, nil
}

func (f *fakeCatalog) ResolvePlayURL(ctx context.Context, id int64) (string, error) {
	return "http://cdn.example/song.mp3", nil
}

type fakePlayer struct {
	mu         sync.Mutex
	active     bool
	onFinished func()
	urls       []string
	stops      int
	playErr    error
}

func (p *fakePlayer) Play(kind playback.Kind, src playback.Source, label string, onFinished func()) (*playback.Session, error) {
	p.Stop()
	p.mu.Lock()
	p.urls = append(p.urls, src.URL)
	if p.playErr != nil {
		err := p.playErr
		p.mu.Unlock()
		onFinished()
		return nil, err
	}
	p.active = true
	p.onFinished = onFinished
	p.mu.Unlock()
	return &playback.Session{Kind: kind, Label: label}, nil
}

func (p *fakePlayer) Stop() bool {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return false
	}
	p.active = false
	p.stops++
	cb := p.onFinished
	p.mu.Unlock()
	cb()
	return true
}

// Finish ends the music as if the song ran out.
func (p *fakePlayer) Finish() {
	p.mu.Lock()
	p.active = false
	cb := p.onFinished
	p.mu.Unlock()
	cb()
}

func (p *fakePlayer) Active(kind playback.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePlayer) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(e notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func (s *recordingSink) Clear() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *recordingSink) Count(typ string) int {
	n := 0
	for _, e := range s.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSink) Last() notify.Event {
	events := s.Events()
	if len(events) == 0 {
		return notify.Event{}
	}
	return events[len(events)-1]
}

type harness struct {
	m       *Machine
	voice   *fakeVoice
	stt     *fakeTranscriber
	replies *fakeReplies
	catalog *fakeCatalog
	player  *fakePlayer
	sink    *recordingSink
	history *dialog.History
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		voice:   &fakeVoice{},
		stt:     &fakeTranscriber{},
		replies: &fakeReplies{},
		catalog: &fakeCatalog{song: &music.Song{ID: 186001, Name: "晴天", Artists: "周杰伦"}},
		player:  &fakePlayer{},
		sink:    &recordingSink{},
		history: dialog.NewHistory("persona"),
	}
	m, err := NewMachine(Config{
		WakeWord:          "你好",
		ExitWords:         []string{"退出", "再见", "拜拜"},
		NewSessionPhrase:  "开启新会话",
		PlayPattern:       "播放(.+)",
		ListenDuringMusic: true,
	}, Deps{
		Transcriber: h.stt,
		Replies:     h.replies,
		Music:       h.catalog,
		Voice:       h.voice,
		Player:      h.player,
		Sink:        h.sink,
		History:     h.history,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	h.m = m
	return h
}

// awake wakes the machine and clears what waking produced.
func (h *harness) awake(t *testing.T) {
	t.Helper()
	h.m.WakeUp(context.Background())
	if h.m.State() != Awake {
		t.Fatalf("Expected AWAKE, got %s", h.m.State())
	}
	h.voice.Clear()
	h.sink.Clear()
}

func (h *harness) command(t *testing.T, text string) {
	t.Helper()
	h.stt.text = text
	h.m.ProcessCommand(context.Background(), &audio.Utterance{})
	if !h.m.Wait(2 * time.Second) {
		t.Fatal("Command did not finish")
	}
}

func expectSpoken(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected spoken %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Spoken %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWakeUp(t *testing.T) {
	h := newHarness(t)
	h.m.WakeUp(context.Background())

	if h.m.State() != Awake {
		t.Fatalf("Expected AWAKE, got %s", h.m.State())
	}
	expectSpoken(t, h.voice.Spoken(), "终于等到你了啦，我们聊聊天吧！")

	events := h.sink.Events()
	if len(events) == 0 || events[0].Type != notify.TypeStatusUpdate || events[0].Message != "想聊点什么呀？" {
		t.Errorf("Expected idle status first, got %+v", events)
	}
}

func TestWakeUp_NoOpWhenNotSleeping(t *testing.T) {
	h := newHarness(t)
	h.awake(t)

	h.m.WakeUp(context.Background())
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE, got %s", h.m.State())
	}
	if len(h.voice.Spoken()) != 0 || len(h.sink.Events()) != 0 {
		t.Errorf("Expected nothing spoken or sent, got %q and %+v", h.voice.Spoken(), h.sink.Events())
	}
}

func TestHandleStopMusic_WithoutSession(t *testing.T) {
	h := newHarness(t)
	h.m.HandleStopMusic(context.Background())

	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE, got %s", h.m.State())
	}
	if h.player.Stops() != 0 {
		t.Error("Expected the playback stop path not to run")
	}
	expectSpoken(t, h.voice.Spoken(), "没有在播放音乐哦。")
	if last := h.sink.Last(); last.State != notify.StateIdle {
		t.Errorf("Expected idle notification, got %+v", last)
	}
}

func TestPlayMusicThenStop(t *testing.T) {
	h := newHarness(t)
	h.awake(t)

	h.command(t, "播放晴天")
	if h.m.State() != PlayingMusic {
		t.Fatalf("Expected PLAYING_MUSIC, got %s", h.m.State())
	}
	expectSpoken(t, h.voice.Spoken(), "好的呀，正在为你寻找歌曲《晴天》...", "马上为你播放 晴天 - 周杰伦")
	if last := h.sink.Last(); last.State != notify.StateSpeaking || last.Message != "正在播放: 晴天 - 周杰伦" {
		t.Errorf("Expected now playing status, got %+v", last)
	}
	if len(h.player.urls) != 1 || h.player.urls[0] != "http://cdn.example/song.mp3" {
		t.Errorf("Expected resolved url to be played, got %v", h.player.urls)
	}

	greeting := h.m.Greeting()
	if greeting[1].Message != "正在播放: 晴天 - 周杰伦" {
		t.Errorf("Expected greeting to show the song, got %+v", greeting[1])
	}

	h.voice.Clear()
	h.m.HandleStopMusic(context.Background())
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE after stop, got %s", h.m.State())
	}
	if h.player.Stops() != 1 {
		t.Errorf("Expected one stop, got %d", h.player.Stops())
	}
	if len(h.voice.Spoken()) != 0 {
		t.Errorf("Expected nothing spoken on stop, got %q", h.voice.Spoken())
	}
	if last := h.sink.Last(); last.State != notify.StateIdle {
		t.Errorf("Expected idle notification, got %+v", last)
	}
}

func TestMusicFinishesNaturally(t *testing.T) {
	h := newHarness(t)
	h.awake(t)
	h.command(t, "播放晴天")

	h.player.Finish()
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE after the song ended, got %s", h.m.State())
	}

	h.m.OnMusicFinished()
	if h.m.State() != Awake {
		t.Errorf("Expected a late callback to change nothing, got %s", h.m.State())
	}
}

func TestPlayMusic_SpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.player.playErr = errors.New("exec: ffplay: not found")
	h.awake(t)

	h.command(t, "播放晴天")
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE after failed start, got %s", h.m.State())
	}
	if last := h.sink.Last(); last.State != notify.StateIdle {
		t.Errorf("Expected idle notification, got %+v", last)
	}
}

func TestPlayMusic_NotFound(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = music.ErrSongNotFound
	h.awake(t)

	h.command(t, "播放不存在的歌")
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE, got %s", h.m.State())
	}
	expectSpoken(t, h.voice.Spoken(), "好的呀，正在为你寻找歌曲《不存在的歌》...", "哎呀，找不到歌曲《不存在的歌》耶，要不要换一首？")
	if len(h.player.urls) != 0 {
		t.Error("Expected nothing to be played")
	}
}

func TestProcessCommand_Dialog(t *testing.T) {
	h := newHarness(t)
	h.replies.fragments = []string{"今天", "很好。", "出去玩吧"}
	h.awake(t)

	h.command(t, "今天天气怎么样")

	expectSpoken(t, h.voice.Spoken(), "今天很好。", "出去玩吧")

	turns := h.history.Conversation()
	if len(turns) != 2 || turns[0].Content != "今天天气怎么样" || turns[1].Content != "今天很好。出去玩吧" {
		t.Errorf("Unexpected history %+v", turns)
	}
	if h.replies.prompt != "今天天气怎么样" || len(h.replies.history) != 1 {
		t.Errorf("Expected the prompt with the prior history, got %q and %+v", h.replies.prompt, h.replies.history)
	}

	if n := h.sink.Count(notify.TypeAISpeechChunk); n != 3 {
		t.Errorf("Expected 3 speech chunks, got %d", n)
	}
	if n := h.sink.Count(notify.TypeUserSpeech); n != 1 {
		t.Errorf("Expected 1 user speech event, got %d", n)
	}
	if n := h.sink.Count(notify.TypeConversationHistory); n != 1 {
		t.Errorf("Expected 1 history event, got %d", n)
	}
	first := h.sink.Events()[0]
	if first.State != notify.StateProcessing || first.Message != "我听到你说: '今天天气怎么样'" {
		t.Errorf("Expected heard status first, got %+v", first)
	}
	if last := h.sink.Last(); last.State != notify.StateIdle {
		t.Errorf("Expected idle notification last, got %+v", last)
	}
}

func TestProcessCommand_ReplyFailure(t *testing.T) {
	h := newHarness(t)
	h.replies.fragments = []string{"我想想。"}
	h.replies.streamErr = errors.New("stream broken")
	h.awake(t)

	h.command(t, "讲个笑话")
	expectSpoken(t, h.voice.Spoken(), "我想想。", "抱歉，我的思维模块好像出了一点问题。")
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE, got %s", h.m.State())
	}
}

func TestProcessCommand_ReplyStartFailure(t *testing.T) {
	h := newHarness(t)
	h.replies.startErr = errors.New("circuit breaker is open")
	h.awake(t)

	h.command(t, "讲个笑话")
	expectSpoken(t, h.voice.Spoken(), "抱歉，我的思维模块好像出了一点问题。")
	if h.history.Len() != 2 {
		t.Errorf("Expected the user turn to be kept, got %d turns", h.history.Len())
	}
}

func TestProcessCommand_EmptyTranscript(t *testing.T) {
	h := newHarness(t)
	h.awake(t)

	h.command(t, "  ")
	expectSpoken(t, h.voice.Spoken(), "蛤？你刚刚有说话吗？")
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE, got %s", h.m.State())
	}
	if last := h.sink.Last(); last.State != notify.StateIdle {
		t.Errorf("Expected idle notification, got %+v", last)
	}
}

func TestProcessCommand_TranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	h.stt.err = errors.New("deepgram unavailable")
	h.awake(t)

	h.command(t, "ignored")
	expectSpoken(t, h.voice.Spoken(), "蛤？你刚刚有说话吗？")
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE, got %s", h.m.State())
	}
}

func TestProcessCommand_Exit(t *testing.T) {
	h := newHarness(t)
	h.awake(t)

	h.command(t, "再见")
	if h.m.State() != Sleeping {
		t.Errorf("Expected SLEEPING, got %s", h.m.State())
	}
	expectSpoken(t, h.voice.Spoken(), "好的啦，那我先去休息哦。需要我的时候，再叫“你好”哦！")
	if last := h.sink.Last(); last.Message != "人家在打盹哦，叫“你好”就能叫醒我啦~" {
		t.Errorf("Expected sleeping prompt, got %+v", last)
	}
}

func TestProcessCommand_NewSession(t *testing.T) {
	h := newHarness(t)
	h.history.Append(dialog.RoleUser, "old")
	h.history.Append(dialog.RoleAssistant, "reply")
	h.awake(t)

	h.command(t, "开启新会话")
	if h.history.Len() != 1 {
		t.Errorf("Expected only the persona turn, got %d turns", h.history.Len())
	}
	if h.sink.Count(notify.TypeNewSession) != 1 || h.sink.Count(notify.TypeConversationHistory) != 1 {
		t.Errorf("Expected new_session and history events, got %+v", h.sink.Events())
	}
	expectSpoken(t, h.voice.Spoken(), "好哦，我们重新开始聊吧！")
}

func TestListenGateClosedWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	h.voice.started = make(chan string, 1)
	h.voice.release = make(chan struct{})

	if !h.m.Listening() {
		t.Fatal("Expected the gate to be open initially")
	}

	done := make(chan struct{})
	go func() {
		h.m.WakeUp(context.Background())
		close(done)
	}()
	<-h.voice.started

	if h.m.Listening() {
		t.Error("Expected the gate to be closed while speaking")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.m.WaitListen(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected WaitListen to block, got %v", err)
	}

	close(h.voice.release)
	<-done
	if err := h.m.WaitListen(context.Background()); err != nil {
		t.Errorf("Expected the gate to reopen, got %v", err)
	}
}

func TestListenGateDuringMusic(t *testing.T) {
	h := newHarness(t)
	h.m.cfg.ListenDuringMusic = false
	h.awake(t)

	h.command(t, "播放晴天")
	if h.m.Listening() {
		t.Error("Expected the gate to be closed while music plays")
	}
	h.player.Finish()
	if !h.m.Listening() {
		t.Error("Expected the gate to reopen after the music")
	}
}

func TestOnWakeWord_TransitionsAtOnce(t *testing.T) {
	h := newHarness(t)
	h.voice.release = make(chan struct{})

	h.m.OnWakeWord(context.Background())
	if h.m.State() != Awake {
		t.Errorf("Expected AWAKE right away, got %s", h.m.State())
	}
	if h.m.Listening() {
		t.Error("Expected the gate closed until the prompt is spoken")
	}
	close(h.voice.release)
	if !h.m.Wait(2 * time.Second) {
		t.Fatal("Wake prompt did not finish")
	}
	if !h.m.Listening() {
		t.Error("Expected the gate open after the prompt")
	}
}

func TestGreeting(t *testing.T) {
	h := newHarness(t)
	h.history.Append(dialog.RoleUser, "hi")

	g := h.m.Greeting()
	if len(g) != 2 || g[0].Type != notify.TypeConversationHistory || len(g[0].History) != 1 {
		t.Fatalf("Unexpected greeting %+v", g)
	}
	if g[1].Message != "人家在打盹哦，叫“你好”就能叫醒我啦~" {
		t.Errorf("Expected sleeping status, got %+v", g[1])
	}
}

func TestArchiveUtterance(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	h.m.cfg.SaveUtterancesDir = dir
	h.m.now = func() time.Time { return time.UnixMilli(1700000000123) }
	h.awake(t)

	h.stt.text = ""
	utt := &audio.Utterance{Chunks: []audio.Chunk{audio.NewChunk(make([]byte, 320), 16000, 1, time.Now())}}
	h.m.ProcessCommand(context.Background(), utt)
	h.m.Wait(2 * time.Second)

	info, err := os.Stat(filepath.Join(dir, "rec_1700000000123.wav"))
	if err != nil {
		t.Fatalf("Expected archived utterance: %v", err)
	}
	if info.Size() != 44+320 {
		t.Errorf("Expected WAV header plus PCM, got %d bytes", info.Size())
	}
}

func TestNewMachine_MissingCollaborator(t *testing.T) {
	if _, err := NewMachine(Config{PlayPattern: "播放(.+)"}, Deps{}, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing collaborators")
	}
}

func TestProcessCommand_QueuedBehindExit(t *testing.T) {
	h := newHarness(t)
	h.replies.fragments = []string{"今天晴天。"}
	h.awake(t)

	h.stt.queue = []string{"再见", "今天天气怎么样"}
	h.m.ProcessCommand(context.Background(), &audio.Utterance{})
	h.m.ProcessCommand(context.Background(), &audio.Utterance{})
	if !h.m.Wait(2 * time.Second) {
		t.Fatal("Commands did not finish")
	}

	if h.m.State() != Sleeping {
		t.Errorf("Expected SLEEPING, got %s", h.m.State())
	}
	expectSpoken(t, h.voice.Spoken(), h.m.prompts.GoodBye)
	if h.replies.prompt != "" {
		t.Errorf("Expected no reply while sleeping, got prompt %q", h.replies.prompt)
	}
	if n := len(h.history.Conversation()); n != 0 {
		t.Errorf("Expected empty conversation, got %d turns", n)
	}
	if h.stt.Calls() != 1 {
		t.Errorf("Expected the second utterance to be dropped before transcription, got %d calls", h.stt.Calls())
	}
}

func TestProcessCommand_QueuedBehindPlay(t *testing.T) {
	h := newHarness(t)
	h.replies.fragments = []string{"今天晴天。"}
	h.awake(t)

	h.stt.queue = []string{"播放晴天", "今天天气怎么样"}
	h.m.ProcessCommand(context.Background(), &audio.Utterance{})
	h.m.ProcessCommand(context.Background(), &audio.Utterance{})
	if !h.m.Wait(2 * time.Second) {
		t.Fatal("Commands did not finish")
	}

	if h.m.State() != PlayingMusic {
		t.Errorf("Expected PLAYING_MUSIC, got %s", h.m.State())
	}
	if h.player.Stops() != 0 {
		t.Errorf("Expected the music to keep playing, got %d stops", h.player.Stops())
	}
	expectSpoken(t, h.voice.Spoken(), "好的呀，正在为你寻找歌曲《晴天》...", "马上为你播放 晴天 - 周杰伦")
}
