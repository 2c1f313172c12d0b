package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultPersona is the system turn every conversation starts with.
const DefaultPersona = "你是一个来自台湾的AI女生，名字叫“小爱”。" +
	"你的基础人设是：说话带有浓厚的台湾腔和可爱的语气，句尾喜欢加“啦”、“哦”、“喔”、“呀”，常用“对呀”、“是哦”、“真的假的”等口头禅。" +
	"但你有一个隐藏的“小恶魔”属性，你的性格非常辛辣、反应快，喜欢吐槽和开一些玩笑。" +
	"总之，你要扮演一个表面甜美无害，实际上却是个满肚子坏水、反应机敏的“小妖精”。"

// Config holds all configuration for the smart speaker
type Config struct {
	// Server configuration (UI websocket, health, metrics)
	Port            string        `envconfig:"PORT" default:"8080"`
	GRPCHealthPort  string        `envconfig:"GRPC_HEALTH_PORT" default:""` // empty disables the gRPC health service
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Conversation
	WakeWord          string   `envconfig:"WAKE_WORD" default:"你好"`
	StopMusicWords    []string `envconfig:"STOP_MUSIC_WORDS" default:"停止播放,不想听了,关掉音乐,暂停"`
	ExitWords         []string `envconfig:"EXIT_WORDS" default:"退出,再见,拜拜"`
	NewSessionPhrase  string   `envconfig:"NEW_SESSION_PHRASE" default:"开启新会话"`
	PlayPattern       string   `envconfig:"PLAY_PATTERN" default:"播放(.+)"`
	ListenDuringMusic bool     `envconfig:"LISTEN_DURING_MUSIC" default:"true"` // feed the stop-phrase spotter while music plays
	PersonaPrompt     string   `envconfig:"PERSONA_PROMPT"`

	// Keyword spotting
	VoskModelPath string `envconfig:"VOSK_MODEL_PATH" default:"./libs/vosk-model-small-cn-0.22"`

	// Audio capture and segmentation
	VADEngine              string        `envconfig:"VAD_ENGINE" default:"energy"`          // energy, webrtc
	VADEnergyThreshold     float64       `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADWebRTCMode          int           `envconfig:"VAD_WEBRTC_MODE" default:"2"`          // 0 (least aggressive) - 3
	PreBufferDuration      time.Duration `envconfig:"PRE_BUFFER_DURATION" default:"1s"`
	SilenceTimeout         time.Duration `envconfig:"SILENCE_TIMEOUT" default:"2s"`
	MaxRecordingDuration   time.Duration `envconfig:"MAX_RECORDING_DURATION" default:"15s"`
	TargetSampleRate       int           `envconfig:"TARGET_SAMPLE_RATE" default:"16000"`
	ChunkDuration          time.Duration `envconfig:"CHUNK_DURATION" default:"100ms"`
	InputDeviceKeywords    []string      `envconfig:"INPUT_DEVICE_KEYWORDS" default:"USB,Audio,Mic"`
	CaptureDevice          string        `envconfig:"CAPTURE_DEVICE" default:""` // empty selects by keyword
	CaptureNativeRate      int           `envconfig:"CAPTURE_NATIVE_RATE" default:"48000"`
	CaptureCommand         string        `envconfig:"CAPTURE_COMMAND" default:"arecord"`
	ResampleCommand        string        `envconfig:"RESAMPLE_COMMAND" default:"ffmpeg"`
	PipelineRestartBackoff time.Duration `envconfig:"PIPELINE_RESTART_BACKOFF" default:"5s"`
	SaveUtterances         bool          `envconfig:"SAVE_UTTERANCES" default:"false"`
	AudioDir               string        `envconfig:"AUDIO_DIR" default:"./audio"`

	// Volcengine streaming TTS
	TTSAppID           string   `envconfig:"TTS_APP_ID" required:"true"`
	TTSToken           string   `envconfig:"TTS_TOKEN" required:"true"`
	TTSCluster         string   `envconfig:"TTS_CLUSTER" default:"volcano_tts"`
	TTSVoiceType       string   `envconfig:"TTS_VOICE_TYPE" default:"zh_female_wanwanxiaohe_moon_bigtts"`
	TTSURL             string   `envconfig:"TTS_URL" default:"wss://openspeech.bytedance.com/api/v1/tts/ws_binary"`
	TTSEncoding        string   `envconfig:"TTS_ENCODING" default:"mp3"`
	TTSRate            int      `envconfig:"TTS_RATE" default:"16000"`
	TTSUserID          string   `envconfig:"TTS_USER_ID" default:"smart_speaker_user"`
	TTSQueueSize       int      `envconfig:"TTS_QUEUE_SIZE" default:"64"`
	SaveTTSAudio       bool     `envconfig:"SAVE_TTS_AUDIO" default:"false"`
	SentenceDelimiters []string `envconfig:"SENTENCE_DELIMITERS" default:"。,！,？,...,…,；,\\n"`

	// Playback
	PlayerCommand     string        `envconfig:"PLAYER_COMMAND" default:"ffplay"`
	PlaybackStopGrace time.Duration `envconfig:"PLAYBACK_STOP_GRACE" default:"2s"`

	// Deepgram STT API configuration
	DeepgramAPIKey    string        `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel     string        `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage  string        `envconfig:"DEEPGRAM_LANGUAGE" default:"zh-CN"`
	TranscribeTimeout time.Duration `envconfig:"TRANSCRIBE_TIMEOUT" default:"10s"`

	// Gemini reply generation
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	// Song lookup
	MusicSearchURL       string        `envconfig:"MUSIC_SEARCH_URL" default:"https://music.163.com/api/search/get/web"`
	MusicPlayURLTemplate string        `envconfig:"MUSIC_PLAY_URL_TEMPLATE" default:"https://music.163.com/song/media/outer/url?id=%d.mp3"`
	MusicTimeout         time.Duration `envconfig:"MUSIC_TIMEOUT" default:"10s"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"` // Failures before opening circuit
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"`
	RetryMaxAttempts           int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"100ms"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required credentials and value ranges.
func (c *Config) Validate() error {
	required := map[string]string{
		"TTS_APP_ID":       c.TTSAppID,
		"TTS_TOKEN":        c.TTSToken,
		"DEEPGRAM_API_KEY": c.DeepgramAPIKey,
		"GEMINI_API_KEY":   c.GeminiAPIKey,
	}
	for _, key := range []string{"TTS_APP_ID", "TTS_TOKEN", "DEEPGRAM_API_KEY", "GEMINI_API_KEY"} {
		if required[key] == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	if strings.TrimSpace(c.WakeWord) == "" {
		return fmt.Errorf("WAKE_WORD must not be empty")
	}
	if len(c.StopMusicWords) == 0 {
		return fmt.Errorf("STOP_MUSIC_WORDS must not be empty")
	}
	if c.TargetSampleRate <= 0 {
		return fmt.Errorf("TARGET_SAMPLE_RATE must be positive, got %d", c.TargetSampleRate)
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("CHUNK_DURATION must be positive, got %s", c.ChunkDuration)
	}
	if len(c.SentenceDelimiters) == 0 {
		return fmt.Errorf("SENTENCE_DELIMITERS must not be empty")
	}
	switch c.VADEngine {
	case "energy", "webrtc":
	default:
		return fmt.Errorf("VAD_ENGINE must be energy or webrtc, got %q", c.VADEngine)
	}
	return nil
}

// ChunkBytes is the size of one 16-bit mono PCM chunk at the target rate.
func (c *Config) ChunkBytes() int {
	samples := int(int64(c.TargetSampleRate) * int64(c.ChunkDuration) / int64(time.Second))
	return samples * 2
}

func (c *Config) normalize() {
	c.StopMusicWords = cleanList(c.StopMusicWords)
	c.ExitWords = cleanList(c.ExitWords)
	c.InputDeviceKeywords = cleanList(c.InputDeviceKeywords)

	delims := make([]string, 0, len(c.SentenceDelimiters))
	for _, d := range c.SentenceDelimiters {
		d = strings.ReplaceAll(d, `\n`, "\n")
		if d != "" {
			delims = append(delims, d)
		}
	}
	c.SentenceDelimiters = delims

	if c.PersonaPrompt == "" {
		c.PersonaPrompt = DefaultPersona
	}
	c.VADEngine = strings.ToLower(strings.TrimSpace(c.VADEngine))
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
