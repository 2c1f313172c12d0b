package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/smart-speaker/internal/audio"
	"github.com/lexiqai/smart-speaker/internal/config"
	"github.com/lexiqai/smart-speaker/internal/dialog"
	"github.com/lexiqai/smart-speaker/internal/duct"
	"github.com/lexiqai/smart-speaker/internal/keyword"
	"github.com/lexiqai/smart-speaker/internal/keyword/vosk"
	"github.com/lexiqai/smart-speaker/internal/music"
	"github.com/lexiqai/smart-speaker/internal/notify"
	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/orchestrator"
	"github.com/lexiqai/smart-speaker/internal/playback"
	"github.com/lexiqai/smart-speaker/internal/resilience"
	"github.com/lexiqai/smart-speaker/internal/speaker"
	"github.com/lexiqai/smart-speaker/internal/stt"
	"github.com/lexiqai/smart-speaker/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Environment)
	if err != nil {
		logger.Warn().Err(err).Msg("Sentry disabled")
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("wake_word", cfg.WakeWord).
		Str("vad_engine", cfg.VADEngine).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Smart speaker starting")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Smart speaker stopped")
		flush()
		os.Exit(1)
	}
	flush()
	logger.Info().Msg("Smart speaker exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    cfg.RetryInitialBackoff,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	ttsBreaker := newBreaker(cfg, "tts", logger)
	ttsBreaker.OnFailure = observability.IncrementCircuitBreakerFailures
	sttBreaker := newBreaker(cfg, "stt", logger)
	llmBreaker := newBreaker(cfg, "llm", logger)

	spawner := duct.NewExecSpawner(observability.ForComponent("duct"))

	// Output: synthesis and the player process
	synth := tts.NewClient(tts.Config{
		URL:       cfg.TTSURL,
		AppID:     cfg.TTSAppID,
		Token:     cfg.TTSToken,
		Cluster:   cfg.TTSCluster,
		VoiceType: cfg.TTSVoiceType,
		Encoding:  cfg.TTSEncoding,
		Rate:      cfg.TTSRate,
		UserID:    cfg.TTSUserID,
		QueueSize: cfg.TTSQueueSize,
	}, ttsBreaker, retry, observability.ForComponent("tts"))

	playCfg := playback.Config{PlayerCommand: cfg.PlayerCommand, StopGrace: cfg.PlaybackStopGrace}
	if cfg.SaveTTSAudio {
		playCfg.SaveSpeechDir = cfg.AudioDir
	}
	player := playback.NewSupervisor(playCfg, spawner, observability.ForComponent("playback"))

	// Input: capture, keyword spotting and segmentation
	models := vosk.NewModels(cfg.VoskModelPath, observability.ForComponent("vosk"))
	defer models.Close()
	wakeSpotter := keyword.NewSpotter("wake", []string{cfg.WakeWord}, cfg.TargetSampleRate, models, observability.ForComponent("keyword"))
	defer wakeSpotter.Close()
	stopSpotter := keyword.NewSpotter("stop", cfg.StopMusicWords, cfg.TargetSampleRate, models, observability.ForComponent("keyword"))
	defer stopSpotter.Close()

	classifier, err := audio.NewClassifier(cfg.VADEngine, cfg.VADEnergyThreshold, cfg.VADWebRTCMode)
	if err != nil {
		return fmt.Errorf("speech classifier: %w", err)
	}
	segmenter := audio.NewSegmenter(audio.SegmenterConfig{
		PreRoll:        cfg.PreBufferDuration,
		ChunkDuration:  cfg.ChunkDuration,
		SilenceTimeout: cfg.SilenceTimeout,
		MaxDuration:    cfg.MaxRecordingDuration,
	}, classifier)

	pipeline := audio.NewPipeline(audio.PipelineConfig{
		CaptureCommand:  cfg.CaptureCommand,
		ResampleCommand: cfg.ResampleCommand,
		Device:          cfg.CaptureDevice,
		DeviceKeywords:  cfg.InputDeviceKeywords,
		NativeRate:      cfg.CaptureNativeRate,
		TargetRate:      cfg.TargetSampleRate,
		ChunkBytes:      cfg.ChunkBytes(),
		RestartBackoff:  cfg.PipelineRestartBackoff,
	}, spawner, &audio.ArecordLister{
		Command:     cfg.CaptureCommand,
		DefaultRate: cfg.CaptureNativeRate,
	}, observability.ForComponent("capture"))

	// Remote services
	transcriber := stt.NewDeepgramTranscriber(stt.DeepgramConfig{
		APIKey:   cfg.DeepgramAPIKey,
		Model:    cfg.DeepgramModel,
		Language: cfg.DeepgramLanguage,
		Timeout:  cfg.TranscribeTimeout,
	}, sttBreaker, observability.ForComponent("stt"))

	replies, err := orchestrator.NewGeminiClient(ctx, orchestrator.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
	}, llmBreaker, retry, observability.ForComponent("llm"))
	if err != nil {
		return err
	}

	catalog := music.NewClient(music.Config{
		SearchURL:       cfg.MusicSearchURL,
		PlayURLTemplate: cfg.MusicPlayURLTemplate,
		Timeout:         cfg.MusicTimeout,
	}, retry, observability.ForComponent("music"))

	hub := notify.NewHub(observability.ForComponent("notify"))

	machineCfg := speaker.Config{
		WakeWord:          cfg.WakeWord,
		ExitWords:         cfg.ExitWords,
		NewSessionPhrase:  cfg.NewSessionPhrase,
		PlayPattern:       cfg.PlayPattern,
		ListenDuringMusic: cfg.ListenDuringMusic,
		Delimiters:        cfg.SentenceDelimiters,
	}
	if cfg.SaveUtterances {
		machineCfg.SaveUtterancesDir = cfg.AudioDir
	}
	machine, err := speaker.NewMachine(machineCfg, speaker.Deps{
		Transcriber: transcriber,
		Replies:     replies,
		Music:       catalog,
		Voice:       dialog.NewTTSVoice(synth, player),
		Player:      player,
		Sink:        hub,
		History:     dialog.NewHistory(cfg.PersonaPrompt),
	}, observability.ForComponent("speaker"))
	if err != nil {
		return err
	}
	hub.SetGreeter(machine.Greeting)

	listener := speaker.NewListener(machine, pipeline, wakeSpotter, stopSpotter, segmenter, observability.ForComponent("listener"))

	checks := map[string]observability.HealthCheckFunc{
		"capture": func(context.Context) (bool, error) {
			if !pipeline.Healthy() {
				return false, fmt.Errorf("capture pipeline is restarting")
			}
			return true, nil
		},
		"keyword": func(context.Context) (bool, error) {
			if !wakeSpotter.Loaded() || !stopSpotter.Loaded() {
				return false, fmt.Errorf("keyword model not loaded")
			}
			return true, nil
		},
		"tts": breakerCheck(ttsBreaker),
		"stt": breakerCheck(sttBreaker),
		"llm": breakerCheck(llmBreaker),
	}

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: /ws connections are long lived
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPCHealthPort != "" {
		g.Go(func() error {
			return observability.NewGRPCHealth(checks, 5*time.Second).Serve(gctx, ":"+cfg.GRPCHealthPort)
		})
	}

	g.Go(func() error {
		logger.Info().Str("wake_word", cfg.WakeWord).Msg("Say the wake word to start")
		err := listener.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down...")

		pipeline.Close()
		player.Close()
		if !machine.Wait(cfg.ShutdownTimeout) {
			logger.Warn().Dur("timeout", cfg.ShutdownTimeout).Msg("Commands still running at shutdown")
		}
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newBreaker(cfg *config.Config, service string, logger zerolog.Logger) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(service, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout)
	cb.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().
			Str("service", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	return cb
}

func breakerCheck(cb *resilience.CircuitBreaker) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		if cb.GetState() == resilience.StateOpen {
			return false, fmt.Errorf("circuit breaker open")
		}
		return true, nil
	}
}
