package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation state
	speakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speaker_state",
		Help: "Current conversation state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_state_transitions_total",
		Help: "Total number of conversation state transitions",
	}, []string{"from", "to"})

	// Capture pipeline
	pipelineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speaker_pipeline_restarts_total",
		Help: "Total number of capture/resample pipeline restarts",
	})

	pipelineUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speaker_pipeline_up",
		Help: "Whether the capture/resample pipeline is running (1) or not (0)",
	})

	audioBytesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speaker_audio_bytes_captured_total",
		Help: "Total PCM bytes read from the resample stage",
	})

	// Segmentation and keyword spotting
	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_utterances_total",
		Help: "Total number of finalized utterances",
	}, []string{"reason"}) // reason: "silence" or "max_duration"

	utteranceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speaker_utterance_duration_seconds",
		Help:    "Duration of finalized utterances in seconds",
		Buckets: []float64{0.5, 1, 2, 4, 8, 12, 16},
	})

	keywordDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_keyword_detections_total",
		Help: "Total keyword spotter matches",
	}, []string{"spotter"})

	// STT metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_stt_requests_total",
		Help: "Total number of transcription requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speaker_stt_latency_seconds",
		Help:    "Transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Reply generation metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_llm_requests_total",
		Help: "Total number of reply generation requests",
	}, []string{"status"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speaker_llm_latency_seconds",
		Help:    "Reply generation latency (full stream) in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_tts_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"status"})

	ttsFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speaker_tts_first_audio_seconds",
		Help:    "Time from synthesis request to first audio frame",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	})

	ttsFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_tts_frames_dropped_total",
		Help: "Synthesis frames dropped without ending the stream",
	}, []string{"reason"}) // reason: "incomplete", "unknown_type"

	// Playback metrics
	playbackSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_playback_sessions_total",
		Help: "Total playback sessions by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: "completed", "stopped", "failed", "spawn_failed"

	playbackActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speaker_playback_active",
		Help: "Whether a playback session is active",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speaker_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// TurnMetrics tracks latencies for a single dialog turn
type TurnMetrics struct {
	turnID       string
	startTime    time.Time
	sttStartTime time.Time
	llmStartTime time.Time
	mu           sync.Mutex
}

// NewTurnMetrics creates a new metrics tracker for a dialog turn
func NewTurnMetrics(turnID string) *TurnMetrics {
	return &TurnMetrics{
		turnID:    turnID,
		startTime: time.Now(),
	}
}

// TurnID returns the id the tracker was created with.
func (m *TurnMetrics) TurnID() string {
	return m.turnID
}

// RecordSTTStart records the start of transcription
func (m *TurnMetrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of transcription
func (m *TurnMetrics) RecordSTTEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}
	sttRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordLLMStart records the start of reply generation
func (m *TurnMetrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.mu.Unlock()
}

// RecordLLMEnd records the end of the reply stream
func (m *TurnMetrics) RecordLLMEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}
	llmRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error
func (m *TurnMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordError records an error outside a dialog turn
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// SetSpeakerState marks state as the only active state.
func SetSpeakerState(from, to string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == to {
			v = 1.0
		}
		speakerState.WithLabelValues(s).Set(v)
	}
	if from != to {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// RecordPipelineRestart counts one capture pipeline restart
func RecordPipelineRestart() {
	pipelineRestarts.Inc()
}

// SetPipelineUp records whether the capture pipeline is running
func SetPipelineUp(up bool) {
	if up {
		pipelineUp.Set(1)
	} else {
		pipelineUp.Set(0)
	}
}

// RecordAudioCaptured records PCM bytes read from the pipeline
func RecordAudioCaptured(bytes int) {
	audioBytesCaptured.Add(float64(bytes))
}

// RecordUtterance records a finalized utterance
func RecordUtterance(reason string, duration time.Duration) {
	utterancesTotal.WithLabelValues(reason).Inc()
	utteranceDuration.Observe(duration.Seconds())
}

// RecordKeywordDetection counts a keyword spotter match
func RecordKeywordDetection(spotter string) {
	keywordDetections.WithLabelValues(spotter).Inc()
}

// RecordTTSRequest counts a finished synthesis request
func RecordTTSRequest(success bool) {
	ttsRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTTSFirstAudio observes time to the first audio frame
func RecordTTSFirstAudio(latency time.Duration) {
	ttsFirstAudio.Observe(latency.Seconds())
}

// RecordTTSFrameDropped counts a dropped synthesis frame
func RecordTTSFrameDropped(reason string) {
	ttsFramesDropped.WithLabelValues(reason).Inc()
}

// RecordPlaybackSession counts a finished playback session
func RecordPlaybackSession(kind, outcome string) {
	playbackSessions.WithLabelValues(kind, outcome).Inc()
}

// SetPlaybackActive records whether a playback session is active
func SetPlaybackActive(active bool) {
	if active {
		playbackActive.Set(1)
	} else {
		playbackActive.Set(0)
	}
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
