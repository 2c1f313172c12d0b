// Package vosk adapts the Vosk offline recognizer to keyword.Recognizer.
package vosk

import (
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/keyword"
)

// Models loads a Vosk model lazily and shares it between recognizers.
type Models struct {
	path   string
	logger zerolog.Logger

	once  sync.Once
	model *vosk.VoskModel
	err   error
}

// NewModels returns a loader for the model at path.
func NewModels(path string, logger zerolog.Logger) *Models {
	return &Models{path: path, logger: logger}
}

func (m *Models) load() (*vosk.VoskModel, error) {
	m.once.Do(func() {
		if m.path == "" {
			m.err = fmt.Errorf("vosk model path not configured")
			return
		}
		m.logger.Info().Str("model_path", m.path).Msg("Loading Vosk model")
		m.model, m.err = vosk.NewModel(m.path)
		if m.err != nil {
			m.err = fmt.Errorf("failed to load Vosk model from %s: %w", m.path, m.err)
		}
	})
	return m.model, m.err
}

// NewRecognizer implements keyword.RecognizerFactory.
func (m *Models) NewRecognizer(grammar string, sampleRate int) (keyword.Recognizer, error) {
	model, err := m.load()
	if err != nil {
		return nil, err
	}
	rec, err := vosk.NewRecognizerGrm(model, float64(sampleRate), grammar)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}
	return &recognizer{rec: rec}, nil
}

// Close frees the shared model. Recognizers must be closed first.
func (m *Models) Close() error {
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

type recognizer struct {
	rec *vosk.VoskRecognizer
}

func (r *recognizer) AcceptWaveform(pcm []byte) bool {
	return r.rec.AcceptWaveform(pcm) == 1
}

func (r *recognizer) Result() string { return r.rec.Result() }

func (r *recognizer) Reset() { r.rec.Reset() }

func (r *recognizer) Close() error {
	r.rec.Free()
	return nil
}
