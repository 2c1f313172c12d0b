package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/duct"
	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/resilience"
)

// PipelineConfig configures the capture -> resample process pair
type PipelineConfig struct {
	CaptureCommand  string
	ResampleCommand string
	Device          string   // explicit capture device; empty selects by keyword
	DeviceKeywords  []string // matched case-insensitively against device names
	NativeRate      int      // used when the device rate is unknown
	TargetRate      int
	ChunkBytes      int
	RestartBackoff  time.Duration
	TerminateGrace  time.Duration
}

// Pipeline supervises an arecord|ffmpeg style process pair and yields
// fixed-size PCM chunks at the target rate. Failures of either process,
// and short reads, restart the pair after RestartBackoff, forever.
type Pipeline struct {
	cfg     PipelineConfig
	spawner duct.Spawner
	lister  DeviceLister
	logger  zerolog.Logger

	mu       sync.Mutex
	capture  duct.Duct
	resample duct.Duct
	device   Device
	started  bool
	closed   bool
	seq      uint64
	buf      []byte

	// now is replaceable in tests
	now func() time.Time
}

// NewPipeline creates a supervisor; nothing is spawned until the first Read.
func NewPipeline(cfg PipelineConfig, spawner duct.Spawner, lister DeviceLister, logger zerolog.Logger) *Pipeline {
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		spawner: spawner,
		lister:  lister,
		logger:  logger,
		buf:     make([]byte, cfg.ChunkBytes),
		now:     time.Now,
	}
}

// CaptureArgs builds the arecord arguments for dev.
func CaptureArgs(dev Device) []string {
	return []string{"-q", "-D", dev.ID, "-f", "S16_LE", "-r", strconv.Itoa(dev.NativeRate), "-c", "1", "-t", "raw"}
}

// ResampleArgs builds the ffmpeg arguments converting native to target rate.
func ResampleArgs(nativeRate, targetRate int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(nativeRate), "-ac", "1", "-i", "-",
		"-ar", strconv.Itoa(targetRate), "-ac", "1", "-f", "s16le", "-",
	}
}

// Read blocks until a full chunk is available. Pipeline failures are
// recovered internally; the only errors returned are ctx errors and
// ErrPipelineClosed.
func (p *Pipeline) Read(ctx context.Context) (Chunk, error) {
	stop := context.AfterFunc(ctx, p.interrupt)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if p.isClosed() {
			return Chunk{}, ErrPipelineClosed
		}

		out, ok := p.healthyOutput()
		if !ok {
			if err := p.restart(ctx); err != nil {
				return Chunk{}, err
			}
			continue
		}

		n, err := io.ReadFull(out, p.buf)
		if err != nil || n == 0 {
			if ctx.Err() == nil && !p.isClosed() {
				p.logger.Warn().Err(err).Int("bytes", n).Msg("Audio pipeline read failed")
				observability.CaptureError(fmt.Errorf("pipeline read: %w", errOrEmpty(err)), "pipeline_failure", "audio_pipeline")
			}
			p.markFailed()
			continue
		}

		observability.RecordAudioCaptured(n)
		p.mu.Lock()
		p.seq++
		seq := p.seq
		p.mu.Unlock()
		return NewChunk(p.buf[:n], p.cfg.TargetRate, seq, p.now()), nil
	}
}

// ErrPipelineClosed is returned by Read after Close.
var ErrPipelineClosed = errors.New("audio pipeline closed")

func errOrEmpty(err error) error {
	if err == nil {
		return errors.New("empty read")
	}
	return err
}

// Healthy reports whether both processes are running.
func (p *Pipeline) Healthy() bool {
	_, ok := p.healthyOutput()
	return ok
}

// CurrentDevice returns the device used by the running pair.
func (p *Pipeline) CurrentDevice() Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

func (p *Pipeline) healthyOutput() (io.Reader, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capture == nil || p.resample == nil {
		return nil, false
	}
	if !p.capture.Alive() || !p.resample.Alive() {
		return nil, false
	}
	return p.resample.Output(), true
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// restart kills whatever is left, waits the backoff (except for the very
// first start) and spawns a new pair, retrying until ctx is done.
func (p *Pipeline) restart(ctx context.Context) error {
	p.mu.Lock()
	wasStarted := p.started
	p.mu.Unlock()

	p.terminate()
	observability.SetPipelineUp(false)

	if wasStarted {
		observability.RecordPipelineRestart()
		p.logger.Warn().Dur("backoff", p.cfg.RestartBackoff).Msg("Audio pipeline unhealthy, restarting")
		timer := time.NewTimer(p.cfg.RestartBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	logger := p.logger
	err := resilience.Reconnect(ctx, func(attempt int) error {
		if p.isClosed() {
			return nil
		}
		return p.spawn(ctx, attempt)
	}, resilience.FixedBackoffForever("audio_pipeline", p.cfg.RestartBackoff, &logger))
	if err != nil {
		return err
	}
	if p.isClosed() {
		return ErrPipelineClosed
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	observability.SetPipelineUp(true)
	return nil
}

func (p *Pipeline) spawn(ctx context.Context, attempt int) error {
	dev := p.selectDevice(ctx)

	capture, err := p.spawner.Spawn(duct.Spec{
		Name:       "capture",
		Path:       p.cfg.CaptureCommand,
		Args:       CaptureArgs(dev),
		PipeStdout: true,
	})
	if err != nil {
		return fmt.Errorf("spawn capture: %w", err)
	}

	resample, err := p.spawner.Spawn(duct.Spec{
		Name:       "resample",
		Path:       p.cfg.ResampleCommand,
		Args:       ResampleArgs(dev.NativeRate, p.cfg.TargetRate),
		Stdin:      capture.Output(),
		PipeStdout: true,
	})
	if err != nil {
		capture.Terminate(p.cfg.TerminateGrace)
		return fmt.Errorf("spawn resample: %w", err)
	}

	p.mu.Lock()
	p.capture, p.resample, p.device = capture, resample, dev
	p.mu.Unlock()

	go p.watch(capture, resample)

	p.logger.Info().
		Str("device", dev.ID).
		Str("device_name", dev.Name).
		Int("native_rate", dev.NativeRate).
		Int("target_rate", p.cfg.TargetRate).
		Int("attempt", attempt).
		Msg("Audio pipeline started")
	return nil
}

// watch tears the pair down as soon as either side exits, so a Read
// blocked on the resample output wakes up.
func (p *Pipeline) watch(capture, resample duct.Duct) {
	var exited duct.Duct
	select {
	case <-capture.Done():
		exited = capture
	case <-resample.Done():
		exited = resample
	}

	p.mu.Lock()
	current := p.capture == capture
	p.mu.Unlock()
	if !current {
		return
	}

	p.logger.Warn().Err(exited.ExitErr()).Str("duct", exited.Name()).Msg("Audio pipeline process exited")
	capture.Terminate(p.cfg.TerminateGrace)
	resample.Terminate(p.cfg.TerminateGrace)
}

func (p *Pipeline) selectDevice(ctx context.Context) Device {
	if p.cfg.Device != "" {
		return Device{ID: p.cfg.Device, Name: p.cfg.Device, NativeRate: p.cfg.NativeRate}
	}
	fallback := DefaultDevice(p.cfg.NativeRate)
	if p.lister == nil {
		return fallback
	}

	devices, err := p.lister.ListInputDevices(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Could not list capture devices, using default")
		return fallback
	}
	dev, ok := SelectDevice(devices, p.cfg.DeviceKeywords, fallback)
	if !ok {
		p.logger.Warn().Strs("keywords", p.cfg.DeviceKeywords).Msg("No matching capture device, using default")
	}
	return dev
}

func (p *Pipeline) markFailed() {
	p.terminate()
}

func (p *Pipeline) terminate() {
	p.mu.Lock()
	capture, resample := p.capture, p.resample
	p.capture, p.resample = nil, nil
	p.mu.Unlock()

	if resample != nil {
		resample.Terminate(p.cfg.TerminateGrace)
	}
	if capture != nil {
		capture.Terminate(p.cfg.TerminateGrace)
	}
}

// interrupt unblocks a pending Read without closing the pipeline.
func (p *Pipeline) interrupt() {
	p.terminate()
}

// Close terminates both processes; subsequent Reads return ErrPipelineClosed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.terminate()
	observability.SetPipelineUp(false)
	return nil
}
