package duct

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const stderrTailSize = 2048

// ExecSpawner starts ducts as OS processes.
type ExecSpawner struct {
	Logger zerolog.Logger
}

// NewExecSpawner returns a spawner that logs process exits to logger.
func NewExecSpawner(logger zerolog.Logger) *ExecSpawner {
	return &ExecSpawner{Logger: logger}
}

// Spawn starts the process described by spec.
func (s *ExecSpawner) Spawn(spec Spec) (Duct, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("duct %s: empty command", spec.Name)
	}
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("duct %s: %w", spec.Name, err)
	}

	cmd := exec.Command(path, spec.Args...)
	d := &execDuct{
		name:   spec.Name,
		cmd:    cmd,
		done:   make(chan struct{}),
		stderr: &tailBuffer{limit: stderrTailSize},
	}
	cmd.Stderr = d.stderr

	switch {
	case spec.Stdin != nil:
		cmd.Stdin = spec.Stdin
	case spec.PipeStdin:
		if d.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("duct %s: stdin pipe: %w", spec.Name, err)
		}
	}
	// The output pipe is owned here rather than by exec.Cmd so that Wait
	// does not close it while unread PCM is still buffered.
	var childOut *os.File
	if spec.PipeStdout {
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("duct %s: stdout pipe: %w", spec.Name, err)
		}
		d.stdout, childOut = pr, pw
		cmd.Stdout = pw
	}

	if err := cmd.Start(); err != nil {
		if childOut != nil {
			childOut.Close()
			d.stdout.Close()
		}
		return nil, fmt.Errorf("duct %s: start: %w", spec.Name, err)
	}
	if childOut != nil {
		childOut.Close()
	}

	logger := s.Logger.With().Str("duct", spec.Name).Int("pid", cmd.Process.Pid).Logger()
	logger.Debug().Strs("args", spec.Args).Msg("Process started")

	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		d.exitErr = err
		d.mu.Unlock()
		close(d.done)

		ev := logger.Debug()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Str("stderr", d.stderr.String()).Msg("Process exited")
	}()

	return d, nil
}

type execDuct struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *tailBuffer

	done      chan struct{}
	mu        sync.Mutex
	exitErr   error
	closeOnce sync.Once
	outOnce   sync.Once
}

func (d *execDuct) Name() string { return d.name }

func (d *execDuct) Read(p []byte) (int, error) {
	if d.stdout == nil {
		return 0, ErrNotRunning
	}
	return d.stdout.Read(p)
}

func (d *execDuct) Write(p []byte) (int, error) {
	if d.stdin == nil || !d.Alive() {
		return 0, ErrNotRunning
	}
	return d.stdin.Write(p)
}

func (d *execDuct) Output() io.Reader {
	if d.stdout == nil {
		return nil
	}
	return d.stdout
}

func (d *execDuct) CloseInput() error {
	if d.stdin == nil {
		return nil
	}
	var err error
	d.closeOnce.Do(func() { err = d.stdin.Close() })
	return err
}

func (d *execDuct) closeOutput() {
	if d.stdout != nil {
		d.outOnce.Do(func() { d.stdout.Close() })
	}
}

func (d *execDuct) Alive() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *execDuct) Done() <-chan struct{} { return d.done }

func (d *execDuct) ExitErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

// Terminate also releases the output stream; unread output is discarded.
func (d *execDuct) Terminate(grace time.Duration) error {
	defer d.closeOutput()
	if !d.Alive() {
		return nil
	}
	_ = d.CloseInput()

	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		// platforms without SIGTERM go straight to kill
		grace = 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-d.done:
		return nil
	case <-timer.C:
	}

	if err := d.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("duct %s: kill: %w", d.name, err)
	}

	killWait := grace
	if killWait < time.Second {
		killWait = time.Second
	}
	select {
	case <-d.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("duct %s: did not exit after kill", d.name)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
