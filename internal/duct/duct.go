// Package duct wraps long-running helper processes (capture, resample,
// playback) behind a small interface so supervisors can spawn, feed, drain,
// probe and terminate them without caring how they are implemented.
package duct

import (
	"errors"
	"io"
	"time"
)

// ErrNotRunning is returned when a duct has no such stream or already exited.
var ErrNotRunning = errors.New("duct: process not running")

// Spec describes a process to spawn.
type Spec struct {
	Name string // short label used in logs
	Path string
	Args []string

	// Stdin, when set, is connected to the process input directly. Passing
	// another duct's Output chains the two processes without copying.
	Stdin io.Reader
	// PipeStdin exposes the process input through Write/CloseInput.
	PipeStdin bool
	// PipeStdout exposes the process output through Read/Output.
	PipeStdout bool
}

// Duct is a spawned process with optional input and output streams.
type Duct interface {
	io.ReadWriter

	// Name returns the label from the Spec.
	Name() string
	// Output is the process output stream, or nil without PipeStdout.
	Output() io.Reader
	// CloseInput signals end of input.
	CloseInput() error
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr is the exit status after Done is closed.
	ExitErr() error
	// Terminate asks the process to stop, waits up to grace, then kills it.
	// It returns once the process has exited or the kill wait also expired.
	Terminate(grace time.Duration) error
}

// Spawner starts ducts.
type Spawner interface {
	Spawn(spec Spec) (Duct, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(spec Spec) (Duct, error)

// Spawn calls f(spec).
func (f SpawnerFunc) Spawn(spec Spec) (Duct, error) {
	return f(spec)
}
