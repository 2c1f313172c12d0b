// Package ducttest provides in-memory ducts for tests.
package ducttest

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/lexiqai/smart-speaker/internal/duct"
)

// Duct is an in-memory duct. Output is fed with Emit; input is captured.
type Duct struct {
	spec duct.Spec

	outR *io.PipeReader
	outW *io.PipeWriter

	mu          sync.Mutex
	input       bytes.Buffer
	inputClosed bool
	terminated  bool
	exitErr     error

	// IgnoreTerminate keeps the duct alive after Terminate until Exit is called.
	IgnoreTerminate bool
	// ExitOnCloseInput makes CloseInput end the process, like a player
	// reaching the end of its stdin.
	ExitOnCloseInput bool

	done     chan struct{}
	exitOnce sync.Once
}

// NewDuct returns a live fake duct for spec.
func NewDuct(spec duct.Spec) *Duct {
	r, w := io.Pipe()
	return &Duct{spec: spec, outR: r, outW: w, done: make(chan struct{})}
}

// Spec returns the spec the duct was spawned with.
func (d *Duct) Spec() duct.Spec { return d.spec }

// Emit writes p to the output stream; it blocks until read or the duct exits.
func (d *Duct) Emit(p []byte) error {
	_, err := d.outW.Write(p)
	return err
}

// Exit ends the process with err.
func (d *Duct) Exit(err error) {
	d.exitOnce.Do(func() {
		d.mu.Lock()
		d.exitErr = err
		d.mu.Unlock()
		d.outW.Close()
		close(d.done)
	})
}

// Input returns everything written so far.
func (d *Duct) Input() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.input.Bytes()...)
}

// InputClosed reports whether CloseInput was called.
func (d *Duct) InputClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputClosed
}

// Terminated reports whether Terminate was called.
func (d *Duct) Terminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated
}

func (d *Duct) Name() string { return d.spec.Name }

func (d *Duct) Read(p []byte) (int, error) { return d.outR.Read(p) }

func (d *Duct) Write(p []byte) (int, error) {
	if !d.Alive() {
		return 0, duct.ErrNotRunning
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inputClosed {
		return 0, io.ErrClosedPipe
	}
	return d.input.Write(p)
}

func (d *Duct) Output() io.Reader { return d.outR }

func (d *Duct) CloseInput() error {
	d.mu.Lock()
	d.inputClosed = true
	exit := d.ExitOnCloseInput
	d.mu.Unlock()
	if exit {
		d.Exit(nil)
	}
	return nil
}

func (d *Duct) Alive() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *Duct) Done() <-chan struct{} { return d.done }

func (d *Duct) ExitErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

func (d *Duct) Terminate(grace time.Duration) error {
	d.mu.Lock()
	d.terminated = true
	ignore := d.IgnoreTerminate
	d.mu.Unlock()
	if !ignore {
		d.Exit(nil)
	}
	return nil
}

// Spawner records every spawn and delegates duct creation to OnSpawn.
type Spawner struct {
	mu     sync.Mutex
	ducts  []*Duct
	specs  []duct.Spec
	counts map[string]int

	// OnSpawn builds the duct for a spec; nil returns a plain live duct.
	// Returning an error simulates a spawn failure.
	OnSpawn func(spec duct.Spec, n int) (*Duct, error)
	// Spawned, when set, receives every successfully spawned duct.
	Spawned chan *Duct
}

// Spawn implements duct.Spawner.
func (s *Spawner) Spawn(spec duct.Spec) (duct.Duct, error) {
	s.mu.Lock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[spec.Name]++
	n := s.counts[spec.Name]
	s.specs = append(s.specs, spec)
	onSpawn := s.OnSpawn
	s.mu.Unlock()

	var d *Duct
	if onSpawn != nil {
		var err error
		if d, err = onSpawn(spec, n); err != nil {
			return nil, err
		}
	}
	if d == nil {
		d = NewDuct(spec)
	}

	s.mu.Lock()
	s.ducts = append(s.ducts, d)
	s.mu.Unlock()
	if s.Spawned != nil {
		s.Spawned <- d
	}
	return d, nil
}

// Count returns how many times a duct with name was requested.
func (s *Spawner) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Ducts returns every duct spawned so far.
func (s *Spawner) Ducts() []*Duct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Duct(nil), s.ducts...)
}

// Specs returns every spec requested so far, including failed spawns.
func (s *Spawner) Specs() []duct.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]duct.Spec(nil), s.specs...)
}
