// Package bridge exposes named digital signals over a serial-attached I/O
// device. It is the only component that talks to the microcontroller: all
// handshake logic above it works in terms of logical signal names, debounced
// levels, and bounded waits.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Logical signal names used by the capture handshake. The robot-facing
// direction is encoded in the prefix: DI_* are driven by this system,
// DO_* are driven by the robot.
const (
	SignalRun             = "DI_RUN"
	SignalCaptureComplete = "DI_CAPTURE_COMPLETE"
	SignalCapture         = "DO_CAPTURE"
	SignalRunComplete     = "DO_RUN_COMPLETE"
)

// Level is the state of a digital line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// Direction is fixed per signal at configuration time.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

var (
	// ErrDeviceUnavailable means the serial link to the I/O device is gone.
	// It is fatal: no run-level recovery is possible without operator action.
	ErrDeviceUnavailable = errors.New("signal device unavailable")

	// ErrPortNotFound means no serial port answered the handshake probe.
	ErrPortNotFound = errors.New("no signal device port found")

	// ErrInvalidDirection means a write was attempted on an input signal.
	ErrInvalidDirection = errors.New("signal direction does not permit operation")

	// ErrUnknownSignal means the name is not in the pin map.
	ErrUnknownSignal = errors.New("unknown signal name")
)

// PinAssignment binds a logical signal name to a physical pin.
type PinAssignment struct {
	Name      string
	Pin       int
	Direction Direction
}

// PinMap is an immutable mapping from logical signal names to physical pins.
// Built once at startup from configuration.
type PinMap struct {
	byName map[string]PinAssignment
}

// NewPinMap builds a pin map from configured input and output pin numbers.
// Names and pins must be unique across both directions.
func NewPinMap(inputs, outputs map[string]int) (*PinMap, error) {
	byName := make(map[string]PinAssignment, len(inputs)+len(outputs))
	byPin := make(map[int]string, len(inputs)+len(outputs))

	add := func(name string, pin int, dir Direction) error {
		if name == "" {
			return fmt.Errorf("signal name cannot be empty")
		}
		if _, exists := byName[name]; exists {
			return fmt.Errorf("duplicate signal name: %s", name)
		}
		if other, exists := byPin[pin]; exists {
			return fmt.Errorf("pin %d assigned to both %s and %s", pin, other, name)
		}
		byName[name] = PinAssignment{Name: name, Pin: pin, Direction: dir}
		byPin[pin] = name
		return nil
	}

	for name, pin := range inputs {
		if err := add(name, pin, Input); err != nil {
			return nil, err
		}
	}
	for name, pin := range outputs {
		if err := add(name, pin, Output); err != nil {
			return nil, err
		}
	}
	return &PinMap{byName: byName}, nil
}

// Lookup returns the assignment for a logical signal name.
func (m *PinMap) Lookup(name string) (PinAssignment, bool) {
	a, ok := m.byName[name]
	return a, ok
}

// All returns every assignment in the map.
func (m *PinMap) All() []PinAssignment {
	assignments := make([]PinAssignment, 0, len(m.byName))
	for _, a := range m.byName {
		assignments = append(assignments, a)
	}
	return assignments
}

// Transport is the pin-level access the bridge needs from the attached
// device. The production implementation speaks a Firmata-style protocol over
// a serial port; tests substitute an in-memory fake.
type Transport interface {
	SetPinMode(pin int, dir Direction) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// signalState is the per-signal record behind edge detection: the last level
// observed on the wire is the only mutable state the bridge owns.
type signalState struct {
	assignment   PinAssignment
	level        Level
	lastObserved Level
}

// Bridge provides debounced, edge-aware access to the named signals of a
// pin map. It is not safe for concurrent use: the serial link is a single
// shared resource driven from the handshake goroutine only.
type Bridge struct {
	transport Transport
	signals   map[string]*signalState
}

// New configures every pin in the map on the transport and returns the
// bridge. Output signals are driven LOW at startup so the robot never sees a
// stale assertion from a previous process.
func New(transport Transport, pins *PinMap) (*Bridge, error) {
	b := &Bridge{
		transport: transport,
		signals:   make(map[string]*signalState),
	}
	for _, a := range pins.All() {
		if err := transport.SetPinMode(a.Pin, a.Direction); err != nil {
			return nil, fmt.Errorf("failed to configure pin %d (%s): %w", a.Pin, a.Name, err)
		}
		state := &signalState{assignment: a}
		if a.Direction == Output {
			if err := transport.WritePin(a.Pin, Low); err != nil {
				return nil, fmt.Errorf("failed to clear output pin %d (%s): %w", a.Pin, a.Name, err)
			}
		} else {
			level, err := transport.ReadPin(a.Pin)
			if err != nil {
				return nil, fmt.Errorf("failed to read initial level of pin %d (%s): %w", a.Pin, a.Name, err)
			}
			state.level = level
			state.lastObserved = level
		}
		b.signals[a.Name] = state
		log.Printf("[Bridge] Signal %s configured as %s on pin %d", a.Name, a.Direction, a.Pin)
	}
	return b, nil
}

// Read samples the current level of a signal and records it as the last
// observed level for edge detection.
func (b *Bridge) Read(name string) (Level, error) {
	state, ok := b.signals[name]
	if !ok {
		return Low, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	level, err := b.transport.ReadPin(state.assignment.Pin)
	if err != nil {
		return Low, fmt.Errorf("read %s: %w", name, err)
	}
	state.lastObserved = state.level
	state.level = level
	return level, nil
}

// Write drives an output signal to the given level.
func (b *Bridge) Write(name string, level Level) error {
	state, ok := b.signals[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	if state.assignment.Direction != Output {
		return fmt.Errorf("%w: cannot write input signal %s", ErrInvalidDirection, name)
	}
	if err := b.transport.WritePin(state.assignment.Pin, level); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	state.lastObserved = state.level
	state.level = level
	return nil
}

// AwaitRisingEdge samples name at poll cadence until the level transitions
// LOW to HIGH or the timeout elapses. The detector is seeded from the last
// observed level, so a request raised between two waits is not lost. A
// candidate edge must persist for one additional poll before it is reported,
// to reject electrical noise.
// Returns false on timeout; a timeout is an expected outcome, not a fault.
// Cancelling the context ends the wait with the context's error so callers
// stay responsive between polls during long ceilings.
func (b *Bridge) AwaitRisingEdge(ctx context.Context, name string, poll, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	level, err := b.Read(name)
	if err != nil {
		return false, err
	}
	// The baseline is the level recorded by the previous read, not just this
	// sample: an edge raised in the gap between two waits must still count.
	prev := level
	candidate := b.signals[name].lastObserved == Low && level == High

	for time.Now().Before(deadline) {
		if err := sleep(ctx, poll); err != nil {
			return false, err
		}
		level, err := b.Read(name)
		if err != nil {
			return false, err
		}
		switch {
		case candidate:
			if level == High {
				return true, nil
			}
			// Glitch: HIGH did not survive the confirming poll.
			candidate = false
			prev = level
		case prev == Low && level == High:
			candidate = true
		default:
			prev = level
		}
	}
	return false, nil
}

// AwaitLow samples name at poll cadence until the level is LOW, confirmed on
// one additional poll, or the timeout elapses. Used for the acknowledgment
// half of the two-phase handshake. Returns false on timeout.
func (b *Bridge) AwaitLow(ctx context.Context, name string, poll, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	candidate := false

	for {
		level, err := b.Read(name)
		if err != nil {
			return false, err
		}
		if level == Low {
			if candidate {
				return true, nil
			}
			candidate = true
		} else {
			candidate = false
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, poll); err != nil {
			return false, err
		}
	}
}

// sleep waits for one poll interval or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DeassertAll drives every output signal LOW. Called on run abort so the
// robot is never stranded waiting on a stale assertion. The first error is
// returned after all outputs have been attempted.
func (b *Bridge) DeassertAll() error {
	var firstErr error
	for name, state := range b.signals {
		if state.assignment.Direction != Output {
			continue
		}
		if err := b.Write(name, Low); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases the underlying transport.
func (b *Bridge) Close() error {
	return b.transport.Close()
}
