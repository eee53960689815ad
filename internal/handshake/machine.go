// Package handshake implements the per-run capture protocol between this
// system and the robot: session start, one strict two-phase handshake per
// sample, and session completion. It is an explicit finite-state machine so
// every state has a defined action for every expected signal transition and
// for timeout.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/formatlab/robodic/internal/bridge"
	"github.com/formatlab/robodic/internal/capture"
)

// State of the per-run protocol.
type State int

const (
	StateIdle State = iota
	StateSessionStarting
	StateAwaitingCaptureRequest
	StateCapturing
	StateCaptureAcknowledged
	StateAwaitingRunComplete
	StateRunAcknowledged
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSessionStarting:
		return "SESSION_STARTING"
	case StateAwaitingCaptureRequest:
		return "AWAITING_CAPTURE_REQUEST"
	case StateCapturing:
		return "CAPTURING"
	case StateCaptureAcknowledged:
		return "CAPTURE_ACKNOWLEDGED"
	case StateAwaitingRunComplete:
		return "AWAITING_RUN_COMPLETE"
	case StateRunAcknowledged:
		return "RUN_ACKNOWLEDGED"
	case StateTerminal:
		return "TERMINAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AbortReason explains why a run ended without completing.
type AbortReason string

const (
	ReasonCaptureRequestTimeout AbortReason = "capture request timeout"
	ReasonCaptureAckTimeout     AbortReason = "capture acknowledgment timeout"
	ReasonRunCompleteTimeout    AbortReason = "run complete timeout"
	ReasonRunAckTimeout         AbortReason = "run acknowledgment timeout"
	ReasonCancelled             AbortReason = "cancelled"
)

// RunResult is the outcome of one run of the handshake.
type RunResult struct {
	RunIndex    int
	StartedAt   time.Time
	EndedAt     time.Time
	Completed   bool
	AbortReason AbortReason
	Samples     []*capture.SampleResult
}

// SignalBridge is the slice of the bridge the machine drives.
type SignalBridge interface {
	Read(name string) (bridge.Level, error)
	Write(name string, level bridge.Level) error
	AwaitRisingEdge(ctx context.Context, name string, poll, timeout time.Duration) (bool, error)
	AwaitLow(ctx context.Context, name string, poll, timeout time.Duration) (bool, error)
	DeassertAll() error
}

// Capturer produces one SampleResult per capture request and resets its
// per-run exposure state when told the run is over.
type Capturer interface {
	Capture(ctx context.Context, runIndex, sampleIndex int) *capture.SampleResult
	ResetRun()
}

// Observer is notified as samples complete. May be nil.
type Observer interface {
	SampleCaptured(result *capture.SampleResult)
}

// Config bounds every wait in the protocol. The poll interval is the
// sampling cadence; the ceilings are the run-level limits beyond which a
// silent robot aborts the run.
type Config struct {
	NumSamples            int
	PollInterval          time.Duration
	CaptureRequestCeiling time.Duration
	RunCompleteCeiling    time.Duration
	AckTimeout            time.Duration
}

// Machine executes one run of the protocol per Run call. Driven from a
// single goroutine: the serial link below it admits no concurrent access.
type Machine struct {
	bridge   SignalBridge
	capturer Capturer
	cfg      Config
	observer Observer
	state    State
}

// NewMachine wires a handshake machine. observer may be nil.
func NewMachine(b SignalBridge, capturer Capturer, cfg Config, observer Observer) *Machine {
	return &Machine{
		bridge:   b,
		capturer: capturer,
		cfg:      cfg,
		observer: observer,
		state:    StateIdle,
	}
}

// State returns the machine's current protocol state.
func (m *Machine) State() State {
	return m.state
}

func (m *Machine) transition(runIndex int, next State) {
	log.Printf("[Handshake] Run %d: %s -> %s", runIndex, m.state, next)
	m.state = next
}

// Run executes one complete run. Timeouts and cancellation abort the run
// (Completed=false, all output signals deasserted) but return a nil error;
// only device loss is returned as an error, and it is fatal to the caller.
//
// Cancellation is honored only while waiting for the next capture request,
// which is the gap between handshake transactions: aborting there uses the
// same deassert-all path as a timeout and cannot strand the robot
// mid-signal.
func (m *Machine) Run(ctx context.Context, runIndex int) (*RunResult, error) {
	result := &RunResult{RunIndex: runIndex, StartedAt: time.Now()}
	defer m.capturer.ResetRun()

	m.state = StateIdle
	m.transition(runIndex, StateSessionStarting)
	if err := m.bridge.Write(bridge.SignalRun, bridge.High); err != nil {
		return m.fatal(result, err)
	}
	// The robot begins moving on its own; no external wait here.
	m.transition(runIndex, StateAwaitingCaptureRequest)

	for sampleIndex := 0; sampleIndex < m.cfg.NumSamples; sampleIndex++ {
		// The only cancellable wait: between handshake transactions.
		edge, err := m.bridge.AwaitRisingEdge(ctx, bridge.SignalCapture, m.cfg.PollInterval, m.cfg.CaptureRequestCeiling)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return m.abort(result, ReasonCancelled)
			}
			return m.fatal(result, err)
		}
		if !edge {
			return m.abort(result, ReasonCaptureRequestTimeout)
		}

		m.transition(runIndex, StateCapturing)
		sample := m.capturer.Capture(ctx, runIndex, sampleIndex)
		result.Samples = append(result.Samples, sample)
		if m.observer != nil {
			m.observer.SampleCaptured(sample)
		}

		// Strict two-phase handshake: assert completion, wait for the
		// robot to see it, only then deassert.
		if err := m.bridge.Write(bridge.SignalCaptureComplete, bridge.High); err != nil {
			return m.fatal(result, err)
		}
		acked, err := m.bridge.AwaitLow(context.Background(), bridge.SignalCapture, m.cfg.PollInterval, m.cfg.AckTimeout)
		if err != nil {
			return m.fatal(result, err)
		}
		if !acked {
			return m.abort(result, ReasonCaptureAckTimeout)
		}
		if err := m.bridge.Write(bridge.SignalCaptureComplete, bridge.Low); err != nil {
			return m.fatal(result, err)
		}
		m.transition(runIndex, StateCaptureAcknowledged)

		if sampleIndex+1 < m.cfg.NumSamples {
			m.transition(runIndex, StateAwaitingCaptureRequest)
		}
	}

	m.transition(runIndex, StateAwaitingRunComplete)
	// Not cancellable: the robot is finishing its motion and the session
	// must be closed out cleanly, bounded by the ceiling.
	edge, err := m.bridge.AwaitRisingEdge(context.Background(), bridge.SignalRunComplete, m.cfg.PollInterval, m.cfg.RunCompleteCeiling)
	if err != nil {
		return m.fatal(result, err)
	}
	if !edge {
		return m.abort(result, ReasonRunCompleteTimeout)
	}

	// Mirror of the per-sample discipline: deassert the session signal,
	// then wait until the robot confirms it saw the deassertion.
	if err := m.bridge.Write(bridge.SignalRun, bridge.Low); err != nil {
		return m.fatal(result, err)
	}
	acked, err := m.bridge.AwaitLow(context.Background(), bridge.SignalRunComplete, m.cfg.PollInterval, m.cfg.AckTimeout)
	if err != nil {
		return m.fatal(result, err)
	}
	if !acked {
		return m.abort(result, ReasonRunAckTimeout)
	}
	m.transition(runIndex, StateRunAcknowledged)

	m.transition(runIndex, StateTerminal)
	result.Completed = true
	result.EndedAt = time.Now()
	log.Printf("[Handshake] Run %d completed with %d samples", runIndex, len(result.Samples))
	return result, nil
}

// abort ends the run without completing it. Every output signal is
// deasserted so the robot is never stranded waiting on this system.
func (m *Machine) abort(result *RunResult, reason AbortReason) (*RunResult, error) {
	if err := m.bridge.DeassertAll(); err != nil {
		log.Printf("[Handshake] Run %d: failed to deassert signals during abort: %v", result.RunIndex, err)
	}
	m.state = StateTerminal
	result.Completed = false
	result.AbortReason = reason
	result.EndedAt = time.Now()
	log.Printf("[Handshake] Run %d aborted after %d samples: %s", result.RunIndex, len(result.Samples), reason)
	return result, nil
}

// fatal wraps a device-level error after a best-effort deassert. The caller
// treats it as unrecoverable.
func (m *Machine) fatal(result *RunResult, err error) (*RunResult, error) {
	m.bridge.DeassertAll()
	m.state = StateTerminal
	result.Completed = false
	result.EndedAt = time.Now()
	return result, fmt.Errorf("run %d: %w", result.RunIndex, err)
}
