// Package scheduler drives the outer experiment loop: run, break, repeat.
// It owns the interval arithmetic and the between-run camera power policy;
// everything inside a run belongs to the handshake machine.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/formatlab/robodic/internal/handshake"
)

// IntervalMode selects how the break between runs is derived from the
// configured interval.
type IntervalMode int

const (
	// ConstantInterval starts each run a fixed interval after the
	// previous run started. The break absorbs the run duration and is
	// floored at zero when a run overruns the interval.
	ConstantInterval IntervalMode = iota
	// ConstantBreak waits the full interval after each run ends,
	// regardless of how long the run took.
	ConstantBreak
)

func (m IntervalMode) String() string {
	switch m {
	case ConstantInterval:
		return "constant_interval"
	case ConstantBreak:
		return "constant_break"
	default:
		return fmt.Sprintf("IntervalMode(%d)", int(m))
	}
}

// ParseIntervalMode maps the config spelling to an IntervalMode.
func ParseIntervalMode(s string) (IntervalMode, error) {
	switch s {
	case "constant_interval":
		return ConstantInterval, nil
	case "constant_break":
		return ConstantBreak, nil
	default:
		return ConstantInterval, fmt.Errorf("unknown interval calculation mode %q", s)
	}
}

// Runner executes one run of the capture protocol.
type Runner interface {
	Run(ctx context.Context, runIndex int) (*handshake.RunResult, error)
}

// CameraPower is the slice of the capture layer the scheduler needs for
// the between-run power policy.
type CameraPower interface {
	PowerUp() error
	PowerDown() error
}

// Observer is notified as runs start and finish. May be nil.
type Observer interface {
	RunStarted(runIndex int, startedAt time.Time)
	RunFinished(result *handshake.RunResult)
}

// Config shapes the experiment loop.
type Config struct {
	// TotalRuns is the number of runs to execute; -1 runs until cancelled.
	TotalRuns int
	// Interval is the configured spacing between runs.
	Interval time.Duration
	// Mode selects how Interval translates into a break.
	Mode IntervalMode
	// PowerCycleCameras powers cameras down for the break and back up
	// before the next run.
	PowerCycleCameras bool
	// ReinitThreshold is how long before the break ends the cameras are
	// powered back up, so the next run never waits on camera startup.
	ReinitThreshold time.Duration
	// Quantum bounds how long a break sleep can outlive a cancellation.
	Quantum time.Duration
}

// DefaultReinitThreshold matches the rig's camera startup allowance.
const DefaultReinitThreshold = 30 * time.Second

// DefaultQuantum is the default break polling quantum.
const DefaultQuantum = time.Second

// Summary is the outcome of a whole experiment.
type Summary struct {
	StartedAt time.Time
	EndedAt   time.Time
	Runs      []*handshake.RunResult
	Cancelled bool
}

// CompletedRuns counts runs that finished the full protocol.
func (s *Summary) CompletedRuns() int {
	n := 0
	for _, r := range s.Runs {
		if r.Completed {
			n++
		}
	}
	return n
}

// AbortedRuns counts runs that ended early.
func (s *Summary) AbortedRuns() int {
	return len(s.Runs) - s.CompletedRuns()
}

// Scheduler executes runs on the configured cadence.
type Scheduler struct {
	runner   Runner
	cameras  CameraPower
	cfg      Config
	observer Observer
}

// New wires a scheduler. cameras may be nil when there is no power policy;
// observer may be nil.
func New(runner Runner, cameras CameraPower, cfg Config, observer Observer) *Scheduler {
	if cfg.ReinitThreshold <= 0 {
		cfg.ReinitThreshold = DefaultReinitThreshold
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	return &Scheduler{runner: runner, cameras: cameras, cfg: cfg, observer: observer}
}

// Run executes the experiment loop until the run budget is spent or the
// context is cancelled. Aborted runs consume a run slot and still take the
// break; only a device-level error from the runner stops the loop early.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now()}
	defer func() { summary.EndedAt = time.Now() }()

	for runIndex := 0; s.cfg.TotalRuns < 0 || runIndex < s.cfg.TotalRuns; runIndex++ {
		if ctx.Err() != nil {
			summary.Cancelled = true
			return summary, nil
		}

		if err := s.powerUp(); err != nil {
			return summary, fmt.Errorf("run %d: camera power up: %w", runIndex, err)
		}

		runStart := time.Now()
		log.Printf("[Scheduler] Starting run %d", runIndex)
		if s.observer != nil {
			s.observer.RunStarted(runIndex, runStart)
		}

		result, err := s.runner.Run(ctx, runIndex)
		if result != nil {
			summary.Runs = append(summary.Runs, result)
			if s.observer != nil {
				s.observer.RunFinished(result)
			}
		}
		if err != nil {
			return summary, fmt.Errorf("scheduling stopped: %w", err)
		}
		if result != nil && result.AbortReason == handshake.ReasonCancelled {
			summary.Cancelled = true
			return summary, nil
		}

		last := s.cfg.TotalRuns >= 0 && runIndex == s.cfg.TotalRuns-1
		if last {
			break
		}

		breakDuration := s.breakAfter(runStart)
		if cancelled := s.enterBreak(ctx, runIndex, breakDuration); cancelled {
			summary.Cancelled = true
			return summary, nil
		}
	}
	return summary, nil
}

// breakAfter computes the break that follows a run which started at
// runStart and has just ended.
func (s *Scheduler) breakAfter(runStart time.Time) time.Duration {
	switch s.cfg.Mode {
	case ConstantInterval:
		remaining := s.cfg.Interval - time.Since(runStart)
		if remaining < 0 {
			return 0
		}
		return remaining
	default:
		return s.cfg.Interval
	}
}

// enterBreak sleeps out the break, honoring the camera power policy and
// cancellation. Returns true when the break was cut short by cancellation.
func (s *Scheduler) enterBreak(ctx context.Context, runIndex int, d time.Duration) bool {
	poweredDown := false
	if s.cfg.PowerCycleCameras && d > s.cfg.ReinitThreshold {
		if err := s.powerDown(); err != nil {
			log.Printf("[Scheduler] Run %d: camera power down failed, leaving cameras on: %v", runIndex, err)
		} else {
			poweredDown = true
		}
	}

	log.Printf("[Scheduler] Run %d done, break for %s", runIndex, d.Round(time.Millisecond))
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if poweredDown && remaining <= s.cfg.ReinitThreshold {
			// Bring cameras back early so the robot never waits on
			// camera startup when the next run begins.
			if err := s.powerUp(); err != nil {
				log.Printf("[Scheduler] Run %d: camera reinit during break failed: %v", runIndex, err)
			}
			poweredDown = false
		}
		if remaining <= 0 {
			return false
		}
		step := s.cfg.Quantum
		if remaining < step {
			step = remaining
		}
		if poweredDown && remaining-step < s.cfg.ReinitThreshold {
			step = remaining - s.cfg.ReinitThreshold
			if step <= 0 {
				step = time.Millisecond
			}
		}
		select {
		case <-ctx.Done():
			// Cameras stay down; the caller's shutdown path owns them.
			return true
		case <-time.After(step):
		}
	}
}

func (s *Scheduler) powerUp() error {
	if s.cameras == nil {
		return nil
	}
	return s.cameras.PowerUp()
}

func (s *Scheduler) powerDown() error {
	if s.cameras == nil {
		return nil
	}
	return s.cameras.PowerDown()
}
