// Package robotsim is a simulated robot peer for the capture handshake. It
// implements bridge.Transport as a shared pin backplane and runs the robot
// side of the protocol in a goroutine, so the real state machine can be
// exercised end to end without hardware.
package robotsim

import (
	"log"
	"sync"
	"time"

	"github.com/formatlab/robodic/internal/bridge"
)

// Pins are the physical pin numbers the robot watches and drives. They must
// match the pin map the bridge is configured with.
type Pins struct {
	Run             int // driven by the system, watched by the robot
	CaptureComplete int // driven by the system, watched by the robot
	Capture         int // driven by the robot
	RunComplete     int // driven by the robot
}

// DefaultPins matches the rig's standard wiring.
var DefaultPins = Pins{Run: 2, CaptureComplete: 3, Capture: 6, RunComplete: 7}

// Behavior tunes how the simulated robot acts, including the misbehaviors
// the protocol must tolerate.
type Behavior struct {
	// Samples is how many capture requests the robot issues per run.
	Samples int
	// MoveDelay is the travel time to each sample position.
	MoveDelay time.Duration
	// AckDelay is how long the robot waits before deasserting its signal
	// after seeing the system's assertion. A large value exercises the
	// strict two-phase discipline.
	AckDelay time.Duration
	// Silent makes the robot never issue a capture request.
	Silent bool
}

// Robot is the simulated peer. All Transport methods operate on the shared
// backplane; Start launches the robot behavior loop.
type Robot struct {
	pins     Pins
	behavior Behavior

	mu     sync.Mutex
	levels map[int]bridge.Level

	stop chan struct{}
	done chan struct{}
	once sync.Once

	violations []string
}

// New creates a robot on the given pins. Call Start before running the
// handshake against it.
func New(pins Pins, behavior Behavior) *Robot {
	return &Robot{
		pins:     pins,
		behavior: behavior,
		levels:   make(map[int]bridge.Level),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetPinMode is a no-op: the backplane has no direction enforcement.
func (r *Robot) SetPinMode(int, bridge.Direction) error { return nil }

func (r *Robot) WritePin(pin int, level bridge.Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[pin] = level
	return nil
}

func (r *Robot) ReadPin(pin int) (bridge.Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[pin], nil
}

// Close stops the behavior loop.
func (r *Robot) Close() error {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
	})
	return nil
}

// Level reads the backplane directly, for assertions in tests.
func (r *Robot) Level(pin int) bridge.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[pin]
}

// Violations lists protocol violations the robot observed, such as the
// system deasserting an acknowledgment before the robot released its
// request. Empty after a clean session.
func (r *Robot) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

func (r *Robot) recordViolation(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, msg)
	log.Printf("[RobotSim] Protocol violation: %s", msg)
}

func (r *Robot) set(pin int, level bridge.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[pin] = level
}

// waitLevel polls the backplane until the pin reaches the wanted level.
// Returns false if the robot is stopped, or if abortPin (when >= 0) drops
// LOW first, which is how the robot notices an aborted run.
func (r *Robot) waitLevel(pin int, want bridge.Level, abortPin int) bool {
	for {
		select {
		case <-r.stop:
			return false
		case <-time.After(time.Millisecond):
		}
		r.mu.Lock()
		level := r.levels[pin]
		aborted := abortPin >= 0 && r.levels[abortPin] == bridge.Low
		r.mu.Unlock()
		if level == want {
			return true
		}
		if aborted {
			return false
		}
	}
}

// Start launches the robot loop: respond to DI_RUN sessions forever until
// closed, issuing Samples capture requests per run and completing the
// run-complete handshake.
func (r *Robot) Start() {
	go func() {
		defer close(r.done)
		for {
			// Wait for the session start.
			if !r.waitLevel(r.pins.Run, bridge.High, -1) {
				return
			}
			r.runSession()
			// If the session ended by abort, wait for DI_RUN to drop
			// before watching for the next session.
			if !r.waitLevel(r.pins.Run, bridge.Low, -1) {
				return
			}
			r.set(r.pins.Capture, bridge.Low)
			r.set(r.pins.RunComplete, bridge.Low)
		}
	}()
}

func (r *Robot) runSession() {
	if r.behavior.Silent {
		// Robot stalls: never raises a capture request. The system is
		// expected to time out and abort the run.
		r.waitLevel(r.pins.Run, bridge.Low, -1)
		return
	}

	for sample := 0; sample < r.behavior.Samples; sample++ {
		if !r.sleepUnlessStopped(r.behavior.MoveDelay) {
			return
		}
		r.set(r.pins.Capture, bridge.High)

		// The system captures, then asserts CAPTURE_COMPLETE.
		if !r.waitLevel(r.pins.CaptureComplete, bridge.High, r.pins.Run) {
			return
		}
		if !r.sleepUnlessStopped(r.behavior.AckDelay) {
			return
		}
		// Two-phase check: the system must still be holding its
		// assertion when the robot acknowledges it. Skipped when the
		// session was aborted in the meantime.
		r.mu.Lock()
		complete := r.levels[r.pins.CaptureComplete]
		running := r.levels[r.pins.Run]
		r.mu.Unlock()
		if running == bridge.High && complete != bridge.High {
			r.recordViolation("DI_CAPTURE_COMPLETE deasserted before DO_CAPTURE was released")
		}
		r.set(r.pins.Capture, bridge.Low)

		if !r.waitLevel(r.pins.CaptureComplete, bridge.Low, r.pins.Run) {
			return
		}
	}

	if !r.sleepUnlessStopped(r.behavior.MoveDelay) {
		return
	}
	r.set(r.pins.RunComplete, bridge.High)

	if !r.waitLevel(r.pins.Run, bridge.Low, -1) {
		return
	}
	if !r.sleepUnlessStopped(r.behavior.AckDelay) {
		return
	}
	r.set(r.pins.RunComplete, bridge.Low)
}

func (r *Robot) sleepUnlessStopped(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-r.stop:
		return false
	case <-time.After(d):
		return true
	}
}
