// Package camera defines the acquisition interface the capture layer drives.
// The real camera SDK is an external collaborator; this package carries the
// exposure model shared by all backends and a simulated backend for tests
// and dry runs.
package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExposureMode selects how exposure is decided across a run.
type ExposureMode int

const (
	// Manual uses the configured fixed exposure on every grab.
	Manual ExposureMode = iota
	// Continuous enables auto-exposure on every grab.
	Continuous
	// SetOnce auto-exposes on the first grab of a run, then locks the
	// converged value for the rest of the run.
	SetOnce
)

func (m ExposureMode) String() string {
	switch m {
	case Manual:
		return "Manual"
	case Continuous:
		return "Continuous"
	case SetOnce:
		return "SetOnce"
	default:
		return fmt.Sprintf("ExposureMode(%d)", int(m))
	}
}

// ParseExposureMode parses the configuration spelling of an exposure mode.
func ParseExposureMode(s string) (ExposureMode, error) {
	switch s {
	case "Manual":
		return Manual, nil
	case "Continuous":
		return Continuous, nil
	case "SetOnce":
		return SetOnce, nil
	default:
		return Manual, fmt.Errorf("unknown exposure mode: %q (use Manual, Continuous or SetOnce)", s)
	}
}

// ExposureSetting is what a single grab is asked to do: either auto-expose,
// or hold a fixed time in microseconds.
type ExposureSetting struct {
	Auto       bool
	TimeMicros float64
}

// ManualExposure returns a fixed-exposure setting.
func ManualExposure(micros float64) ExposureSetting {
	return ExposureSetting{TimeMicros: micros}
}

// AutoExposure returns an auto-exposure setting.
func AutoExposure() ExposureSetting {
	return ExposureSetting{Auto: true}
}

// Frame is one acquired image plus the exposure the hardware actually used.
type Frame struct {
	CameraID       int
	Width, Height  int
	Pixels         []byte
	ExposureMicros float64
	GrabbedAt      time.Time
}

// ErrGrabTimeout is returned when a grab exceeds its acquisition timeout.
var ErrGrabTimeout = errors.New("camera grab timed out")

// ErrPoweredDown is returned when grabbing from a camera that is turned off.
var ErrPoweredDown = errors.New("camera is powered down")

// Camera is a single acquisition device.
type Camera interface {
	ID() int
	Grab(ctx context.Context, exposure ExposureSetting, timeout time.Duration) (*Frame, error)
	PowerUp() error
	PowerDown() error
}
