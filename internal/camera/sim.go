package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimConfig tunes a simulated camera. The zero value is a working camera
// producing tiny frames instantly.
type SimConfig struct {
	Width, Height int
	// ConvergedExposure is the value auto-exposure settles on, in µs.
	ConvergedExposure float64
	// GrabLatency delays every grab, to exercise acquisition timeouts.
	GrabLatency time.Duration
	// FailGrabs makes the first N grabs time out. Negative means all grabs.
	FailGrabs int
}

// SimCamera is a deterministic in-memory camera used by tests and the
// simulate mode of the CLI.
type SimCamera struct {
	id  int
	cfg SimConfig

	mu       sync.Mutex
	powered  bool
	grabs    int
	failures int
}

// NewSimCamera returns a powered-up simulated camera.
func NewSimCamera(id int, cfg SimConfig) *SimCamera {
	if cfg.Width <= 0 {
		cfg.Width = 8
	}
	if cfg.Height <= 0 {
		cfg.Height = 8
	}
	if cfg.ConvergedExposure <= 0 {
		cfg.ConvergedExposure = 5000
	}
	return &SimCamera{id: id, cfg: cfg, powered: true}
}

func (c *SimCamera) ID() int { return c.id }

// SetConvergedExposure changes what auto-exposure settles on. Lets tests
// model lighting changes between runs.
func (c *SimCamera) SetConvergedExposure(micros float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ConvergedExposure = micros
}

// Grab synthesizes one frame. Honors the context, the configured latency,
// and the failure script.
func (c *SimCamera) Grab(ctx context.Context, exposure ExposureSetting, timeout time.Duration) (*Frame, error) {
	c.mu.Lock()
	if !c.powered {
		c.mu.Unlock()
		return nil, fmt.Errorf("camera %d: %w", c.id, ErrPoweredDown)
	}
	c.grabs++
	latency := c.cfg.GrabLatency
	fail := c.cfg.FailGrabs < 0 || c.failures < c.cfg.FailGrabs
	if fail {
		c.failures++
	}
	converged := c.cfg.ConvergedExposure
	width, height := c.cfg.Width, c.cfg.Height
	grabs := c.grabs
	c.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if latency > timeout {
			return nil, fmt.Errorf("camera %d: %w", c.id, ErrGrabTimeout)
		}
	}
	if fail {
		return nil, fmt.Errorf("camera %d: %w", c.id, ErrGrabTimeout)
	}

	micros := exposure.TimeMicros
	if exposure.Auto {
		micros = converged
	}

	pixels := make([]byte, width*height)
	for i := range pixels {
		pixels[i] = byte((i + grabs + c.id) % 256)
	}
	return &Frame{
		CameraID:       c.id,
		Width:          width,
		Height:         height,
		Pixels:         pixels,
		ExposureMicros: micros,
		GrabbedAt:      time.Now(),
	}, nil
}

func (c *SimCamera) PowerUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = true
	return nil
}

func (c *SimCamera) PowerDown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = false
	return nil
}

// Grabs reports how many grabs were attempted.
func (c *SimCamera) Grabs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grabs
}
