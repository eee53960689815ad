// Package capture drives the attached cameras to acquire and persist one
// image set per sample position, managing exposure-mode state across a run.
package capture

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/formatlab/robodic/internal/camera"
	"github.com/formatlab/robodic/internal/store"
)

// AllCamerasFailed is the failure reason recorded when no camera produced an
// image for a sample. It is reported, not fatal: the handshake still
// acknowledges the capture so the robot is never left waiting on hardware
// failure at this layer.
const AllCamerasFailed = "all cameras failed"

// ImageResult is one camera's slot in a sample: either a saved image or a
// failure reason.
type ImageResult struct {
	CameraID       int
	Path           string
	ExposureMicros float64
	Failure        string
}

// OK reports whether this camera produced and persisted an image.
func (r ImageResult) OK() bool { return r.Failure == "" }

// SampleResult is the outcome of one capture request.
type SampleResult struct {
	RunIndex    int
	SampleIndex int
	CapturedAt  time.Time
	Images      []ImageResult
	// FailureReason is set when the whole sample failed (AllCamerasFailed).
	FailureReason string
}

// SuccessCount is the number of cameras that produced an image.
func (s *SampleResult) SuccessCount() int {
	n := 0
	for _, img := range s.Images {
		if img.OK() {
			n++
		}
	}
	return n
}

// AllFailed reports whether every camera slot failed.
func (s *SampleResult) AllFailed() bool {
	return s.SuccessCount() == 0
}

// Controller captures one image per attached camera for each sample,
// honoring the active exposure mode. Cameras are independent hardware, so
// grabs are dispatched concurrently and joined before the sample completes.
type Controller struct {
	cameras    []camera.Camera
	images     store.ImageStore
	captureLog *store.CaptureLog // may be nil
	mode       camera.ExposureMode
	manual     float64 // configured exposure for Manual mode, µs
	timeout    time.Duration

	mu      sync.Mutex
	learned map[int]float64 // SetOnce: camera ID -> exposure learned this run
}

// NewController wires the capture layer. captureLog may be nil when CSV
// logging is not wanted (the blink and simulate utilities).
func NewController(cameras []camera.Camera, images store.ImageStore, captureLog *store.CaptureLog,
	mode camera.ExposureMode, manualMicros float64, grabTimeout time.Duration) *Controller {
	return &Controller{
		cameras:    cameras,
		images:     images,
		captureLog: captureLog,
		mode:       mode,
		manual:     manualMicros,
		timeout:    grabTimeout,
		learned:    make(map[int]float64),
	}
}

// Capture acquires and persists one image per camera for the given sample.
// Individual camera failures degrade to failed slots; the sample itself
// always completes so the handshake can acknowledge it.
func (c *Controller) Capture(ctx context.Context, runIndex, sampleIndex int) *SampleResult {
	result := &SampleResult{
		RunIndex:    runIndex,
		SampleIndex: sampleIndex,
		CapturedAt:  time.Now(),
		Images:      make([]ImageResult, len(c.cameras)),
	}

	var wg sync.WaitGroup
	for i, cam := range c.cameras {
		wg.Add(1)
		go func(slot int, cam camera.Camera) {
			defer wg.Done()
			result.Images[slot] = c.grabOne(ctx, cam, runIndex, sampleIndex)
		}(i, cam)
	}
	wg.Wait()

	if len(c.cameras) > 0 && result.AllFailed() {
		result.FailureReason = AllCamerasFailed
		log.Printf("[Capture] Run %d, sample %d: %s", runIndex, sampleIndex, AllCamerasFailed)
	}
	return result
}

// grabOne acquires from a single camera, retrying a timed-out grab once
// before degrading to a failed slot.
func (c *Controller) grabOne(ctx context.Context, cam camera.Camera, runIndex, sampleIndex int) ImageResult {
	setting := c.settingFor(cam.ID())

	frame, err := cam.Grab(ctx, setting, c.timeout)
	if err != nil {
		log.Printf("[Capture] Camera %d grab failed, retrying once: %v", cam.ID(), err)
		frame, err = cam.Grab(ctx, setting, c.timeout)
	}
	if err != nil {
		return ImageResult{CameraID: cam.ID(), Failure: err.Error()}
	}

	if c.mode == camera.SetOnce && setting.Auto {
		c.mu.Lock()
		if _, ok := c.learned[cam.ID()]; !ok {
			c.learned[cam.ID()] = frame.ExposureMicros
			log.Printf("[Capture] Camera %d: exposure locked at %.0f µs for this run", cam.ID(), frame.ExposureMicros)
		}
		c.mu.Unlock()
	}

	path, err := c.images.Save(runIndex, sampleIndex, cam.ID(), frame)
	if err != nil {
		return ImageResult{CameraID: cam.ID(), Failure: "save failed: " + err.Error()}
	}
	if c.captureLog != nil {
		if err := c.captureLog.Record(runIndex, sampleIndex, cam.ID(), frame.ExposureMicros, frame.GrabbedAt, path); err != nil {
			log.Printf("[Capture] Failed to record capture log row: %v", err)
		}
	}
	return ImageResult{CameraID: cam.ID(), Path: path, ExposureMicros: frame.ExposureMicros}
}

// settingFor resolves the exposure setting for one grab under the active
// mode and any value already learned this run.
func (c *Controller) settingFor(cameraID int) camera.ExposureSetting {
	switch c.mode {
	case camera.Manual:
		return camera.ManualExposure(c.manual)
	case camera.Continuous:
		return camera.AutoExposure()
	case camera.SetOnce:
		c.mu.Lock()
		defer c.mu.Unlock()
		if micros, ok := c.learned[cameraID]; ok {
			return camera.ManualExposure(micros)
		}
		return camera.AutoExposure()
	default:
		return camera.AutoExposure()
	}
}

// ResetRun clears per-run exposure state. Under SetOnce the cameras return
// to auto-exposure so the next run re-learns.
func (c *Controller) ResetRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.learned = make(map[int]float64)
}

// LearnedExposures returns a copy of the SetOnce values learned this run.
func (c *Controller) LearnedExposures() map[int]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]float64, len(c.learned))
	for id, micros := range c.learned {
		out[id] = micros
	}
	return out
}

// PowerUp turns every camera on. The first error is returned after all
// cameras have been attempted.
func (c *Controller) PowerUp() error {
	var firstErr error
	for _, cam := range c.cameras {
		if err := cam.PowerUp(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PowerDown turns every camera off.
func (c *Controller) PowerDown() error {
	var firstErr error
	for _, cam := range c.cameras {
		if err := cam.PowerDown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
