package handshake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formatlab/robodic/internal/bridge"
	"github.com/formatlab/robodic/internal/camera"
	"github.com/formatlab/robodic/internal/capture"
	"github.com/formatlab/robodic/internal/robotsim"
	"github.com/formatlab/robodic/internal/store"
)

// recordingCapturer stands in for the capture controller: it records which
// samples were requested and how often the run state was reset.
type recordingCapturer struct {
	mu      sync.Mutex
	samples []int
	resets  int
}

func (c *recordingCapturer) Capture(_ context.Context, runIndex, sampleIndex int) *capture.SampleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sampleIndex)
	return &capture.SampleResult{RunIndex: runIndex, SampleIndex: sampleIndex, CapturedAt: time.Now()}
}

func (c *recordingCapturer) ResetRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

func (c *recordingCapturer) captured() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.samples...)
}

type recordingObserver struct {
	mu      sync.Mutex
	samples []int
}

func (o *recordingObserver) SampleCaptured(result *capture.SampleResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, result.SampleIndex)
}

// newTestRig wires a real bridge to a simulated robot over the shared
// backplane and starts the robot loop.
func newTestRig(t *testing.T, behavior robotsim.Behavior) (*bridge.Bridge, *robotsim.Robot) {
	t.Helper()

	pins, err := bridge.NewPinMap(
		map[string]int{
			bridge.SignalCapture:     robotsim.DefaultPins.Capture,
			bridge.SignalRunComplete: robotsim.DefaultPins.RunComplete,
		},
		map[string]int{
			bridge.SignalRun:             robotsim.DefaultPins.Run,
			bridge.SignalCaptureComplete: robotsim.DefaultPins.CaptureComplete,
		},
	)
	require.NoError(t, err)

	robot := robotsim.New(robotsim.DefaultPins, behavior)
	b, err := bridge.New(robot, pins)
	require.NoError(t, err)
	robot.Start()
	t.Cleanup(func() { robot.Close() })
	return b, robot
}

func testConfig(samples int) Config {
	return Config{
		NumSamples:            samples,
		PollInterval:          time.Millisecond,
		CaptureRequestCeiling: 2 * time.Second,
		RunCompleteCeiling:    2 * time.Second,
		AckTimeout:            time.Second,
	}
}

func TestMachineCompletesRun(t *testing.T) {
	b, robot := newTestRig(t, robotsim.Behavior{
		Samples:   3,
		MoveDelay: 5 * time.Millisecond,
		AckDelay:  2 * time.Millisecond,
	})

	capturer := &recordingCapturer{}
	observer := &recordingObserver{}
	m := NewMachine(b, capturer, testConfig(3), observer)

	result, err := m.Run(context.Background(), 4)
	require.NoError(t, err)
	require.True(t, result.Completed)
	assert.Empty(t, result.AbortReason)
	assert.Equal(t, 4, result.RunIndex)
	assert.Equal(t, StateTerminal, m.State())

	require.Len(t, result.Samples, 3)
	for i, sample := range result.Samples {
		assert.Equal(t, i, sample.SampleIndex)
		assert.Equal(t, 4, sample.RunIndex)
	}
	assert.Equal(t, []int{0, 1, 2}, capturer.captured())
	assert.Equal(t, []int{0, 1, 2}, observer.samples)
	assert.Equal(t, 1, capturer.resets)

	assert.Empty(t, robot.Violations())
	assert.Equal(t, bridge.Low, robot.Level(robotsim.DefaultPins.Run))
	assert.Equal(t, bridge.Low, robot.Level(robotsim.DefaultPins.CaptureComplete))
	assert.Equal(t, bridge.Low, robot.Level(robotsim.DefaultPins.RunComplete))
}

func TestMachineHoldsAssertionUntilPeerAcks(t *testing.T) {
	// A slow-acknowledging robot forces the machine to hold each
	// assertion well past the capture itself. Any early deassert would be
	// recorded as a violation by the robot.
	b, robot := newTestRig(t, robotsim.Behavior{
		Samples:   2,
		MoveDelay: time.Millisecond,
		AckDelay:  50 * time.Millisecond,
	})

	capturer := &recordingCapturer{}
	m := NewMachine(b, capturer, testConfig(2), nil)

	result, err := m.Run(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	assert.Empty(t, robot.Violations())
}

func TestMachineSilentRobotAbortsRun(t *testing.T) {
	b, robot := newTestRig(t, robotsim.Behavior{Silent: true})

	cfg := testConfig(2)
	cfg.CaptureRequestCeiling = 50 * time.Millisecond
	capturer := &recordingCapturer{}
	m := NewMachine(b, capturer, cfg, nil)

	result, err := m.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, ReasonCaptureRequestTimeout, result.AbortReason)
	assert.Empty(t, result.Samples)
	assert.Equal(t, 1, capturer.resets)

	// The abort must leave nothing asserted toward the robot.
	assert.Equal(t, bridge.Low, robot.Level(robotsim.DefaultPins.Run))
	assert.Equal(t, bridge.Low, robot.Level(robotsim.DefaultPins.CaptureComplete))
}

func TestMachineCancellationAbortsBetweenTransactions(t *testing.T) {
	b, robot := newTestRig(t, robotsim.Behavior{Silent: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	capturer := &recordingCapturer{}
	m := NewMachine(b, capturer, testConfig(2), nil)

	start := time.Now()
	result, err := m.Run(ctx, 0)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, ReasonCancelled, result.AbortReason)
	assert.Less(t, time.Since(start), time.Second, "cancel should end the wait well before the ceiling")
	assert.Equal(t, bridge.Low, robot.Level(robotsim.DefaultPins.Run))
}

// flakyTransport passes through to the robot backplane until a set number
// of reads, then reports the device as gone.
type flakyTransport struct {
	*robotsim.Robot

	mu        sync.Mutex
	reads     int
	failAfter int
}

func (f *flakyTransport) ReadPin(pin int) (bridge.Level, error) {
	f.mu.Lock()
	f.reads++
	failed := f.reads > f.failAfter
	f.mu.Unlock()
	if failed {
		return bridge.Low, bridge.ErrDeviceUnavailable
	}
	return f.Robot.ReadPin(pin)
}

func TestMachineDeviceLossIsFatal(t *testing.T) {
	pins, err := bridge.NewPinMap(
		map[string]int{
			bridge.SignalCapture:     robotsim.DefaultPins.Capture,
			bridge.SignalRunComplete: robotsim.DefaultPins.RunComplete,
		},
		map[string]int{
			bridge.SignalRun:             robotsim.DefaultPins.Run,
			bridge.SignalCaptureComplete: robotsim.DefaultPins.CaptureComplete,
		},
	)
	require.NoError(t, err)

	robot := robotsim.New(robotsim.DefaultPins, robotsim.Behavior{Silent: true})
	transport := &flakyTransport{Robot: robot, failAfter: 10}
	b, err := bridge.New(transport, pins)
	require.NoError(t, err)
	robot.Start()
	t.Cleanup(func() { robot.Close() })

	m := NewMachine(b, &recordingCapturer{}, testConfig(1), nil)
	result, err := m.Run(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrDeviceUnavailable)
	assert.False(t, result.Completed)
}

func TestMachineWithCaptureController(t *testing.T) {
	// Full stack below the scheduler: real bridge, simulated robot,
	// capture controller, simulated cameras, on-disk image store.
	b, robot := newTestRig(t, robotsim.Behavior{
		Samples:   2,
		MoveDelay: 2 * time.Millisecond,
		AckDelay:  2 * time.Millisecond,
	})

	cams := []camera.Camera{
		camera.NewSimCamera(1, camera.SimConfig{Width: 8, Height: 8, ConvergedExposure: 10000}),
		camera.NewSimCamera(2, camera.SimConfig{Width: 8, Height: 8, ConvergedExposure: 10000}),
	}
	images, err := store.NewDirStore(t.TempDir(), "handshake-e2e", time.Now(), 2)
	require.NoError(t, err)
	controller := capture.NewController(cams, images, nil, camera.Manual, 15000, time.Second)

	m := NewMachine(b, controller, testConfig(2), nil)
	result, err := m.Run(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Len(t, result.Samples, 2)
	for _, sample := range result.Samples {
		assert.Equal(t, 2, sample.SuccessCount())
		for _, img := range sample.Images {
			assert.FileExists(t, img.Path)
		}
	}
	assert.Empty(t, robot.Violations())
}
