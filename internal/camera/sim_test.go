package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExposureMode(t *testing.T) {
	for _, spelling := range []string{"Manual", "Continuous", "SetOnce"} {
		mode, err := ParseExposureMode(spelling)
		require.NoError(t, err)
		assert.Equal(t, spelling, mode.String())
	}

	_, err := ParseExposureMode("auto")
	require.Error(t, err)
}

func TestSimCameraGrab(t *testing.T) {
	ctx := context.Background()

	t.Run("manual exposure is echoed back", func(t *testing.T) {
		cam := NewSimCamera(0, SimConfig{})
		frame, err := cam.Grab(ctx, ManualExposure(1234), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1234.0, frame.ExposureMicros)
		assert.Len(t, frame.Pixels, frame.Width*frame.Height)
	})

	t.Run("auto exposure converges", func(t *testing.T) {
		cam := NewSimCamera(1, SimConfig{ConvergedExposure: 8800})
		frame, err := cam.Grab(ctx, AutoExposure(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 8800.0, frame.ExposureMicros)
	})

	t.Run("failure script times out first grabs", func(t *testing.T) {
		cam := NewSimCamera(0, SimConfig{FailGrabs: 2})

		_, err := cam.Grab(ctx, AutoExposure(), time.Second)
		assert.True(t, errors.Is(err, ErrGrabTimeout))
		_, err = cam.Grab(ctx, AutoExposure(), time.Second)
		assert.True(t, errors.Is(err, ErrGrabTimeout))

		_, err = cam.Grab(ctx, AutoExposure(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 3, cam.Grabs())
	})

	t.Run("latency beyond timeout fails the grab", func(t *testing.T) {
		cam := NewSimCamera(0, SimConfig{GrabLatency: 20 * time.Millisecond})
		_, err := cam.Grab(ctx, AutoExposure(), 5*time.Millisecond)
		assert.True(t, errors.Is(err, ErrGrabTimeout))
	})

	t.Run("powered down camera refuses to grab", func(t *testing.T) {
		cam := NewSimCamera(0, SimConfig{})
		require.NoError(t, cam.PowerDown())

		_, err := cam.Grab(ctx, AutoExposure(), time.Second)
		assert.True(t, errors.Is(err, ErrPoweredDown))

		require.NoError(t, cam.PowerUp())
		_, err = cam.Grab(ctx, AutoExposure(), time.Second)
		assert.NoError(t, err)
	})

	t.Run("grab honors cancelled context", func(t *testing.T) {
		cam := NewSimCamera(0, SimConfig{GrabLatency: time.Second})
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := cam.Grab(cancelled, AutoExposure(), 2*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
