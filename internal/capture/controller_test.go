package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formatlab/robodic/internal/camera"
	"github.com/formatlab/robodic/internal/store"
)

func newTestStore(t *testing.T, numSamples int) *store.DirStore {
	t.Helper()
	s, err := store.NewDirStore(t.TempDir(), "test", time.Now(), numSamples)
	require.NoError(t, err)
	return s
}

func TestCaptureManualMode(t *testing.T) {
	cams := []camera.Camera{
		camera.NewSimCamera(0, camera.SimConfig{}),
		camera.NewSimCamera(1, camera.SimConfig{}),
	}
	c := NewController(cams, newTestStore(t, 1), nil, camera.Manual, 5000, time.Second)

	result := c.Capture(context.Background(), 0, 0)
	require.Len(t, result.Images, 2)
	assert.Equal(t, 2, result.SuccessCount())
	for _, img := range result.Images {
		assert.True(t, img.OK())
		assert.Equal(t, 5000.0, img.ExposureMicros)
		assert.NotEmpty(t, img.Path)
	}
}

func TestCaptureSetOnce(t *testing.T) {
	cam0 := camera.NewSimCamera(0, camera.SimConfig{ConvergedExposure: 8000})
	cam1 := camera.NewSimCamera(1, camera.SimConfig{ConvergedExposure: 12000})
	c := NewController([]camera.Camera{cam0, cam1}, newTestStore(t, 3), nil, camera.SetOnce, 0, time.Second)
	ctx := context.Background()

	t.Run("learned value is identical across samples of a run", func(t *testing.T) {
		for sample := 0; sample < 3; sample++ {
			result := c.Capture(ctx, 0, sample)
			require.Equal(t, 2, result.SuccessCount())
			assert.Equal(t, 8000.0, result.Images[0].ExposureMicros, "sample %d", sample)
			assert.Equal(t, 12000.0, result.Images[1].ExposureMicros, "sample %d", sample)
		}
		assert.Equal(t, map[int]float64{0: 8000, 1: 12000}, c.LearnedExposures())
	})

	t.Run("next run re-learns", func(t *testing.T) {
		c.ResetRun()
		assert.Empty(t, c.LearnedExposures())

		// Lighting changed between runs.
		cam0.SetConvergedExposure(9500)

		result := c.Capture(ctx, 1, 0)
		require.Equal(t, 2, result.SuccessCount())
		assert.Equal(t, 9500.0, result.Images[0].ExposureMicros)
	})
}

func TestCaptureRetriesOnce(t *testing.T) {
	t.Run("single timeout recovers on retry", func(t *testing.T) {
		cam := camera.NewSimCamera(0, camera.SimConfig{FailGrabs: 1})
		c := NewController([]camera.Camera{cam}, newTestStore(t, 1), nil, camera.Continuous, 0, time.Second)

		result := c.Capture(context.Background(), 0, 0)
		assert.Equal(t, 1, result.SuccessCount())
		assert.Equal(t, 2, cam.Grabs())
	})

	t.Run("second timeout degrades to a failed slot", func(t *testing.T) {
		cam := camera.NewSimCamera(0, camera.SimConfig{FailGrabs: 2})
		good := camera.NewSimCamera(1, camera.SimConfig{})
		c := NewController([]camera.Camera{cam, good}, newTestStore(t, 1), nil, camera.Continuous, 0, time.Second)

		result := c.Capture(context.Background(), 0, 0)
		assert.Equal(t, 1, result.SuccessCount())
		assert.False(t, result.Images[0].OK())
		assert.Contains(t, result.Images[0].Failure, "timed out")
		assert.True(t, result.Images[1].OK())
		assert.Empty(t, result.FailureReason)
	})
}

func TestCaptureAllCamerasFailed(t *testing.T) {
	cams := []camera.Camera{
		camera.NewSimCamera(0, camera.SimConfig{FailGrabs: -1}),
		camera.NewSimCamera(1, camera.SimConfig{FailGrabs: -1}),
	}
	c := NewController(cams, newTestStore(t, 1), nil, camera.Continuous, 0, time.Second)

	result := c.Capture(context.Background(), 0, 0)
	assert.True(t, result.AllFailed())
	assert.Equal(t, AllCamerasFailed, result.FailureReason)
	require.Len(t, result.Images, 2)
}

func TestCaptureWritesLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "experiment.csv")
	captureLog, err := store.NewCaptureLog(logPath)
	require.NoError(t, err)
	defer captureLog.Close()

	images, err := store.NewDirStore(dir, "test", time.Now(), 1)
	require.NoError(t, err)

	cam := camera.NewSimCamera(0, camera.SimConfig{})
	c := NewController([]camera.Camera{cam}, images, captureLog, camera.Manual, 5000, time.Second)

	result := c.Capture(context.Background(), 0, 0)
	require.Equal(t, 1, result.SuccessCount())
	require.NoError(t, captureLog.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], result.Images[0].Path)
}

func TestPowerCycle(t *testing.T) {
	cam := camera.NewSimCamera(0, camera.SimConfig{})
	c := NewController([]camera.Camera{cam}, newTestStore(t, 1), nil, camera.Manual, 5000, time.Second)

	require.NoError(t, c.PowerDown())
	result := c.Capture(context.Background(), 0, 0)
	assert.True(t, result.AllFailed())

	require.NoError(t, c.PowerUp())
	result = c.Capture(context.Background(), 0, 0)
	assert.Equal(t, 1, result.SuccessCount())
}
