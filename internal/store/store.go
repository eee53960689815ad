// Package store persists captured images and the per-capture CSV log.
// Image writes are atomic from the perspective of downstream consumers:
// a crash mid-write never leaves a half-written file visible.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/formatlab/robodic/internal/camera"
)

// ImageStore is the persistence collaborator the capture layer writes
// through. Save must be atomic-on-success.
type ImageStore interface {
	Save(runIndex, sampleIndex, cameraID int, frame *camera.Frame) (string, error)
}

// DirStore lays images out on disk the way the acquisition rig always has:
// one folder per sample under a timestamped experiment folder, with the
// visit counter embedded in each filename.
type DirStore struct {
	mu         sync.Mutex
	baseDir    string
	sampleDirs []string
	visits     []int
	lastRun    []int // last run index that visited each sample, -1 before any
}

// NewDirStore creates the experiment output tree:
// {outputFolder}/{start timestamp}/{experimentName}/Sample_{i}.
func NewDirStore(outputFolder, experimentName string, startedAt time.Time, numSamples int) (*DirStore, error) {
	baseDir := filepath.Join(outputFolder, startedAt.Format("2006-01-02_15-04-05"), experimentName)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %w", err)
	}

	s := &DirStore{
		baseDir:    baseDir,
		sampleDirs: make([]string, numSamples),
		visits:     make([]int, numSamples),
		lastRun:    make([]int, numSamples),
	}
	for i := 0; i < numSamples; i++ {
		dir := filepath.Join(baseDir, fmt.Sprintf("Sample_%d", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sample folder %d: %w", i, err)
		}
		s.sampleDirs[i] = dir
		s.lastRun[i] = -1
	}
	log.Printf("[Store] Output folder created at %s", baseDir)
	return s, nil
}

// Save writes one frame as
// Sample_{i}/sample_{i}_{timestamp}_{run:04d}_{camera}.tif, first to a
// temporary name in the same directory, then renamed into place.
func (s *DirStore) Save(runIndex, sampleIndex, cameraID int, frame *camera.Frame) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sampleIndex < 0 || sampleIndex >= len(s.sampleDirs) {
		return "", fmt.Errorf("sample index %d out of range", sampleIndex)
	}

	name := fmt.Sprintf("sample_%d_%s_%04d_%d.tif",
		sampleIndex, frame.GrabbedAt.Format("20060102_150405"), runIndex, cameraID)
	path := filepath.Join(s.sampleDirs[sampleIndex], name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, frame.Pixels, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish image: %w", err)
	}

	if s.lastRun[sampleIndex] != runIndex {
		s.lastRun[sampleIndex] = runIndex
		s.visits[sampleIndex]++
	}
	return path, nil
}

// VisitCounts returns how many runs produced at least one image per sample.
func (s *DirStore) VisitCounts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make([]int, len(s.visits))
	copy(counts, s.visits)
	return counts
}

// BaseDir is the experiment output folder.
func (s *DirStore) BaseDir() string {
	return s.baseDir
}
