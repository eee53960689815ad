package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var captureLogHeader = []string{
	"run_index",
	"sample_index",
	"camera_id",
	"exposure_time",
	"unix_timestamp",
	"datetime",
	"filename",
}

// CaptureLog appends one CSV row per saved image. The file is opened in
// append mode so an interrupted experiment can be resumed into the same log;
// the header is written only when the file is new.
type CaptureLog struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewCaptureLog opens (or creates) the log at path.
func NewCaptureLog(path string) (*CaptureLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture log: %w", err)
	}
	l := &CaptureLog{file: file, w: csv.NewWriter(file)}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat capture log: %w", err)
	}
	if info.Size() == 0 {
		if err := l.w.Write(captureLogHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write capture log header: %w", err)
		}
		l.w.Flush()
		if err := l.w.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to flush capture log header: %w", err)
		}
	}
	return l, nil
}

// Record appends one capture row and flushes it, so the log is current even
// if the process dies mid-experiment.
func (l *CaptureLog) Record(runIndex, sampleIndex, cameraID int, exposureMicros float64, capturedAt time.Time, filename string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := []string{
		strconv.Itoa(runIndex),
		strconv.Itoa(sampleIndex),
		strconv.Itoa(cameraID),
		strconv.FormatFloat(exposureMicros, 'f', -1, 64),
		strconv.FormatFloat(float64(capturedAt.UnixNano())/1e9, 'f', 6, 64),
		capturedAt.Format("2006-01-02 15:04:05.000000"),
		filename,
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("failed to write capture log row: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("failed to flush capture log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *CaptureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
