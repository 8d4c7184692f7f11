package recorder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// FrameSource yields encoded JPEG frames.
type FrameSource interface {
	Subscribe(ctx context.Context, q types.Quality) iter.Seq[[]byte]
}

// Recorder writes the live stream to a raw MJPEG file.
type Recorder struct {
	source   FrameSource
	basePath string
	metrics  *metrics.Metrics

	mu           sync.RWMutex
	file         *os.File
	filename     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	stopTime     time.Time
	writeErr     error
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewRecorder creates a recorder writing under basePath. m may be nil.
func NewRecorder(source FrameSource, basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		source:   source,
		basePath: basePath,
		metrics:  m,
	}
}

// Start opens a new recording_YYYYMMDD_HHMMSS.mjpeg file and starts
// appending frames to it.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("recording_%s.mjpeg", timestamp)
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.stopTime = time.Time{}
	r.writeErr = nil
	r.cancel = cancel

	r.wg.Add(1)
	go r.writeFrames(ctx)

	logger.Info("Recorder", "Recording started: %s", filename)
	r.publishMetrics()
	return filename, nil
}

// Stop ends the recording and closes the file.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	r.recording = false
	r.stopTime = time.Now()
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.file != nil {
		if syncErr := r.file.Sync(); syncErr != nil {
			err = fmt.Errorf("failed to sync file: %w", syncErr)
		}
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", closeErr)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes)", r.filename, r.frameCount, r.bytesWritten)
	r.publishMetrics()
	return r.statusLocked(), err
}

func (r *Recorder) writeFrames(ctx context.Context) {
	defer r.wg.Done()

	for data := range r.source.Subscribe(ctx, types.QualityHigh) {
		if !r.writeFrame(data) {
			return
		}
	}
}

func (r *Recorder) writeFrame(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || !r.recording {
		return false
	}
	n, err := r.file.Write(data)
	r.bytesWritten += uint64(n)
	if err != nil {
		r.writeErr = err
		logger.Error("Recorder", "Write failed, stopping writer: %v", err)
		return false
	}
	r.frameCount++
	r.publishMetrics()
	return true
}

func (r *Recorder) publishMetrics() {
	if r.metrics != nil {
		r.metrics.UpdateRecording(r.recording, r.bytesWritten, r.frameCount)
	}
}

// IsRecording returns true if currently recording.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status.
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	var duration time.Duration
	switch {
	case r.recording:
		duration = time.Since(r.startTime)
	case !r.stopTime.IsZero():
		duration = r.stopTime.Sub(r.startTime)
	}
	st := RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
	if r.writeErr != nil {
		st.Error = r.writeErr.Error()
	}
	return st
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if !r.IsRecording() {
		return nil
	}
	_, err := r.Stop()
	return err
}

// RecordingStatus holds the current recording status.
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
	Error        string    `json:"error,omitempty"`
}
