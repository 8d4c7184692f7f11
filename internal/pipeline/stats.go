package pipeline

import (
	"math"
	"sync/atomic"
	"time"
)

// Stats holds the producer loop counters. It is safe for concurrent readers.
type Stats struct {
	startedAt atomic.Int64 // unix nanos, 0 until Run starts
	running   atomic.Bool

	framesProcessed  atomic.Uint64
	totalDetections  atomic.Uint64
	alertsQueued     atomic.Uint64
	alertsSuppressed atomic.Uint64
	inferenceErrors  atomic.Uint64
	readErrors       atomic.Uint64

	lastInferenceMs atomic.Int64
	fpsBits         atomic.Uint64

	// Only touched by the producer goroutine.
	windowStart  time.Time
	windowFrames int
}

// Snapshot is a copy of the counters plus dispatch outcomes.
type Snapshot struct {
	Running          bool
	CameraActive     bool
	CameraIndex      int
	StartedAt        time.Time
	FramesProcessed  uint64
	TotalDetections  uint64
	AlertsQueued     uint64
	AlertsSuppressed uint64
	AlertsSent       uint64
	AlertsFailed     uint64
	AlertsDropped    uint64
	InferenceErrors  uint64
	ReadErrors       uint64
	LastInferenceMs  int64
	FPS              float64
}

// Uptime is the time since Run started, or zero.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

func (s *Stats) start(now time.Time) {
	s.startedAt.Store(now.UnixNano())
	s.running.Store(true)
	s.windowStart = now
	s.windowFrames = 0
}

// tick counts a processed frame and refreshes the FPS estimate once a second.
func (s *Stats) tick(now time.Time) {
	s.framesProcessed.Add(1)
	s.windowFrames++
	if elapsed := now.Sub(s.windowStart); elapsed >= time.Second {
		s.fpsBits.Store(math.Float64bits(float64(s.windowFrames) / elapsed.Seconds()))
		s.windowStart = now
		s.windowFrames = 0
	}
}

func (s *Stats) snapshot() Snapshot {
	snap := Snapshot{
		Running:          s.running.Load(),
		FramesProcessed:  s.framesProcessed.Load(),
		TotalDetections:  s.totalDetections.Load(),
		AlertsQueued:     s.alertsQueued.Load(),
		AlertsSuppressed: s.alertsSuppressed.Load(),
		InferenceErrors:  s.inferenceErrors.Load(),
		ReadErrors:       s.readErrors.Load(),
		LastInferenceMs:  s.lastInferenceMs.Load(),
		FPS:              math.Float64frombits(s.fpsBits.Load()),
	}
	if ns := s.startedAt.Load(); ns != 0 {
		snap.StartedAt = time.Unix(0, ns)
	}
	return snap
}
