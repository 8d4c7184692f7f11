package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
)

// Uploader archives an alert still and returns where it can be fetched.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Mirror receives a copy of every alert the backend accepted.
type Mirror interface {
	PublishAlert(ctx context.Context, e Event) error
}

// ObjectKey is the storage key for an alert still.
func ObjectKey(e Event) string {
	return fmt.Sprintf("alerts/%s/%s/%s.jpg", e.CameraID, e.Timestamp.UTC().Format("20060102"), e.ID)
}

// WorkerStats is a snapshot of dispatch outcomes.
type WorkerStats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
	Queued  int
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithUploader archives alert stills before dispatch.
func WithUploader(u Uploader) WorkerOption {
	return func(w *Worker) { w.uploader = u }
}

// WithMirror adds a mirror for accepted alerts.
func WithMirror(m Mirror) WorkerOption {
	return func(w *Worker) { w.mirrors = append(w.mirrors, m) }
}

// WithMetrics records dispatch counters.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// Worker runs the attempt and commit steps for reserved alerts. In async mode
// a bounded queue decouples dispatch from the frame loop.
type Worker struct {
	gate     *Gate
	sender   Sender
	uploader Uploader
	mirrors  []Mirror
	metrics  *metrics.Metrics
	timeout  time.Duration
	async    bool

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewWorker creates a worker. queueSize is only used in async mode.
func NewWorker(gate *Gate, sender Sender, async bool, queueSize int, timeout time.Duration, opts ...WorkerOption) *Worker {
	if queueSize < 1 {
		queueSize = 1
	}
	w := &Worker{
		gate:    gate,
		sender:  sender,
		timeout: timeout,
		async:   async,
	}
	if async {
		w.queue = make(chan Event, queueSize)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the dispatch goroutine in async mode.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.async || w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for e := range w.queue {
			_ = w.process(ctx, e)
		}
	}()
	logger.Info("Alert", "Dispatch worker started (queue=%d)", cap(w.queue))
}

// Submit hands a reserved event to the worker. It returns false when the
// event was dropped; the reservation is released in that case. In sync mode
// the dispatch happens before Submit returns.
func (w *Worker) Submit(ctx context.Context, e Event) bool {
	if w.metrics != nil {
		w.metrics.AlertsAttempted.Add(1)
	}
	if !w.async {
		return w.process(ctx, e) == nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.drop(e, "worker stopped")
		return false
	}
	select {
	case w.queue <- e:
		return true
	default:
		w.drop(e, "queue full")
		return false
	}
}

func (w *Worker) drop(e Event, reason string) {
	w.gate.Abort(e.DetectionType)
	w.dropped.Add(1)
	if w.metrics != nil {
		w.metrics.AlertsDropped.Add(1)
	}
	logger.Warn("Alert", "Dropped %s alert %s: %s", e.DetectionType, e.ID, reason)
}

func (w *Worker) process(parent context.Context, e Event) error {
	if w.uploader != nil && len(e.Image) > 0 {
		e.ImageURL = w.upload(parent, e)
	}

	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	if err := w.sender.Send(ctx, e); err != nil {
		w.gate.Abort(e.DetectionType)
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.AlertsFailed.Add(1)
		}
		logger.Warn("Alert", "Failed to send %s alert (%.2f): %v", e.DetectionType, e.Confidence, err)
		return err
	}

	w.gate.MarkFired(e.DetectionType, e.Timestamp)
	w.sent.Add(1)
	if w.metrics != nil {
		w.metrics.AlertsSent.Add(1)
	}
	logger.Info("Alert", "Alert sent: %s (%.2f%%) camera=%s id=%s", e.DetectionType, e.Confidence*100, e.CameraID, e.ID)

	for _, m := range w.mirrors {
		if err := m.PublishAlert(parent, e); err != nil {
			logger.Warn("Alert", "Mirror publish failed: %v", err)
		}
	}
	return nil
}

func (w *Worker) upload(parent context.Context, e Event) string {
	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	url, err := w.uploader.Upload(ctx, ObjectKey(e), bytes.NewReader(e.Image), int64(len(e.Image)), "image/jpeg")
	if err != nil {
		logger.Warn("Alert", "Alert still upload failed, sending inline only: %v", err)
		return ""
	}
	logger.Debug("Alert", "Alert still archived at %s", url)
	return url
}

// Stop drains queued alerts and waits for the worker to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.closed || !w.async {
		w.closed = true
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	started := w.started
	w.mu.Unlock()

	if !started {
		for e := range w.queue {
			w.gate.Abort(e.DetectionType)
		}
		return
	}
	w.wg.Wait()
	logger.Info("Alert", "Dispatch worker stopped")
}

// Stats returns dispatch counters.
func (w *Worker) Stats() WorkerStats {
	st := WorkerStats{
		Sent:    w.sent.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
	if w.queue != nil {
		st.Queued = len(w.queue)
	}
	return st
}
