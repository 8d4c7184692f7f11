// Package pipeline runs the producer loop: capture, infer, normalize,
// annotate, gate alerts and publish to the frame hub.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"time"

	"github.com/alertmatrix/detection-service/internal/alert"
	"github.com/alertmatrix/detection-service/internal/annotate"
	"github.com/alertmatrix/detection-service/internal/capture"
	"github.com/alertmatrix/detection-service/internal/detection"
	"github.com/alertmatrix/detection-service/internal/detector"
	"github.com/alertmatrix/detection-service/internal/framehub"
	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/pkg/types"
)

// FrameSource is the capture side of the loop.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*types.Frame, error)
	Stats() capture.Stats
	Close() error
}

// CycleReport describes one completed cycle.
type CycleReport struct {
	Seq              uint64
	Timestamp        time.Time
	Width            int
	Height           int
	Detections       []detection.Detection
	Alerts           []alert.Event
	InferenceLatency time.Duration
	InferenceErr     error
}

// Observer is notified after every cycle. It runs on the producer goroutine
// and must not block.
type Observer interface {
	ObserveCycle(CycleReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(CycleReport)

func (f ObserverFunc) ObserveCycle(r CycleReport) { f(r) }

// Config holds loop settings.
type Config struct {
	CameraID        string
	ReadRetryBudget int
	ReconnectDelay  time.Duration
	IncludeImage    bool
	ImageQuality    int
}

// Deps are the collaborators of the loop. Metrics may be nil.
type Deps struct {
	Source     FrameSource
	Detector   detector.Detector
	Normalizer *detection.Normalizer
	Annotator  *annotate.Annotator
	Gate       *alert.Gate
	Worker     *alert.Worker
	Hub        *framehub.Hub
	Metrics    *metrics.Metrics
}

// Pipeline is the single sequential producer.
type Pipeline struct {
	cfg Config
	Deps

	stats     Stats
	observers []Observer
	now       func() time.Time
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.ImageQuality <= 0 {
		cfg.ImageQuality = 70
	}
	return &Pipeline{cfg: cfg, Deps: deps, now: time.Now}
}

// AddObserver registers an observer. Call before Run.
func (p *Pipeline) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Snapshot returns loop and dispatch counters.
func (p *Pipeline) Snapshot() Snapshot {
	snap := p.stats.snapshot()
	src := p.Source.Stats()
	snap.CameraActive = src.Active
	snap.CameraIndex = src.Index
	if p.Worker != nil {
		ws := p.Worker.Stats()
		snap.AlertsSent = ws.Sent
		snap.AlertsFailed = ws.Failed
		snap.AlertsDropped = ws.Dropped
	}
	return snap
}

// Run opens the camera and processes frames until ctx is done. It returns
// nil on a clean stop, a capture.ErrDeviceUnavailable error when no camera
// can be opened, and a capture.ErrRetryBudgetExhausted error after too many
// consecutive read failures. Anything confined to one frame or one alert is
// handled inside the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Source.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		p.stats.running.Store(false)
		if err := p.Source.Close(); err != nil {
			logger.Warn("Pipeline", "Failed to close camera: %v", err)
		}
	}()

	p.stats.start(p.now())
	logger.Info("Pipeline", "Started (camera=%s index=%d)", p.cfg.CameraID, p.Source.Stats().Index)

	failures := 0
	for {
		if ctx.Err() != nil {
			logger.Info("Pipeline", "Stopped after %d frames", p.stats.framesProcessed.Load())
			return nil
		}

		frame, err := p.Source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			p.stats.readErrors.Add(1)
			if p.Metrics != nil {
				p.Metrics.ReadErrors.Add(1)
			}
			logger.Warn("Pipeline", "Frame read failed (%d/%d): %v", failures, p.cfg.ReadRetryBudget, err)
			if failures > p.cfg.ReadRetryBudget {
				return fmt.Errorf("%w: %d consecutive failures: %w", capture.ErrRetryBudgetExhausted, failures, err)
			}
			_ = capture.Sleep(ctx, p.cfg.ReconnectDelay)
			continue
		}
		failures = 0
		p.cycle(ctx, frame)
	}
}

func (p *Pipeline) cycle(ctx context.Context, frame *types.Frame) {
	start := p.now()
	if p.Metrics != nil {
		p.Metrics.FramesCaptured.Add(1)
		p.Metrics.Reconnects.Store(p.Source.Stats().Reconnects)
	}

	report := CycleReport{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
	}

	inferStart := p.now()
	raw, err := p.Detector.Infer(ctx, frame)
	report.InferenceLatency = p.now().Sub(inferStart)
	p.stats.lastInferenceMs.Store(report.InferenceLatency.Milliseconds())
	if p.Metrics != nil {
		p.Metrics.UpdateInferenceLatency(report.InferenceLatency)
	}

	if err != nil {
		report.InferenceErr = err
		p.stats.inferenceErrors.Add(1)
		if p.Metrics != nil {
			p.Metrics.InferenceErrors.Add(1)
		}
		logger.Warn("Pipeline", "Inference failed on frame %d: %v", frame.Seq, err)
	} else {
		res := p.Normalizer.Normalize(raw)
		report.Detections = res.Detections
		p.stats.totalDetections.Add(uint64(len(res.Detections)))
		if p.Metrics != nil {
			p.Metrics.DetectionsDisplayed.Add(uint64(len(res.Detections)))
			p.Metrics.DetectionsDropped.Add(uint64(res.Dropped))
		}
	}

	annotated, _ := p.Annotator.Annotate(frame, report.Detections)
	report.Alerts = p.gateAlerts(ctx, annotated, report.Detections)

	p.stats.tick(p.now())
	var sent uint64
	if p.Worker != nil {
		sent = p.Worker.Stats().Sent
	}
	annotate.DrawStatus(annotated.Image, annotate.Status{
		Frame:       frame.Seq,
		Alerts:      sent,
		InferenceMs: report.InferenceLatency.Milliseconds(),
		FPS:         p.stats.snapshot().FPS,
	})
	p.Hub.Publish(annotated)

	if p.Metrics != nil {
		p.Metrics.FramesProcessed.Add(1)
		p.Metrics.UpdateCycleLatency(p.now().Sub(start))
	}
	for _, o := range p.observers {
		o.ObserveCycle(report)
	}
}

// gateAlerts offers the strongest detection of each weapon category to the
// gate and hands reserved events to the worker.
func (p *Pipeline) gateAlerts(ctx context.Context, annotated *types.Frame, dets []detection.Detection) []alert.Event {
	if p.Gate == nil || p.Worker == nil || len(dets) == 0 {
		return nil
	}

	best := make(map[detection.Category]detection.Detection)
	for _, d := range dets {
		c := d.Category()
		if !c.Weapon() {
			continue
		}
		if cur, ok := best[c]; !ok || d.Confidence > cur.Confidence {
			best[c] = d
		}
	}

	var (
		events []alert.Event
		still  []byte
	)
	for _, c := range []detection.Category{detection.CategoryGun, detection.CategoryKnife} {
		d, ok := best[c]
		if !ok {
			continue
		}
		if !p.Gate.Reserve(c.String(), d.Confidence, annotated.Timestamp) {
			if d.Confidence >= p.Gate.Threshold() {
				p.stats.alertsSuppressed.Add(1)
				if p.Metrics != nil {
					p.Metrics.AlertsSuppressed.Add(1)
				}
			}
			continue
		}

		if p.cfg.IncludeImage && still == nil {
			still = p.encodeStill(annotated)
		}
		e := alert.NewEvent(p.cfg.CameraID, d, annotated.Timestamp, still)
		logger.Info("Pipeline", "%s detected (%.2f%%), dispatching alert %s", c, d.Confidence*100, e.ID)
		if p.Worker.Submit(ctx, e) {
			p.stats.alertsQueued.Add(1)
		}
		events = append(events, e)
	}
	return events
}

func (p *Pipeline) encodeStill(f *types.Frame) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: p.cfg.ImageQuality}); err != nil {
		if p.Metrics != nil {
			p.Metrics.EncodeErrors.Add(1)
		}
		logger.Warn("Pipeline", "Alert still encode failed, sending without image: %v", err)
		return nil
	}
	return buf.Bytes()
}
