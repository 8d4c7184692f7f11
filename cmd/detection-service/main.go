package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/alertmatrix/detection-service/internal/alert"
	"github.com/alertmatrix/detection-service/internal/annotate"
	"github.com/alertmatrix/detection-service/internal/capture"
	"github.com/alertmatrix/detection-service/internal/capture/gocvcam"
	"github.com/alertmatrix/detection-service/internal/config"
	"github.com/alertmatrix/detection-service/internal/detection"
	"github.com/alertmatrix/detection-service/internal/detector"
	"github.com/alertmatrix/detection-service/internal/framehub"
	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/internal/natsbus"
	"github.com/alertmatrix/detection-service/internal/pipeline"
	"github.com/alertmatrix/detection-service/internal/recorder"
	"github.com/alertmatrix/detection-service/internal/server"
	"github.com/alertmatrix/detection-service/internal/storage"
	"github.com/alertmatrix/detection-service/internal/webrtc"
	"github.com/alertmatrix/detection-service/pkg/types"
)

// Service owns every long-lived component of the detection binary.
type Service struct {
	cfg     *config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.Metrics

	source     *capture.Source
	dispatcher *alert.Dispatcher
	worker     *alert.Worker
	hub        *framehub.Hub
	pipeline   *pipeline.Pipeline
	recorder   *recorder.Recorder
	webrtc     *webrtc.Server
	server     *server.Server
	nc         *nats.Conn
	bus        *natsbus.Bus
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Detection service starting (camera=%s, env=%s)", cfg.Camera.ID, cfg.Environment)
	logger.Info("Main", "Thresholds: display=%.2f alert=%.2f cooldown=%s",
		cfg.Detection.DisplayThreshold, cfg.Detection.AlertThreshold, cfg.Alert.Cooldown)

	svc, err := NewService(cfg)
	if err != nil {
		logger.Error("Main", "Failed to create service: %v", err)
		os.Exit(1)
	}

	runErr, httpErr := svc.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Main", "Received %s, shutting down...", sig)
	case err := <-runErr:
		if err != nil {
			logger.Error("Main", "Pipeline stopped: %v", err)
			exitCode = 1
		}
	case err, ok := <-httpErr:
		if ok && err != nil {
			logger.Error("Main", "HTTP server failed: %v", err)
			exitCode = 1
		}
	}

	if err := svc.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Detection service stopped")
	os.Exit(exitCode)
}

// NewService builds the component graph from configuration.
func NewService(cfg *config.Config) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{cfg: cfg, ctx: ctx, cancel: cancel, metrics: metrics.New()}

	var opener capture.Opener = gocvcam.Opener{}
	if cfg.Camera.Device == "testpattern" {
		opener = capture.TestPatternOpener{}
	}
	s.source = capture.NewSource(opener, capture.Config{
		PreferredIndex:    cfg.Camera.Index,
		FallbackIndices:   cfg.Camera.FallbackIndices,
		Hints:             types.CaptureHints{Width: cfg.Camera.Width, Height: cfg.Camera.Height, FPS: cfg.Camera.FPS},
		ReconnectDelay:    cfg.Camera.ReconnectDelay,
		ReconnectAttempts: cfg.Camera.ReconnectAttempts,
	})

	var det detector.Detector = detector.Static{}
	if cfg.Detector.Backend == "http" {
		det = detector.NewHTTPDetector(cfg.Detector.URL, cfg.Detector.Timeout)
	}

	gate := alert.NewGate(cfg.Detection.AlertThreshold, cfg.Alert.Cooldown)
	s.dispatcher = alert.NewDispatcher(cfg.Alert.BackendURL, cfg.Alert.Timeout,
		alert.NewTokenSigner(cfg.Alert.AuthSecret, time.Minute))

	workerOpts := []alert.WorkerOption{alert.WithMetrics(s.metrics)}

	storageCfg := storage.Config(cfg.Storage)
	if storageCfg.Configured() {
		client, err := storage.New(storageCfg)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		workerOpts = append(workerOpts, alert.WithUploader(client))
		logger.Info("Main", "Alert stills archived to bucket %s", cfg.Storage.Bucket)
	}

	if cfg.NATS.URL != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		nc, err := natsbus.Connect(connectCtx, cfg.NATS.URL)
		connectCancel()
		if err != nil {
			logger.Warn("Main", "NATS unavailable, continuing without mirror: %v", err)
		} else {
			s.nc = nc
			s.bus = natsbus.New(nc, cfg.NATS.SubjectPrefix, cfg.Camera.ID)
			workerOpts = append(workerOpts, alert.WithMirror(s.bus))
		}
	}

	s.worker = alert.NewWorker(gate, s.dispatcher, cfg.Alert.Async, cfg.Alert.QueueSize, cfg.Alert.Timeout, workerOpts...)
	s.hub = framehub.New(cfg.Stream.Interval, framehub.WithMetrics(s.metrics))

	s.pipeline = pipeline.New(pipeline.Config{
		CameraID:        cfg.Camera.ID,
		ReadRetryBudget: cfg.Camera.ReadRetryBudget,
		ReconnectDelay:  cfg.Camera.ReconnectDelay,
		IncludeImage:    cfg.Alert.IncludeImage,
		ImageQuality:    cfg.Alert.ImageQuality,
	}, pipeline.Deps{
		Source:     s.source,
		Detector:   det,
		Normalizer: detection.NewNormalizer(cfg.ClassNames(), cfg.Detection.DisplayThreshold),
		Annotator:  annotate.New(cfg.Detection.DisplayThreshold, cfg.Detection.AlertThreshold),
		Gate:       gate,
		Worker:     s.worker,
		Hub:        s.hub,
		Metrics:    s.metrics,
	})

	detections := server.NewDetectionBroadcaster()
	s.pipeline.AddObserver(detections)

	s.recorder = recorder.NewRecorder(s.hub, cfg.Recording.Path, s.metrics)
	s.webrtc = webrtc.NewServer(s.hub, cfg.Stream.STUNServers, cfg.Stream.MaxWebRTCClients, s.metrics)

	s.server = server.New(server.Options{
		Environment:      cfg.Environment,
		CameraID:         cfg.Camera.ID,
		DisplayThreshold: cfg.Detection.DisplayThreshold,
		AlertThreshold:   cfg.Detection.AlertThreshold,
		Cooldown:         cfg.Alert.Cooldown,
		DefaultQuality:   types.ParseQuality(cfg.Stream.DefaultQuality),
		Pipeline:         s.pipeline,
		Hub:              s.hub,
		Recorder:         s.recorder,
		WebRTC:           s.webrtc,
		Detections:       detections,
		Metrics:          s.metrics,
	})
	return s, nil
}

// Start launches the pipeline, the alert worker, the HTTP server and the
// optional background tasks. The pipeline channel receives Run's result.
func (s *Service) Start() (<-chan error, <-chan error) {
	// Queued alerts outlive s.ctx so Shutdown can drain them.
	s.worker.Start(context.Background())

	if s.cfg.Alert.Register {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.registerCamera()
		}()
	}

	if s.bus != nil && s.cfg.NATS.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bus.RunHeartbeat(s.ctx, s.cfg.NATS.HeartbeatInterval, func() (uint64, bool) {
				snap := s.pipeline.Snapshot()
				return snap.FramesProcessed, snap.CameraActive
			})
		}()
	}

	runErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runErr <- s.pipeline.Run(s.ctx)
	}()

	httpErr := s.server.Start(s.cfg.Stream.Addr)
	logger.Info("Main", "Stream available at http://%s/video_feed", s.cfg.Stream.Addr)
	return runErr, httpErr
}

func (s *Service) registerCamera() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Alert.Timeout)
	defer cancel()
	if err := s.dispatcher.Register(ctx, s.cfg.Camera.ID); err != nil {
		logger.Warn("Main", "Camera registration failed: %v", err)
		return
	}
	logger.Info("Main", "Camera %s registered with backend", s.cfg.Camera.ID)
}

// Shutdown stops the producer first so no new work arrives, then drains the
// alert worker and closes the outputs.
func (s *Service) Shutdown() error {
	s.cancel()
	s.wg.Wait()

	s.worker.Stop()

	if err := s.recorder.Close(); err != nil {
		logger.Warn("Main", "Recorder close: %v", err)
	}
	_ = s.webrtc.Close()

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			logger.Warn("Main", "NATS drain: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
