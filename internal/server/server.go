package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/internal/pipeline"
	"github.com/alertmatrix/detection-service/internal/recorder"
	"github.com/alertmatrix/detection-service/internal/webrtc"
	"github.com/alertmatrix/detection-service/pkg/types"
)

// StatusProvider reports producer loop counters.
type StatusProvider interface {
	Snapshot() pipeline.Snapshot
}

// FrameHub serves encoded frames.
type FrameHub interface {
	Subscribe(ctx context.Context, q types.Quality) iter.Seq[[]byte]
	Snapshot(q types.Quality) ([]byte, error)
}

// Recorder controls stream recording.
type Recorder interface {
	Start() (string, error)
	Stop() (recorder.RecordingStatus, error)
	Status() recorder.RecordingStatus
}

// WebRTCServer negotiates data-channel viewers.
type WebRTCServer interface {
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
	ClientCount() int
}

// Options configures the HTTP surface. Recorder, WebRTC, Detections and
// Metrics may be nil; their endpoints then answer 503 or are not mounted.
type Options struct {
	Environment      string
	CameraID         string
	DisplayThreshold float64
	AlertThreshold   float64
	Cooldown         time.Duration
	DefaultQuality   types.Quality
	StatusInterval   time.Duration

	Pipeline   StatusProvider
	Hub        FrameHub
	Recorder   Recorder
	WebRTC     WebRTCServer
	Detections *DetectionBroadcaster
	Metrics    *metrics.Metrics
}

// Server is the exposed HTTP surface: MJPEG, snapshots, status, SSE,
// recording and WebRTC signaling.
type Server struct {
	opts   Options
	router *gin.Engine

	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
	now        func() time.Time
}

// New builds the server and its router.
func New(opts Options) *Server {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if opts.DefaultQuality == "" {
		opts.DefaultQuality = types.QualityMedium
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{opts: opts, ctx: ctx, cancel: cancel, now: time.Now}
	s.router = s.newRouter()
	return s
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) newRouter() *gin.Engine {
	if s.opts.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"Content-Type", "X-Content-Format"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/", s.handleIndex)
	router.GET("/video_feed", s.handleStream)
	router.GET("/stream", s.handleStream)
	router.GET("/snapshot", s.handleSnapshot)

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/health", s.handleHealth)
	api.GET("/status/stream", s.handleStatusStream)
	api.GET("/detections/stream", s.handleDetectionsStream)
	api.POST("/recording/start", s.handleRecordingStart)
	api.POST("/recording/stop", s.handleRecordingStop)
	api.GET("/recording/status", s.handleRecordingStatus)
	api.POST("/webrtc/offer", s.handleWebRTCOffer)

	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}
	return router
}

// requestLogger logs failed requests at warn and everything else at debug.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		if status >= 400 {
			logger.Warn("HTTP", "%3d | %13v | %15s | %-7s %s", status, latency, c.ClientIP(), c.Request.Method, path)
			return
		}
		logger.Debug("HTTP", "%3d | %13v | %15s | %-7s %s", status, latency, c.ClientIP(), c.Request.Method, path)
	}
}

// Start serves on addr in the background. The returned channel receives the
// listener error, if any, and is closed when serving ends.
func (s *Server) Start(addr string) <-chan error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("HTTP", "Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown ends long-lived streams and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.opts.Detections != nil {
		s.opts.Detections.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) quality(c *gin.Context) types.Quality {
	if raw := c.Query("quality"); raw != "" {
		return types.ParseQuality(raw)
	}
	return s.opts.DefaultQuality
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) handleStream(c *gin.Context) {
	q := s.quality(c)
	if m := s.opts.Metrics; m != nil {
		m.StreamClients.Add(1)
		m.TotalStreamClients.Add(1)
		defer m.StreamClients.Add(-1)
	}
	logger.Info("MJPEG", "Client %s connected (quality=%s)", c.ClientIP(), q)
	streamMJPEG(c.Writer, s.opts.Hub.Subscribe(c.Request.Context(), q))
	logger.Info("MJPEG", "Client %s disconnected", c.ClientIP())
}

func (s *Server) handleSnapshot(c *gin.Context) {
	data, err := s.opts.Hub.Snapshot(s.quality(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.statusPayload(s.now()))
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.opts.Pipeline.Snapshot()
	payload := gin.H{
		"camera_active": snap.CameraActive,
		"running":       snap.Running,
		"timestamp":     s.now().Format(time.RFC3339),
	}
	if snap.CameraActive {
		payload["status"] = "healthy"
		c.JSON(http.StatusOK, payload)
		return
	}
	payload["status"] = "unhealthy"
	c.JSON(http.StatusServiceUnavailable, payload)
}

func (s *Server) handleStatusStream(c *gin.Context) {
	streamPeriodic(c.Request.Context(), c.Writer, s.opts.StatusInterval, func() ([]byte, error) {
		return json.Marshal(s.statusPayload(s.now()))
	})
}

func (s *Server) handleDetectionsStream(c *gin.Context) {
	if s.opts.Detections == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "detection stream unavailable"})
		return
	}
	id, ch := s.opts.Detections.Subscribe()
	defer s.opts.Detections.Unsubscribe(id)

	streamDetectionEvents(c.Request.Context(), c.Writer, ch, wantsProtobuf(c.GetHeader("Accept")))
}

func (s *Server) handleRecordingStart(c *gin.Context) {
	if s.opts.Recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recording unavailable"})
		return
	}
	filename, err := s.opts.Recorder.Start()
	if err != nil {
		c.JSON(recordingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(s.now().Unix()),
	})
}

func (s *Server) handleRecordingStop(c *gin.Context) {
	if s.opts.Recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recording unavailable"})
		return
	}
	st, err := s.opts.Recorder.Stop()
	if err != nil {
		c.JSON(recordingErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "stopped",
		"file":       st.Filename,
		"stats":      st,
		"stopped_at": float64(s.now().Unix()),
	})
}

func recordingErrorStatus(err error) int {
	if errors.Is(err, recorder.ErrAlreadyRecording) || errors.Is(err, recorder.ErrNotRecording) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleRecordingStatus(c *gin.Context) {
	if s.opts.Recorder == nil {
		c.JSON(http.StatusOK, recorder.RecordingStatus{})
		return
	}
	c.JSON(http.StatusOK, s.opts.Recorder.Status())
}

func (s *Server) handleWebRTCOffer(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offer data"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offer data"})
		return
	}

	if s.opts.WebRTC == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebRTC unavailable"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	answer, err := s.opts.WebRTC.HandleOffer(ctx, body)
	if err != nil {
		logger.Warn("WebRTC", "Offer failed: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", answer)
}
