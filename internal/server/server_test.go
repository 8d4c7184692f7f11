package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alertmatrix/detection-service/internal/alert"
	"github.com/alertmatrix/detection-service/internal/detection"
	"github.com/alertmatrix/detection-service/internal/framehub"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/internal/pipeline"
	"github.com/alertmatrix/detection-service/internal/recorder"
	"github.com/alertmatrix/detection-service/internal/webrtc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatus struct {
	snap pipeline.Snapshot
}

func (f *fakeStatus) Snapshot() pipeline.Snapshot { return f.snap }

type fakeWebRTC struct {
	answer []byte
	err    error
	offers int
}

func (f *fakeWebRTC) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	f.offers++
	return f.answer, f.err
}

func (f *fakeWebRTC) ClientCount() int { return 0 }

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*Options)) *Server {
	t.Helper()
	hub := framehub.New(5 * time.Millisecond)
	opts := Options{
		CameraID:         "cam-1",
		DisplayThreshold: 0.5,
		AlertThreshold:   0.7,
		Cooldown:         10 * time.Second,
		StatusInterval:   10 * time.Millisecond,
		Pipeline: &fakeStatus{snap: pipeline.Snapshot{
			Running:         true,
			CameraActive:    true,
			CameraIndex:     2,
			StartedAt:       fixedNow.Add(-3725 * time.Second),
			FramesProcessed: 120,
			TotalDetections: 9,
			AlertsSent:      3,
			AlertsFailed:    1,
		}},
		Hub:        hub,
		Recorder:   recorder.NewRecorder(hub, t.TempDir(), nil),
		Detections: NewDetectionBroadcaster(),
		Metrics:    metrics.New(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	s.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{3725 * time.Second, "01:02:05"},
		{26 * time.Hour, "26:00:00"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.in); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)

	want := map[string]any{
		"status":               "active",
		"camera_id":            "cam-1",
		"detection_count":      float64(3),
		"confidence_threshold": 0.5,
		"alert_threshold":      0.7,
		"cooldown_seconds":     float64(10),
		"frames_processed":     float64(120),
		"total_detections":     float64(9),
		"alerts_failed":        float64(1),
		"uptime":               "01:02:05",
		"camera_index":         float64(2),
		"streaming":            true,
		"recording":            false,
		"timestamp":            "2024-05-01T12:00:00Z",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
}

func TestStatusInactiveWithoutCamera(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.Pipeline = &fakeStatus{snap: pipeline.Snapshot{Running: true}}
	})
	body := decodeBody(t, doRequest(s, http.MethodGet, "/api/status", nil))
	if body["status"] != "inactive" || body["uptime"] != "00:00:00" {
		t.Fatalf("body = %v", body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		active bool
		code   int
		status string
	}{
		{"camera active", true, http.StatusOK, "healthy"},
		{"camera down", false, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(o *Options) {
				o.Pipeline = &fakeStatus{snap: pipeline.Snapshot{Running: true, CameraActive: tt.active}}
			})
			rec := doRequest(s, http.MethodGet, "/api/health", nil)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if got := decodeBody(t, rec)["status"]; got != tt.status {
				t.Fatalf("status = %v, want %s", got, tt.status)
			}
		})
	}
}

func TestSnapshotServesJPEG(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/snapshot?quality=low", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte{0xff, 0xd8}) {
		t.Fatalf("body is not a JPEG")
	}
}

func TestIndexPage(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/video_feed") {
		t.Fatalf("code = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestMJPEGStream(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/video_feed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	parts := 0
	for parts < 2 {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == "--frame\r\n" {
			next, _ := r.ReadString('\n')
			if next != "Content-Type: image/jpeg\r\n" {
				t.Fatalf("part header = %q", next)
			}
			parts++
		}
	}
	if got := s.opts.Metrics.StreamClients.Load(); got != 1 {
		t.Fatalf("stream clients = %d, want 1", got)
	}

	cancel()
	resp.Body.Close()
	waitFor(t, func() bool { return s.opts.Metrics.StreamClients.Load() == 0 })
	if got := s.opts.Metrics.TotalStreamClients.Load(); got != 1 {
		t.Fatalf("total stream clients = %d", got)
	}
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSuffix(data, "\n")
		}
	}
}

func TestStatusStream(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)
	for range 2 {
		var payload map[string]any
		if err := json.Unmarshal([]byte(readSSEData(t, r)), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["camera_id"] != "cam-1" {
			t.Fatalf("payload = %v", payload)
		}
	}
}

func cycleReport() pipeline.CycleReport {
	return pipeline.CycleReport{
		Seq:       7,
		Timestamp: fixedNow,
		Width:     640,
		Height:    480,
		Detections: []detection.Detection{
			{ClassName: "gun", ClassID: 0, Confidence: 0.91, Box: detection.Box{X1: 10, Y1: 20, X2: 110, Y2: 220}},
		},
		Alerts: []alert.Event{{DetectionType: "gun"}},
	}
}

func TestDetectionsStream(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		format string
	}{
		{"json", "text/event-stream", "application/json"},
		{"protobuf", "application/x-protobuf", "application/protobuf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			ts := httptest.NewServer(s.Handler())
			defer ts.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/detections/stream", nil)
			req.Header.Set("Accept", tt.accept)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("X-Content-Format"); got != tt.format {
				t.Fatalf("X-Content-Format = %q, want %q", got, tt.format)
			}
			waitFor(t, func() bool { return s.opts.Detections.ClientCount() == 1 })
			s.opts.Detections.ObserveCycle(cycleReport())

			data := readSSEData(t, bufio.NewReader(resp.Body))
			var frame, x, w float64
			var class string
			if tt.format == "application/json" {
				var ev detectionJSON
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					t.Fatalf("decode json: %v", err)
				}
				frame = float64(ev.FrameNumber)
				class = ev.Detections[0].ClassName
				x, w = float64(ev.Detections[0].BBox.X), float64(ev.Detections[0].BBox.W)
			} else {
				raw, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					t.Fatalf("decode base64: %v", err)
				}
				var st structpb.Struct
				if err := proto.Unmarshal(raw, &st); err != nil {
					t.Fatalf("decode protobuf: %v", err)
				}
				m := st.AsMap()
				frame = m["frame_number"].(float64)
				det := m["detections"].([]any)[0].(map[string]any)
				class = det["class_name"].(string)
				bbox := det["bbox"].(map[string]any)
				x, w = bbox["x"].(float64), bbox["w"].(float64)
			}
			if frame != 7 || class != "gun" || x != 10 || w != 100 {
				t.Fatalf("frame=%v class=%q x=%v w=%v", frame, class, x, w)
			}
		})
	}
}

func TestBroadcasterSkipsEmptyAndSlowClients(t *testing.T) {
	db := NewDetectionBroadcaster()
	id, ch := db.Subscribe()

	db.ObserveCycle(pipeline.CycleReport{Seq: 1})
	select {
	case <-ch:
		t.Fatalf("empty cycle was broadcast")
	default:
	}

	for range 5 {
		db.ObserveCycle(cycleReport())
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffered = %d, want %d", len(ch), cap(ch))
	}

	db.Unsubscribe(id)
	db.Close()
	_, late := db.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after Close should yield a closed channel")
	}
}

func TestRecordingEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/recording/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start code = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "recording" || !strings.HasPrefix(fmt.Sprint(body["file"]), "recording_") {
		t.Fatalf("start body = %v", body)
	}

	if rec := doRequest(s, http.MethodPost, "/api/recording/start", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("double start code = %d", rec.Code)
	}
	if st := decodeBody(t, doRequest(s, http.MethodGet, "/api/recording/status", nil)); st["recording"] != true {
		t.Fatalf("status = %v", st)
	}

	rec = doRequest(s, http.MethodPost, "/api/recording/stop", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "stopped" {
		t.Fatalf("stop code = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(s, http.MethodPost, "/api/recording/stop", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("stop while idle code = %d", rec.Code)
	}
}

func TestRecordingUnavailable(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.Recorder = nil })
	if rec := doRequest(s, http.MethodPost, "/api/recording/start", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestWebRTCOffer(t *testing.T) {
	valid := []byte(`{"sdp":"v=0","type":"offer"}`)
	tests := []struct {
		name   string
		body   []byte
		rtc    *fakeWebRTC
		code   int
		offers int
	}{
		{"invalid json", []byte("nope"), &fakeWebRTC{}, http.StatusBadRequest, 0},
		{"missing type", []byte(`{"sdp":"v=0"}`), &fakeWebRTC{}, http.StatusBadRequest, 0},
		{"max clients", valid, &fakeWebRTC{err: fmt.Errorf("%w (1)", webrtc.ErrMaxClients)}, http.StatusServiceUnavailable, 1},
		{"negotiation error", valid, &fakeWebRTC{err: errors.New("boom")}, http.StatusInternalServerError, 1},
		{"answer", valid, &fakeWebRTC{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}, http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(o *Options) { o.WebRTC = tt.rtc })
			rec := doRequest(s, http.MethodPost, "/api/webrtc/offer", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if tt.rtc.offers != tt.offers {
				t.Fatalf("offers = %d, want %d", tt.rtc.offers, tt.offers)
			}
			if tt.code == http.StatusOK && decodeBody(t, rec)["type"] != "answer" {
				t.Fatalf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://viewer.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.opts.Metrics.FramesProcessed.Add(4)
	rec := doRequest(s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "detection_frames_processed_total 4") {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
}
