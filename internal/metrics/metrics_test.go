package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.AlertsSent.Add(3)
	m.FramesProcessed.Add(42)
	m.StreamClients.Add(2)
	m.UpdateInferenceLatency(120 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"detection_alerts_sent_total 3",
		"detection_frames_processed_total 42",
		"detection_stream_clients 2",
		"detection_inference_latency_ms 120",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestUpdateRecording(t *testing.T) {
	m := New()
	m.UpdateRecording(true, 1024, 10)
	if m.RecordingActive.Load() != 1 || m.RecordingBytes.Load() != 1024 || m.RecordingFrames.Load() != 10 {
		t.Fatalf("recording gauges not updated")
	}
	m.UpdateRecording(false, 0, 0)
	if m.RecordingActive.Load() != 0 {
		t.Fatalf("recording should be inactive")
	}
}
