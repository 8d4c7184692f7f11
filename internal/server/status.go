package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// formatUptime renders d as HH:MM:SS. Hours keep counting past 24.
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

func (s *Server) statusPayload(now time.Time) gin.H {
	snap := s.opts.Pipeline.Snapshot()

	status := "inactive"
	if snap.Running && snap.CameraActive {
		status = "active"
	}

	payload := gin.H{
		"status":               status,
		"camera_id":            s.opts.CameraID,
		"detection_count":      snap.AlertsSent,
		"confidence_threshold": s.opts.DisplayThreshold,
		"alert_threshold":      s.opts.AlertThreshold,
		"cooldown_seconds":     s.opts.Cooldown.Seconds(),
		"frames_processed":     snap.FramesProcessed,
		"total_detections":     snap.TotalDetections,
		"alerts_failed":        snap.AlertsFailed,
		"alerts_suppressed":    snap.AlertsSuppressed,
		"alerts_dropped":       snap.AlertsDropped,
		"inference_errors":     snap.InferenceErrors,
		"last_inference_ms":    snap.LastInferenceMs,
		"fps":                  snap.FPS,
		"uptime":               formatUptime(snap.Uptime(now)),
		"camera_index":         snap.CameraIndex,
		"camera_active":        snap.CameraActive,
		"streaming":            snap.Running,
		"timestamp":            now.Format(time.RFC3339),
	}
	if s.opts.WebRTC != nil {
		payload["webrtc_clients"] = s.opts.WebRTC.ClientCount()
	}
	if s.opts.Recorder != nil {
		payload["recording"] = s.opts.Recorder.Status().Recording
	}
	if m := s.opts.Metrics; m != nil {
		payload["stream_clients"] = m.StreamClients.Load()
	}
	return payload
}
