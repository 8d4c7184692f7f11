// Package natsbus mirrors accepted alerts and a pipeline heartbeat to NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alertmatrix/detection-service/internal/alert"
	"github.com/alertmatrix/detection-service/internal/logger"
)

var hostname = os.Hostname

// publisher is the part of *nats.Conn the bus needs.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// AlertMessage is the mirrored alert.
type AlertMessage struct {
	ID            string    `json:"id"`
	CameraID      string    `json:"camera_id"`
	DetectionType string    `json:"detection_type"`
	ClassName     string    `json:"class_name"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
	ImageURL      string    `json:"image_url,omitempty"`
}

// Heartbeat reports that the producer loop is alive.
type Heartbeat struct {
	CameraID        string        `json:"camera_id"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Interval        time.Duration `json:"interval"`
	FramesProcessed uint64        `json:"frames_processed"`
	CameraActive    bool          `json:"camera_active"`
	Host            string        `json:"host,omitempty"`
}

// Validate ensures required fields are present.
func (h Heartbeat) Validate() error {
	if h.CameraID == "" {
		return errors.New("camera_id is required")
	}
	if h.GeneratedAt.IsZero() {
		return errors.New("generated_at is required")
	}
	if h.Interval <= 0 {
		return fmt.Errorf("interval must be >0, got %s", h.Interval)
	}
	return nil
}

// Bus publishes under a subject prefix.
type Bus struct {
	pub      publisher
	prefix   string
	cameraID string
}

// New creates a bus. pub is usually a *nats.Conn.
func New(pub publisher, prefix, cameraID string) *Bus {
	return &Bus{
		pub:      pub,
		prefix:   strings.TrimSuffix(prefix, "."),
		cameraID: cameraID,
	}
}

// PublishAlert mirrors an accepted alert to <prefix>.alerts.<camera>.<type>.
func (b *Bus) PublishAlert(ctx context.Context, e alert.Event) error {
	msg := AlertMessage{
		ID:            e.ID,
		CameraID:      e.CameraID,
		DetectionType: e.DetectionType,
		ClassName:     e.ClassName,
		Confidence:    e.Confidence,
		Timestamp:     e.Timestamp.UTC(),
		ImageURL:      e.ImageURL,
	}
	return b.publish(ctx, b.subject("alerts", token(e.CameraID), token(e.DetectionType)), msg)
}

// PublishHeartbeat sends one heartbeat to <prefix>.heartbeat.<camera>.
func (b *Bus) PublishHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.CameraID == "" {
		hb.CameraID = b.cameraID
	}
	if hb.GeneratedAt.IsZero() {
		hb.GeneratedAt = time.Now().UTC()
	}
	hb = applyHostDefault(hb)
	if err := hb.Validate(); err != nil {
		return err
	}
	return b.publish(ctx, b.subject("heartbeat", token(hb.CameraID)), hb)
}

// HeartbeatStatus supplies the live fields of each heartbeat.
type HeartbeatStatus func() (framesProcessed uint64, cameraActive bool)

// RunHeartbeat publishes a heartbeat every interval until ctx is done.
func (b *Bus) RunHeartbeat(ctx context.Context, interval time.Duration, status HeartbeatStatus) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frames, active := status()
		hb := Heartbeat{
			CameraID:        b.cameraID,
			GeneratedAt:     time.Now().UTC(),
			Interval:        interval,
			FramesProcessed: frames,
			CameraActive:    active,
		}
		if err := b.PublishHeartbeat(ctx, hb); err != nil {
			logger.Warn("NATS", "Heartbeat publish failed: %v", err)
		} else {
			logger.Debug("NATS", "Heartbeat published (frames=%d active=%v)", frames, active)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bus) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.pub.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  headersFrom(ctx),
	})
}

func (b *Bus) subject(parts ...string) string {
	s := strings.Join(parts, ".")
	if b.prefix == "" {
		return s
	}
	return b.prefix + "." + s
}

// token makes s safe as a single subject token.
func token(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	if s = r.Replace(s); s == "" {
		return "unknown"
	}
	return s
}

func applyHostDefault(hb Heartbeat) Heartbeat {
	if hb.Host != "" {
		return hb
	}
	if host, err := hostname(); err == nil && host != "" {
		hb.Host = host
	}
	return hb
}

func headersFrom(ctx context.Context) nats.Header {
	headers := nats.Header{}
	if ctx == nil {
		return headers
	}
	if deadline, ok := ctx.Deadline(); ok {
		headers.Set("Deadline", deadline.UTC().Format(time.RFC3339Nano))
	}
	return headers
}

// Connect dials NATS, retrying with exponential backoff until ctx is done.
func Connect(ctx context.Context, url string) (*nats.Conn, error) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		nc, err := nats.Connect(
			url,
			nats.Name("detection-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.RetryOnFailedConnect(true),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("NATS", "Disconnected: %v", err)
					return
				}
				logger.Warn("NATS", "Disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS", "Reconnected to %s", nc.ConnectedUrl())
			}),
			nats.ClosedHandler(func(_ *nats.Conn) {
				logger.Info("NATS", "Connection closed")
			}),
		)
		if err == nil {
			return nc, nil
		}

		logger.Error("NATS", "Connect failed: %v (retry in %s)", err, backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}
