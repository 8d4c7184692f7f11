package alert

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/alertmatrix/detection-service/internal/detection"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event is one alert, owned by the worker until its dispatch resolves.
type Event struct {
	ID            string
	CameraID      string
	DetectionType string
	ClassName     string
	Confidence    float64
	Timestamp     time.Time
	Image         []byte // JPEG, optional
	ImageURL      string // set once the still is archived
}

// NewEvent builds an event for a weapon detection.
func NewEvent(cameraID string, d detection.Detection, at time.Time, jpegData []byte) Event {
	return Event{
		ID:            uuid.NewString(),
		CameraID:      cameraID,
		DetectionType: d.Category().String(),
		ClassName:     d.ClassName,
		Confidence:    d.Confidence,
		Timestamp:     at,
		Image:         jpegData,
	}
}

// Payload is the JSON body of POST /api/alert.
type Payload struct {
	CameraID      string  `json:"camera_id"`
	Timestamp     string  `json:"timestamp"`
	Confidence    float64 `json:"confidence"`
	DetectionType string  `json:"detection_type"`
	ImageBase64   string  `json:"image_base64,omitempty"`
	ImageURL      string  `json:"image_url,omitempty"`
}

// Payload renders the event for the backend. The still is sent as a data URI.
func (e Event) Payload() Payload {
	p := Payload{
		CameraID:      e.CameraID,
		Timestamp:     e.Timestamp.Format(timestampLayout),
		Confidence:    e.Confidence,
		DetectionType: e.DetectionType,
		ImageURL:      e.ImageURL,
	}
	if len(e.Image) > 0 {
		p.ImageBase64 = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(e.Image)
	}
	return p
}

// RegisterRequest is the JSON body of POST /api/camera/register.
type RegisterRequest struct {
	CameraID    string `json:"cameraId"`
	Description string `json:"description"`
}
