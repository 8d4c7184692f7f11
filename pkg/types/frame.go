package types

import (
	"image"
	"strings"
	"time"
)

// Frame is a captured or annotated video frame with metadata.
// Image must not be modified once the frame has been published.
type Frame struct {
	Image     *image.RGBA // Pixel data
	Timestamp time.Time   // Frame capture timestamp
	Seq       uint64      // Sequential frame number
	Width     int         // Frame width
	Height    int         // Frame height
}

// NewFrame wraps an image with capture metadata.
func NewFrame(img *image.RGBA, seq uint64, ts time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Timestamp: ts,
		Seq:       seq,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// Quality selects the JPEG encode quality for streamed frames.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityAuto   Quality = "auto"
)

// JPEGQuality maps a preset to an encoder quality. Unknown presets fall back to auto.
func (q Quality) JPEGQuality() int {
	switch q {
	case QualityLow:
		return 50
	case QualityMedium:
		return 70
	case QualityHigh:
		return 90
	default:
		return 85
	}
}

// ParseQuality normalizes a request parameter into a preset.
func ParseQuality(s string) Quality {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q
	default:
		return QualityAuto
	}
}

// CaptureHints are best-effort device settings applied on open.
type CaptureHints struct {
	Width  int
	Height int
	FPS    int
}
