package capture

import (
	"errors"
	"image"
	"image/color"
	"time"

	"github.com/alertmatrix/detection-service/pkg/types"
)

var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255}, // White
	{R: 255, G: 255, B: 0, A: 255},   // Yellow
	{R: 0, G: 255, B: 255, A: 255},   // Cyan
	{R: 0, G: 255, B: 0, A: 255},     // Green
	{R: 255, G: 0, B: 255, A: 255},   // Magenta
	{R: 255, G: 0, B: 0, A: 255},     // Red
	{R: 0, G: 0, B: 255, A: 255},     // Blue
	{R: 0, G: 0, B: 0, A: 255},       // Black
}

// TestPatternOpener produces scrolling color bars instead of camera frames.
// It lets the service run on hosts without a camera.
type TestPatternOpener struct{}

func (TestPatternOpener) Open(index int, hints types.CaptureHints) (Device, error) {
	w, h := hints.Width, hints.Height
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	var interval time.Duration
	if hints.FPS > 0 {
		interval = time.Second / time.Duration(hints.FPS)
	}
	return &testPattern{width: w, height: h, interval: interval}, nil
}

type testPattern struct {
	width, height int
	interval      time.Duration
	offset        int
	last          time.Time
	closed        bool
}

func (p *testPattern) Read() (*image.RGBA, error) {
	if p.closed {
		return nil, errors.New("test pattern closed")
	}
	if p.interval > 0 && !p.last.IsZero() {
		if wait := p.interval - time.Since(p.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	p.last = time.Now()

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	barWidth := p.width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := range p.height {
		for x := range p.width {
			idx := ((x + p.offset) / barWidth) % len(barColors)
			img.SetRGBA(x, y, barColors[idx])
		}
	}
	p.offset = (p.offset + 4) % p.width
	return img, nil
}

func (p *testPattern) Close() error {
	p.closed = true
	return nil
}
