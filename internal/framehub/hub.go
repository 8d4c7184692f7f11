// Package framehub holds the latest annotated frame and serves encoded copies
// of it to any number of streaming consumers.
package framehub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"iter"
	"sync"
	"time"

	"github.com/alertmatrix/detection-service/internal/annotate"
	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/internal/metrics"
	"github.com/alertmatrix/detection-service/pkg/types"
)

// ErrEncode is returned when a frame cannot be JPEG encoded.
var ErrEncode = errors.New("frame encode failed")

const (
	placeholderWidth  = 640
	placeholderHeight = 480
)

type cachedJPEG struct {
	version uint64
	data    []byte
}

// Hub is a single-slot frame buffer. Publish overwrites the slot; consumers
// poll it at their own pace. No history is kept.
type Hub struct {
	interval time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	latest  *types.Frame
	version uint64
	cache   map[types.Quality]cachedJPEG
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics counts encode errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates a hub whose subscribers poll every interval.
func New(interval time.Duration, opts ...Option) *Hub {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	h := &Hub{
		interval: interval,
		cache:    make(map[types.Quality]cachedJPEG),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stores f as the latest frame and returns its version. The hub takes
// ownership: the caller must not modify f afterwards.
func (h *Hub) Publish(f *types.Frame) uint64 {
	if f == nil || f.Image == nil {
		return h.Version()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = f
	h.version++
	clear(h.cache)
	if h.metrics != nil {
		h.metrics.FramesPublished.Add(1)
	}
	return h.version
}

// Latest returns the stored frame and its version. Version 0 means nothing
// has been published yet.
func (h *Hub) Latest() (*types.Frame, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.version
}

// Version returns the current frame version.
func (h *Hub) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Interval returns the subscriber polling interval.
func (h *Hub) Interval() time.Duration { return h.interval }

// Encode returns the latest frame as JPEG at the given quality, or an encoded
// placeholder when no frame exists yet.
func (h *Hub) Encode(q types.Quality) ([]byte, uint64, error) {
	h.mu.Lock()
	frame, version := h.latest, h.version
	if c, ok := h.cache[q]; ok && c.version == version && frame != nil {
		h.mu.Unlock()
		return c.data, version, nil
	}
	h.mu.Unlock()

	var img image.Image
	if frame == nil {
		img = Placeholder(time.Now())
	} else {
		img = frame.Image
	}

	data, err := encodeJPEG(img, q.JPEGQuality())
	if err != nil {
		if h.metrics != nil {
			h.metrics.EncodeErrors.Add(1)
		}
		return nil, version, err
	}

	if frame != nil {
		h.mu.Lock()
		if h.version == version {
			h.cache[q] = cachedJPEG{version: version, data: data}
		}
		h.mu.Unlock()
	}
	return data, version, nil
}

// Snapshot returns one encoded frame.
func (h *Hub) Snapshot(q types.Quality) ([]byte, error) {
	data, _, err := h.Encode(q)
	return data, err
}

// Subscribe returns an endless sequence of encoded frames paced by the hub
// interval. It ends when ctx is done or the consumer stops iterating. A frame
// that fails to encode is skipped.
func (h *Hub) Subscribe(ctx context.Context, q types.Quality) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			data, version, err := h.Encode(q)
			if err != nil {
				logger.Warn("FrameHub", "Skipping frame %d: %v", version, err)
			} else if !yield(data) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Placeholder renders the frame shown before the camera delivers anything.
func Placeholder(now time.Time) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	annotate.FillRect(img, img.Bounds(), color.RGBA{A: 255})

	gray := color.RGBA{R: 160, G: 160, B: 160, A: 255}
	lines := []string{
		"AlertMatrix Video Stream",
		"Camera Not Available",
		"Please check camera connection",
		now.Format("2006-01-02 15:04:05"),
	}
	y := placeholderHeight/2 - 60
	for _, line := range lines {
		w, _ := annotate.TextSize(line)
		annotate.DrawText(img, (placeholderWidth-w)/2, y, line, gray)
		y += 40
	}
	return img
}
