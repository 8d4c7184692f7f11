package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/alertmatrix/detection-service/pkg/types"
)

// Detector runs object detection on a single frame.
type Detector interface {
	Infer(ctx context.Context, frame *types.Frame) (RawResult, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, frame *types.Frame) (RawResult, error)

func (f Func) Infer(ctx context.Context, frame *types.Frame) (RawResult, error) {
	return f(ctx, frame)
}

// Static returns the same result for every frame.
type Static struct {
	Result RawResult
}

func (s Static) Infer(ctx context.Context, frame *types.Frame) (RawResult, error) {
	if s.Result == nil {
		return Batch{}, nil
	}
	return s.Result, nil
}

const maxResponseBytes = 4 << 20

// HTTPDetector posts JPEG frames to an inference sidecar and decodes its
// JSON reply with DecodeResult.
type HTTPDetector struct {
	url     string
	client  *http.Client
	quality int
}

// NewHTTPDetector creates a detector client for url.
func NewHTTPDetector(url string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		quality: 90,
	}
}

func (d *HTTPDetector) Infer(ctx context.Context, frame *types.Frame) (RawResult, error) {
	if frame == nil || frame.Image == nil {
		return nil, errors.New("nil frame")
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame.Image, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("encode frame for inference: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference returned %s", resp.Status)
	}
	return DecodeResult(data)
}
