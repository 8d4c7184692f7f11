// Package gocvcam opens cameras through OpenCV.
package gocvcam

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"

	"github.com/alertmatrix/detection-service/internal/capture"
	"github.com/alertmatrix/detection-service/internal/logger"
	"github.com/alertmatrix/detection-service/pkg/types"
)

// Opener implements capture.Opener with gocv.VideoCapture.
type Opener struct{}

var _ capture.Opener = Opener{}

func (Opener) Open(index int, hints types.CaptureHints) (capture.Device, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", index, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("video capture %d did not open", index)
	}

	// Hints only; many drivers ignore some of them.
	if hints.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(hints.Width))
	}
	if hints.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(hints.Height))
	}
	if hints.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(hints.FPS))
	}
	logger.Debug("Capture", "Device %d reports %.0fx%.0f @ %.0ffps", index,
		vc.Get(gocv.VideoCaptureFrameWidth),
		vc.Get(gocv.VideoCaptureFrameHeight),
		vc.Get(gocv.VideoCaptureFPS))

	return &device{vc: vc, mat: gocv.NewMat()}, nil
}

type device struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (d *device) Read() (*image.RGBA, error) {
	if ok := d.vc.Read(&d.mat); !ok {
		return nil, errors.New("video capture read returned no frame")
	}
	if d.mat.Empty() {
		return nil, errors.New("video capture returned an empty frame")
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

func (d *device) Close() error {
	_ = d.mat.Close()
	return d.vc.Close()
}
