package annotate

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/alertmatrix/detection-service/internal/detection"
	"github.com/alertmatrix/detection-service/pkg/types"
)

var (
	ColorGunAlert   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	ColorKnifeAlert = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	ColorGunDim     = color.RGBA{R: 180, G: 0, B: 0, A: 255}
	ColorKnifeDim   = color.RGBA{R: 220, G: 140, B: 0, A: 255}
	ColorOther      = color.RGBA{R: 128, G: 128, B: 128, A: 255}

	colorWhite  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorStatus = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Style is how a single detection is drawn.
type Style struct {
	Color     color.RGBA
	Thickness int
	Banner    bool
}

// StyleFor picks the tiered style for a detection.
func StyleFor(d detection.Detection, alertThreshold float64) Style {
	high := d.Confidence >= alertThreshold
	switch d.Category() {
	case detection.CategoryGun:
		if high {
			return Style{Color: ColorGunAlert, Thickness: 3, Banner: true}
		}
		return Style{Color: ColorGunDim, Thickness: 2}
	case detection.CategoryKnife:
		if high {
			return Style{Color: ColorKnifeAlert, Thickness: 3, Banner: true}
		}
		return Style{Color: ColorKnifeDim, Thickness: 2}
	default:
		return Style{Color: ColorOther, Thickness: 1}
	}
}

// Summary reports what Annotate drew.
type Summary struct {
	Drawn   int
	Banners int
}

// Annotator draws detections onto frame copies. It only touches pixels.
type Annotator struct {
	DisplayThreshold float64
	AlertThreshold   float64
}

// New creates an Annotator.
func New(displayThreshold, alertThreshold float64) *Annotator {
	return &Annotator{DisplayThreshold: displayThreshold, AlertThreshold: alertThreshold}
}

// Annotate returns a new frame with detections, warning banners and the
// summary line drawn. The input frame is left untouched.
func (a *Annotator) Annotate(frame *types.Frame, dets []detection.Detection) (*types.Frame, Summary) {
	img := Clone(frame.Image)
	out := &types.Frame{
		Image:     img,
		Timestamp: frame.Timestamp,
		Seq:       frame.Seq,
		Width:     frame.Width,
		Height:    frame.Height,
	}

	var sum Summary
	for i, d := range dets {
		style := StyleFor(d, a.AlertThreshold)
		a.drawDetection(img, d, style)
		if style.Banner {
			warning := fmt.Sprintf("!! %s DETECTED! %.1f%%", strings.ToUpper(d.Category().String()), d.Confidence*100)
			DrawText(img, 10, 60+20*i, warning, style.Color)
			sum.Banners++
		}
		sum.Drawn++
	}

	summary := fmt.Sprintf("Detections: %d | Threshold: %.2f", sum.Drawn, a.DisplayThreshold)
	DrawText(img, 10, img.Bounds().Dy()-40, summary, colorWhite)

	return out, sum
}

func (a *Annotator) drawDetection(img *image.RGBA, d detection.Detection, style Style) {
	box := d.Box.Rect()
	StrokeRect(img, box, style.Color, style.Thickness)

	label := fmt.Sprintf("%s: %.2f%%", d.ClassName, d.Confidence*100)
	tw, th := TextSize(label)

	// Label sits above the box unless that would leave the frame.
	bg := image.Rect(box.Min.X, box.Min.Y-th-10, box.Min.X+tw, box.Min.Y)
	baseline := box.Min.Y - 5
	if bg.Min.Y < img.Bounds().Min.Y {
		bg = image.Rect(box.Min.X, box.Min.Y, box.Min.X+tw, box.Min.Y+th+10)
		baseline = box.Min.Y + th + 5
	}
	FillRect(img, bg, style.Color)
	DrawText(img, box.Min.X, baseline, label, colorWhite)

	FillCircle(img, d.Box.Center(), 3, style.Color)
}

// Status is the per-cycle overlay drawn by the pipeline.
type Status struct {
	Frame       uint64
	Alerts      uint64
	InferenceMs int64
	FPS         float64
}

// DrawStatus draws the pipeline status lines onto img in place.
func DrawStatus(img *image.RGBA, st Status) {
	h := img.Bounds().Dy()
	DrawText(img, 10, 30, fmt.Sprintf("Weapon Detection | Frame: %d | Alerts: %d", st.Frame, st.Alerts), colorStatus)
	DrawText(img, 10, h-20, fmt.Sprintf("Inference: %d ms | FPS: %.1f", st.InferenceMs, st.FPS), colorWhite)
}
