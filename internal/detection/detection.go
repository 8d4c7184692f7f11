package detection

import (
	"image"
	"math"
	"strings"
)

// Box is a bounding box in pixel coordinates with X1<X2 and Y1<Y2.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Rect rounds the box to an integer rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(b.X1)), int(math.Round(b.Y1)),
		int(math.Round(b.X2)), int(math.Round(b.Y2)),
	)
}

// Center returns the integer center point.
func (b Box) Center() image.Point {
	return image.Pt(int((b.X1+b.X2)/2), int((b.Y1+b.Y2)/2))
}

// Detection is one object reported by the detector.
type Detection struct {
	ClassName  string  `json:"class_name"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"bbox"`
}

// Category groups class names for styling and alerting.
type Category int

const (
	CategoryOther Category = iota
	CategoryGun
	CategoryKnife
)

// String returns the alert detection type ("gun", "knife") or "other".
func (c Category) String() string {
	switch c {
	case CategoryGun:
		return "gun"
	case CategoryKnife:
		return "knife"
	default:
		return "other"
	}
}

// Weapon reports whether the category can raise alerts.
func (c Category) Weapon() bool {
	return c == CategoryGun || c == CategoryKnife
}

// Classify maps a model class name onto a category. "gun" also covers
// "guns" and "handgun"; "knife" and "knives" map to CategoryKnife.
func Classify(className string) Category {
	name := strings.ToLower(className)
	switch {
	case strings.Contains(name, "gun"):
		return CategoryGun
	case strings.Contains(name, "knife"), strings.Contains(name, "knives"):
		return CategoryKnife
	default:
		return CategoryOther
	}
}

// Category classifies the detection's class name.
func (d Detection) Category() Category {
	return Classify(d.ClassName)
}
