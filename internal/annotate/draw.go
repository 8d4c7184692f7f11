package annotate

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var face font.Face = basicfont.Face7x13

// TextSize returns the width and height in pixels of s in the overlay font.
func TextSize(s string) (int, int) {
	return font.MeasureString(face, s).Ceil(), face.Metrics().Height.Ceil()
}

// DrawText draws s with its baseline starting at (x, y).
func DrawText(img draw.Image, x, y int, s string, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// FillRect fills r, clipped to the image.
func FillRect(img draw.Image, r image.Rectangle, col color.Color) {
	draw.Draw(img, r, image.NewUniform(col), image.Point{}, draw.Src)
}

// StrokeRect draws the outline of r growing inward by thickness pixels.
func StrokeRect(img draw.Image, r image.Rectangle, col color.Color, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	r = r.Canon()
	t := thickness
	FillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), col) // top
	FillRect(img, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), col) // bottom
	FillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), col) // left
	FillRect(img, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), col) // right
}

// FillCircle draws a filled disc.
func FillCircle(img *image.RGBA, c image.Point, radius int, col color.RGBA) {
	b := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			p := image.Pt(c.X+dx, c.Y+dy)
			if p.In(b) {
				img.SetRGBA(p.X, p.Y, col)
			}
		}
	}
}

// Clone copies src into a new buffer with the same bounds.
func Clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	if src.Stride == dst.Stride && len(src.Pix) == len(dst.Pix) {
		copy(dst.Pix, src.Pix)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}
