// Package annotate renders tracks and detections onto frames.
//
// Drawing is best effort: anything outside the image is clipped, nothing ever fails.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/LdDl/streamtrack/mot"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	// ColorTrack is used for tracks matched on the current frame
	ColorTrack = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	// ColorLostTrack is used for tracks kept alive without a match
	ColorLostTrack = color.RGBA{R: 0, G: 120, B: 0, A: 255}
	// ColorDetection is used for raw detections
	ColorDetection = color.RGBA{R: 0, G: 0, B: 255, A: 255}
)

const (
	labelOffset = 10
	// labelMinY keeps labels of boxes touching the top edge readable
	labelMinY = 15
)

// Boxes draws box and "ID n" label per track
type Boxes struct {
	// Thickness of box lines in pixels. Default is 2
	Thickness int
	// Trails draws centers of recent boxes of every track
	Trails bool
}

// NewBoxes creates annotator with default settings
func NewBoxes() *Boxes {
	return &Boxes{
		Thickness: 2,
	}
}

// Annotate draws tracks onto img in place
func (b *Boxes) Annotate(img *image.RGBA, tracks []*mot.Track) {
	if img == nil {
		return
	}
	thickness := b.Thickness
	if thickness <= 0 {
		thickness = 2
	}
	for _, track := range tracks {
		c := ColorTrack
		if track.GetMisses() > 0 {
			c = ColorLostTrack
		}
		rect := track.GetBBox().Rect()
		drawRect(img, rect, c, thickness)
		drawLabel(img, fmt.Sprintf("ID %d", track.GetID()), rect.Min, c)
		if b.Trails {
			for _, past := range track.GetHistory() {
				center := past.Center()
				dot := image.Rect(int(center.X)-1, int(center.Y)-1, int(center.X)+2, int(center.Y)+2)
				fillRect(img, dot, c)
			}
		}
	}
}

// Detections draws box and confidence label per detection onto img in place
func Detections(img *image.RGBA, detections []mot.Detection) {
	if img == nil {
		return
	}
	for _, detection := range detections {
		if !detection.GetBBox().Valid() {
			continue
		}
		rect := detection.GetBBox().Rect()
		drawRect(img, rect, ColorDetection, 2)
		drawLabel(img, fmt.Sprintf("%.2f", detection.Confidence), rect.Min, ColorDetection)
	}
}

// drawRect draws rectangle outline of given thickness, growing inwards
func drawRect(img *image.RGBA, rect image.Rectangle, c color.Color, thickness int) {
	rect = rect.Canon()
	if rect.Empty() {
		return
	}
	t := thickness
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), c)
	fillRect(img, image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), c)
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), c)
	fillRect(img, image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), c)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.Color) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	draw.Draw(img, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawLabel writes text above anchor, baseline never higher than labelMinY
func drawLabel(img *image.RGBA, text string, anchor image.Point, c color.Color) {
	y := int(math.Max(labelMinY, float64(anchor.Y-labelOffset)))
	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(anchor.X, y),
	}
	drawer.DrawString(text)
}
