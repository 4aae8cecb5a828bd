package renderer

import (
	"image"
	"math"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// InSetThreshold is the raw sample value at or above which a pixel is drawn black
const InSetThreshold = 1.0

// ColorFunc maps a normalized sample and a scheme name to RGB in [0,1]
type ColorFunc func(v float64, scheme string) (r, g, b float64)

// FrameBuffer is an RGBA byte buffer covering the whole canvas
type FrameBuffer struct {
	Width  int
	Height int
	Pix    []byte // 4 bytes per pixel, row-major
}

// NewFrameBuffer allocates a zeroed (transparent) buffer
func NewFrameBuffer(width, height int) *FrameBuffer {
	return &FrameBuffer{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}

// Image wraps the buffer without copying
func (fb *FrameBuffer) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    fb.Pix,
		Stride: fb.Width * 4,
		Rect:   image.Rect(0, 0, fb.Width, fb.Height),
	}
}

// RGBA returns the pixel at (x, y)
func (fb *FrameBuffer) RGBA(x, y int) (r, g, b, a uint8) {
	i := (y*fb.Width + x) * 4
	return fb.Pix[i], fb.Pix[i+1], fb.Pix[i+2], fb.Pix[i+3]
}

// paintTile writes a tile's field into its own rectangle of the buffer.
// Distinct tiles touch disjoint byte ranges, so concurrent calls need no lock.
func (fb *FrameBuffer) paintTile(t Tile, field types.ScalarField, scheme string, color ColorFunc) {
	for row := 0; row < t.Height; row++ {
		off := ((t.Y+row)*fb.Width + t.X) * 4
		line := fb.Pix[off : off+t.Width*4]
		src := field.Values[row*field.Width : row*field.Width+t.Width]
		for col, v := range src {
			colorize(line[col*4:col*4+4], v, scheme, color)
		}
	}
}

// colorize writes one RGBA pixel
func colorize(px []byte, v float64, scheme string, color ColorFunc) {
	if v >= InSetThreshold {
		px[0], px[1], px[2], px[3] = 0, 0, 0, 255
		return
	}
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Min(math.Max(v, 0), 1)
	r, g, b := color(v, scheme)
	px[0], px[1], px[2], px[3] = toByte(r), toByte(g), toByte(b), 255
}

func toByte(c float64) uint8 {
	if math.IsNaN(c) {
		return 0
	}
	return uint8(math.Round(math.Min(math.Max(c, 0), 1) * 255))
}
