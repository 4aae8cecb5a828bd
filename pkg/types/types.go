// Package types defines the core domain model shared by the fractiles packages
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TaskID uniquely identifies a unit of work (a tile id or a view key)
type TaskID string

// Priority orders queued work. Lower values are more urgent.
type Priority int

// Priority classes
const (
	PriorityForeground Priority = 0  // user-visible render tiles
	PriorityBackground Priority = 10 // speculative work; closer predictions add a small offset
)

// Fractal selects the scalar-field function a worker evaluates
type Fractal string

// Supported fractal selectors
const (
	FractalMandelbrot  Fractal = "mandelbrot"
	FractalJulia       Fractal = "julia"
	FractalBurningShip Fractal = "burning_ship"
	FractalTricorn     Fractal = "tricorn"
)

// ParseFractal validates a selector name
func ParseFractal(s string) (Fractal, error) {
	switch f := Fractal(strings.ToLower(strings.TrimSpace(s))); f {
	case FractalMandelbrot, FractalJulia, FractalBurningShip, FractalTricorn:
		return f, nil
	case "":
		return FractalMandelbrot, nil
	default:
		return "", fmt.Errorf("unknown fractal %q", s)
	}
}

// Params is the parameter payload of a view. The worker pool treats it as opaque.
type Params struct {
	CenterX       float64 `json:"center_x" yaml:"center_x"`             // pan offset, real axis
	CenterY       float64 `json:"center_y" yaml:"center_y"`             // pan offset, imaginary axis
	Zoom          float64 `json:"zoom" yaml:"zoom"`                     // magnification, 1 shows the whole set
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations"` // escape-time iteration cap
	ColorScheme   string  `json:"color_scheme" yaml:"color_scheme"`     // palette selector
	JuliaCX       float64 `json:"julia_cx,omitempty" yaml:"julia_cx"`   // Julia constant, real part
	JuliaCY       float64 `json:"julia_cy,omitempty" yaml:"julia_cy"`   // Julia constant, imaginary part
}

// DefaultParams returns the initial full-set view
func DefaultParams() Params {
	return Params{
		CenterX:       -0.5,
		Zoom:          1,
		MaxIterations: 256,
		ColorScheme:   "classic",
		JuliaCX:       -0.8,
		JuliaCY:       0.156,
	}
}

// Validate reports parameter values no compute function can work with
func (p Params) Validate() error {
	if !(p.Zoom > 0) || math.IsInf(p.Zoom, 0) {
		return fmt.Errorf("zoom must be positive and finite, got %v", p.Zoom)
	}
	if p.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", p.MaxIterations)
	}
	if math.IsNaN(p.CenterX) || math.IsNaN(p.CenterY) {
		return fmt.Errorf("center must not be NaN")
	}
	return nil
}

// ViewKey builds the canonical key of a view.
//
// Zoom keeps six significant digits. Offsets keep 6+log10(zoom) decimals,
// clamped to [6, 15], so the quantum shrinks as the view zooms in and
// floating-point noise below it never produces a distinct key.
func ViewKey(fractal Fractal, p Params) string {
	decimals := 6
	if p.Zoom > 0 {
		decimals += int(math.Floor(math.Log10(p.Zoom)))
	}
	decimals = min(max(decimals, 6), 15)

	var b strings.Builder
	b.WriteString(string(fractal))
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(p.Zoom, 'g', 6, 64))
	b.WriteByte(':')
	b.WriteString(formatOffset(p.CenterX, decimals))
	b.WriteByte(':')
	b.WriteString(formatOffset(p.CenterY, decimals))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(p.MaxIterations))
	b.WriteByte(':')
	b.WriteString(p.ColorScheme)
	if fractal == FractalJulia {
		b.WriteByte(':')
		b.WriteString(formatOffset(p.JuliaCX, 6))
		b.WriteByte(',')
		b.WriteString(formatOffset(p.JuliaCY, 6))
	}
	return b.String()
}

func formatOffset(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	// -0.000000 and 0.000000 are the same view
	if strings.Trim(s, "-0.") == "" {
		return strconv.FormatFloat(0, 'f', decimals, 64)
	}
	return s
}

// ScalarField holds one sample per pixel in row-major order.
// Values are typically in [0,1]; values >= 1 mark members of the set.
type ScalarField struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

// NewScalarField allocates a zeroed field
func NewScalarField(width, height int) ScalarField {
	return ScalarField{Width: width, Height: height, Values: make([]float64, width*height)}
}

// At returns the sample at (x, y)
func (f ScalarField) At(x, y int) float64 {
	return f.Values[y*f.Width+x]
}
