// Package fractal is the escape-time scalar-field function run by pool workers.
//
// Each sample is the smoothed escape iteration divided by MaxIterations, kept
// strictly below 1; points that never escape are exactly 1.
package fractal

import (
	"context"
	"fmt"
	"math"

	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

const (
	// span of the shorter canvas axis in plane units at zoom 1
	baseSpan = 3.0
	// large bailout radius squared keeps the smoothing term well behaved
	bailout = 256.0
	// escaped samples never reach the in-set value
	maxEscaped = 1 - 1e-9
)

// Compute implements worker.ComputeFunc
func Compute(ctx context.Context, req worker.Request) (types.ScalarField, error) {
	if req.Width <= 0 || req.Height <= 0 {
		return types.ScalarField{}, fmt.Errorf("empty tile %dx%d", req.Width, req.Height)
	}
	if err := req.Params.Validate(); err != nil {
		return types.ScalarField{}, err
	}
	step, err := stepper(req.Fractal, req.Params)
	if err != nil {
		return types.ScalarField{}, err
	}

	cw, ch := req.CanvasWidth, req.CanvasHeight
	if cw <= 0 || ch <= 0 {
		cw, ch = req.Width, req.Height
	}
	scale := baseSpan / (req.Params.Zoom * float64(min(cw, ch)))
	halfW, halfH := float64(cw)/2, float64(ch)/2

	field := types.NewScalarField(req.Width, req.Height)
	maxIter := req.Params.MaxIterations
	for row := 0; row < req.Height; row++ {
		if err := ctx.Err(); err != nil {
			return types.ScalarField{}, err
		}
		y := req.Params.CenterY - (float64(req.Y+row)+0.5-halfH)*scale
		for col := 0; col < req.Width; col++ {
			x := req.Params.CenterX + (float64(req.X+col)+0.5-halfW)*scale
			field.Values[row*req.Width+col] = escape(step, complex(x, y), maxIter)
		}
	}
	return field, nil
}

// iteration maps a plane point to its starting z and the per-step update
type iteration struct {
	start func(p complex128) (z, c complex128)
	next  func(z, c complex128) complex128
}

func stepper(f types.Fractal, p types.Params) (iteration, error) {
	mandelStart := func(p complex128) (complex128, complex128) { return 0, p }

	switch f {
	case types.FractalMandelbrot, "":
		return iteration{
			start: mandelStart,
			next:  func(z, c complex128) complex128 { return z*z + c },
		}, nil
	case types.FractalJulia:
		k := complex(p.JuliaCX, p.JuliaCY)
		return iteration{
			start: func(p complex128) (complex128, complex128) { return p, k },
			next:  func(z, c complex128) complex128 { return z*z + c },
		}, nil
	case types.FractalBurningShip:
		return iteration{
			start: mandelStart,
			next: func(z, c complex128) complex128 {
				a := complex(math.Abs(real(z)), math.Abs(imag(z)))
				return a*a + c
			},
		}, nil
	case types.FractalTricorn:
		return iteration{
			start: mandelStart,
			next: func(z, c complex128) complex128 {
				zc := complex(real(z), -imag(z))
				return zc*zc + c
			},
		}, nil
	default:
		return iteration{}, fmt.Errorf("unknown fractal %q", f)
	}
}

func escape(it iteration, p complex128, maxIter int) float64 {
	z, c := it.start(p)
	for n := 0; n < maxIter; n++ {
		z = it.next(z, c)
		mag2 := real(z)*real(z) + imag(z)*imag(z)
		if mag2 > bailout {
			smooth := float64(n) + 1 - math.Log2(math.Log(mag2)/2)
			return math.Min(math.Max(smooth/float64(maxIter), 0), maxEscaped)
		}
	}
	return 1
}
