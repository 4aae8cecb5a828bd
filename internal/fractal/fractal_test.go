package fractal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

func request(f types.Fractal, x, y, w, h, cw, ch int) worker.Request {
	return worker.Request{
		ID: "t", X: x, Y: y, Width: w, Height: h,
		CanvasWidth: cw, CanvasHeight: ch,
		Params:  types.DefaultParams(),
		Fractal: f,
	}
}

func TestComputeFieldSize(t *testing.T) {
	field, err := Compute(context.Background(), request(types.FractalMandelbrot, 0, 0, 7, 3, 7, 3))
	require.NoError(t, err)
	assert.Equal(t, 7, field.Width)
	assert.Equal(t, 3, field.Height)
	assert.Len(t, field.Values, 21)
}

func TestMandelbrotOriginIsInSet(t *testing.T) {
	// 1x1 canvas centered on the origin
	req := request(types.FractalMandelbrot, 0, 0, 1, 1, 1, 1)
	req.Params.CenterX = 0
	field, err := Compute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1.0, field.Values[0])
}

func TestFarPointEscapes(t *testing.T) {
	req := request(types.FractalMandelbrot, 0, 0, 1, 1, 1, 1)
	req.Params.CenterX = 3
	req.Params.CenterY = 3
	field, err := Compute(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, field.Values[0], 1.0)
	assert.GreaterOrEqual(t, field.Values[0], 0.0)
}

func TestTileMatchesWholeCanvas(t *testing.T) {
	whole, err := Compute(context.Background(), request(types.FractalBurningShip, 0, 0, 16, 12, 16, 12))
	require.NoError(t, err)
	tile, err := Compute(context.Background(), request(types.FractalBurningShip, 8, 4, 8, 8, 16, 12))
	require.NoError(t, err)

	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			assert.Equal(t, whole.At(8+col, 4+row), tile.At(col, row))
		}
	}
}

func TestDeterministic(t *testing.T) {
	for _, f := range []types.Fractal{types.FractalMandelbrot, types.FractalJulia, types.FractalBurningShip, types.FractalTricorn} {
		a, err := Compute(context.Background(), request(f, 0, 0, 10, 10, 10, 10))
		require.NoError(t, err)
		b, err := Compute(context.Background(), request(f, 0, 0, 10, 10, 10, 10))
		require.NoError(t, err)
		assert.Equal(t, a.Values, b.Values, "fractal %s", f)
	}
}

func TestComputeErrors(t *testing.T) {
	_, err := Compute(context.Background(), request("sierpinski", 0, 0, 2, 2, 2, 2))
	assert.Error(t, err)

	_, err = Compute(context.Background(), request(types.FractalMandelbrot, 0, 0, 0, 2, 2, 2))
	assert.Error(t, err)

	bad := request(types.FractalMandelbrot, 0, 0, 2, 2, 2, 2)
	bad.Params.Zoom = 0
	_, err = Compute(context.Background(), bad)
	assert.Error(t, err)
}

func TestComputeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, request(types.FractalMandelbrot, 0, 0, 4, 4, 4, 4))
	assert.ErrorIs(t, err, context.Canceled)
}
