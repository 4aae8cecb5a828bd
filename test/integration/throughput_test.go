package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fractiles/internal/controller"
	"github.com/ChuLiYu/fractiles/internal/fractal"
	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

func BenchmarkThroughput(b *testing.B) {
	ctrl, err := controller.New(controller.Config{
		Pool:     worker.Config{MaxWorkers: 8},
		TileSize: 64,
	}, fractal.Compute)
	require.NoError(b, err)
	defer ctrl.Stop()
	ctrl.Predictor().SetEnabled(false)

	params := types.DefaultParams()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		params.CenterX = -0.5 + float64(i)*1e-3
		ff, err := ctrl.Navigate(256, 256, params, types.FractalMandelbrot)
		require.NoError(b, err)
		_, err = ff.Wait(context.Background())
		require.NoError(b, err)
	}
	b.StopTimer()
}
