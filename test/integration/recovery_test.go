// ============================================================================
// fractiles session resume test
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Functionality: end-to-end session persistence
//
// TestSessionResume:
//   1. Navigate a session along a path and stop it
//   2. The last complete frame and its view are saved on stop
//   3. A new session reads the sidecar and re-renders the same view
//   4. The re-rendered pixels match the saved image exactly
//
// ============================================================================

package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fractiles/internal/controller"
	"github.com/ChuLiYu/fractiles/internal/snapshot"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

func TestSessionResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.png")

	// Phase 1: explore, then stop
	ctrl, err := controller.New(controller.Config{TileSize: 32, SnapshotPath: path}, nil)
	require.Error(t, err, "a session needs a compute function")

	ctrl = newController(t, controller.Config{TileSize: 32, SnapshotPath: path})
	params := types.DefaultParams()
	params.ColorScheme = "ocean"
	for i := 0; i < 5; i++ {
		ff, err := ctrl.Navigate(96, 64, params, types.FractalJulia)
		require.NoError(t, err)
		waitFrame(t, ff, 10*time.Second)
		params.CenterX += 0.05
		params.Zoom *= 1.2
	}
	ctrl.Stop()

	mgr, err := snapshot.NewManager(path)
	require.NoError(t, err)
	saved, err := mgr.Load()
	require.NoError(t, err)
	meta, err := mgr.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, types.FractalJulia, meta.Fractal)
	assert.Equal(t, "ocean", meta.Params.ColorScheme)

	// Phase 2: resume from the sidecar
	resumed := newController(t, controller.Config{TileSize: 32})
	ff, err := resumed.Navigate(meta.Width, meta.Height, meta.Params, meta.Fractal)
	require.NoError(t, err)
	frame := waitFrame(t, ff, 10*time.Second)

	img := frame.Buffer.Image()
	require.Equal(t, saved.Bounds(), img.Bounds())
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			wr, wg, wb, wa := saved.At(x, y).RGBA()
			gr, gg, gb, ga := img.At(x, y).RGBA()
			require.Equal(t, [4]uint32{wr, wg, wb, wa}, [4]uint32{gr, gg, gb, ga}, "pixel %d,%d", x, y)
		}
	}
}
