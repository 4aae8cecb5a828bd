package snapshot

// ============================================================================
// Snapshot Manager tests
// Covers atomic writes, round trips per format, sidecar versioning and errors
// ============================================================================

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 200, A: 255})
		}
	}
	return img
}

func assertSameImage(t *testing.T, want image.Image, got image.Image) {
	t.Helper()
	require.Equal(t, want.Bounds(), got.Bounds())
	b := want.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			wr, wg, wb, wa := want.At(x, y).RGBA()
			gr, gg, gb, ga := got.At(x, y).RGBA()
			require.Equal(t, [4]uint32{wr, wg, wb, wa}, [4]uint32{gr, gg, gb, ga}, "pixel %d,%d", x, y)
		}
	}
}

// ============================================================================
// Basic tests
// ============================================================================

// TestNewManager tests format selection by extension
func TestNewManager(t *testing.T) {
	cases := map[string]Format{
		"a.png":  FormatPNG,
		"b.BMP":  FormatBMP,
		"c.tif":  FormatTIFF,
		"d.tiff": FormatTIFF,
	}
	for path, want := range cases {
		m, err := NewManager(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, m.Format())
		assert.Equal(t, path, m.Path())
	}

	_, err := NewManager("frame.jpg")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

// TestWriteAndLoad tests a lossless round trip in every format
func TestWriteAndLoad(t *testing.T) {
	img := testImage(12, 9)
	for _, name := range []string{"frame.png", "frame.bmp", "frame.tiff"} {
		t.Run(name, func(t *testing.T) {
			m, err := NewManager(filepath.Join(t.TempDir(), name))
			require.NoError(t, err)

			require.NoError(t, m.Write(img, nil))
			assert.True(t, m.Exists())

			got, err := m.Load()
			require.NoError(t, err)
			assertSameImage(t, img, got)
		})
	}
}

// TestAtomicWrite tests that no temp file is left and the target is replaced
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "frame.png"))
	require.NoError(t, err)

	require.NoError(t, m.Write(testImage(4, 4), nil))
	require.NoError(t, m.Write(testImage(6, 2), nil))

	_, err = os.Stat(m.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 2), got.Bounds())
}

// TestMetadataRoundTrip tests the JSON sidecar
func TestMetadataRoundTrip(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "frame.png"))
	require.NoError(t, err)

	params := types.DefaultParams()
	meta := &Metadata{
		Fractal:    types.FractalJulia,
		Params:     params,
		ViewKey:    types.ViewKey(types.FractalJulia, params),
		Width:      4,
		Height:     4,
		Generation: 7,
	}
	require.NoError(t, m.Write(testImage(4, 4), meta))

	got, err := m.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.SchemaVer)
	assert.Equal(t, meta.ViewKey, got.ViewKey)
	assert.Equal(t, params, got.Params)
	assert.Equal(t, uint64(7), got.Generation)
	assert.False(t, got.CreatedAt.IsZero())
}

// TestWriteEncoded tests storing bytes produced elsewhere
func TestWriteEncoded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testImage(5, 3), FormatBMP))

	m, err := NewManager(filepath.Join(t.TempDir(), "remote.bmp"))
	require.NoError(t, err)
	require.NoError(t, m.WriteEncoded(buf.Bytes()))

	got, err := m.Load()
	require.NoError(t, err)
	assertSameImage(t, testImage(5, 3), got)
}

// ============================================================================
// Error tests
// ============================================================================

// TestNotFound tests loading before the first write
func TestNotFound(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "missing.bmp"))
	require.NoError(t, err)

	_, err = m.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	_, err = m.LoadMetadata()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.False(t, m.Exists())
}

// TestVersionMismatch tests sidecar schema validation
func TestVersionMismatch(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "frame.png"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.MetadataPath(), []byte(`{"schema_ver": 99}`), 0644))

	_, err = m.LoadMetadata()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted tests garbage image and sidecar files
func TestCorrupted(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "frame.tif"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Path(), []byte("not an image"), 0644))
	require.NoError(t, os.WriteFile(m.MetadataPath(), []byte("{broken"), 0644))

	_, err = m.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
	_, err = m.LoadMetadata()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure tests writing into a missing directory
func TestWriteFailure(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "no", "such", "dir", "frame.png"))
	require.NoError(t, err)
	assert.Error(t, m.Write(testImage(2, 2), nil))
}

// TestEncodeUnsupported tests the format guard
func TestEncodeUnsupported(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Encode(&buf, testImage(1, 1), "gif"), ErrUnsupportedFormat)
	_, err := Decode(&buf, "gif")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

// ============================================================================
// Concurrency tests
// ============================================================================

// TestConcurrentWrites tests that concurrent writers always leave a decodable file
func TestConcurrentWrites(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "frame.png"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, m.Write(testImage(n, n), nil))
		}(i)
	}
	wg.Wait()

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, got.Bounds().Dx(), got.Bounds().Dy())
}

// ============================================================================
// Benchmarks
// ============================================================================

// BenchmarkEncodePNG measures encoding a full frame
func BenchmarkEncodePNG(b *testing.B) {
	img := testImage(256, 256)
	var buf bytes.Buffer
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_ = Encode(&buf, img, FormatPNG)
	}
}
