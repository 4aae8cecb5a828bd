package snapshot

// ============================================================================
// Responsibilities:
// 1. Encode a rendered frame as PNG, BMP or TIFF, chosen by file extension
// 2. Write atomically (temp file + rename) so readers never see a torn image
// 3. Keep a JSON sidecar describing the view, with a schema version
// 4. Load both back, rejecting corrupted or incompatible files
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// SchemaVersion is the sidecar format version
const SchemaVersion = 1

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
	ErrUnsupportedFormat   = errors.New("unsupported image format")
)

// ============================================================================
// Types
// ============================================================================

// Format is an image encoding
type Format string

// Supported formats
const (
	FormatPNG  Format = "png"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

// ParseFormat parses a format name; "" means png
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "png":
		return FormatPNG, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// FormatFromPath picks the format from a file extension
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, path)
	}
	return ParseFormat(ext)
}

// Metadata describes the view a snapshot shows
type Metadata struct {
	SchemaVer  int           `json:"schema_ver"`
	Fractal    types.Fractal `json:"fractal"`
	Params     types.Params  `json:"params"`
	ViewKey    string        `json:"view_key"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Generation uint64        `json:"generation"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Manager writes and reads one snapshot path
type Manager struct {
	path   string
	format Format
	mu     sync.Mutex
}

// ============================================================================
// Manager
// ============================================================================

// NewManager creates a manager for path; the extension selects the format
func NewManager(path string) (*Manager, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, format: format}, nil
}

// Write atomically replaces the snapshot image and its sidecar.
//
// Flow:
// 1. Encode into <path>.tmp
// 2. os.Rename over the target
// 3. Same for <path>.json when meta is non-nil
func (m *Manager) Write(img image.Image, meta *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := writeAtomic(m.path, func(w io.Writer) error {
		return Encode(w, img, m.format)
	})
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	meta.SchemaVer = SchemaVersion
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	jsonBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}
	return writeAtomic(m.MetadataPath(), func(w io.Writer) error {
		_, err := w.Write(jsonBytes)
		return err
	})
}

// WriteEncoded atomically replaces the snapshot image with already encoded bytes
func (m *Manager) WriteEncoded(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return writeAtomic(m.path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Load decodes the snapshot image
func (m *Manager) Load() (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	img, err := Decode(f, m.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return img, nil
}

// LoadMetadata reads the sidecar and validates its schema version
func (m *Manager) LoadMetadata() (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var meta Metadata
	jsonBytes, err := os.ReadFile(m.MetadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return meta, ErrSnapshotNotFound
		}
		return meta, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &meta); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if meta.SchemaVer != SchemaVersion {
		return meta, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, meta.SchemaVer, SchemaVersion)
	}
	return meta, nil
}

// Exists reports whether the snapshot image exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the image path
func (m *Manager) Path() string {
	return m.path
}

// MetadataPath returns the sidecar path
func (m *Manager) MetadataPath() string {
	return m.path + ".json"
}

// Format returns the image encoding
func (m *Manager) Format() Format {
	return m.format
}

// ============================================================================
// Encoding
// ============================================================================

// Encode writes img to w in format
func Encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatBMP:
		return bmp.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Decode reads an image in format from r
func Decode(r io.Reader, format Format) (image.Image, error) {
	switch format {
	case FormatPNG:
		return png.Decode(r)
	case FormatBMP:
		return bmp.Decode(r)
	case FormatTIFF:
		return tiff.Decode(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// writeAtomic writes through a temp file next to path, then renames it into place
func writeAtomic(path string, write func(io.Writer) error) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}
