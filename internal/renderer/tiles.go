package renderer

import "fmt"

// DefaultTileSize is the tile edge in pixels
const DefaultTileSize = 256

// Tile is an axis-aligned region of the canvas computed independently
type Tile struct {
	Col    int
	Row    int
	X      int
	Y      int
	Width  int
	Height int
}

func (t Tile) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", t.X, t.Y, t.Width, t.Height)
}

// Grid partitions a width x height canvas into row-major tiles of tileSize.
// The last column and row are clipped to the canvas, never padded, so the
// tiles cover [0,width) x [0,height) exactly once.
func Grid(width, height, tileSize int) []Tile {
	if width <= 0 || height <= 0 || tileSize <= 0 {
		return nil
	}

	tilesX := (width + tileSize - 1) / tileSize
	tilesY := (height + tileSize - 1) / tileSize
	tiles := make([]Tile, 0, tilesX*tilesY)
	for row := 0; row < tilesY; row++ {
		y := row * tileSize
		for col := 0; col < tilesX; col++ {
			x := col * tileSize
			tiles = append(tiles, Tile{
				Col:    col,
				Row:    row,
				X:      x,
				Y:      y,
				Width:  min(tileSize, width-x),
				Height: min(tileSize, height-y),
			})
		}
	}
	return tiles
}
