package server

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fractiles/internal/snapshot"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// ErrInvalidCanvas is returned for missing or out of range canvas sizes
var ErrInvalidCanvas = errors.New("invalid canvas size")

// RenderRequest is the decoded form of a Render call
type RenderRequest struct {
	Width   int
	Height  int
	Fractal types.Fractal
	Format  snapshot.Format
	Params  types.Params
}

// Struct encodes the request for the wire
func (r RenderRequest) Struct() (*structpb.Struct, error) {
	format := r.Format
	if format == "" {
		format = snapshot.FormatPNG
	}
	return structpb.NewStruct(map[string]interface{}{
		"width":          r.Width,
		"height":         r.Height,
		"fractal":        string(r.Fractal),
		"format":         string(format),
		"center_x":       r.Params.CenterX,
		"center_y":       r.Params.CenterY,
		"zoom":           r.Params.Zoom,
		"max_iterations": r.Params.MaxIterations,
		"color_scheme":   r.Params.ColorScheme,
		"julia_cx":       r.Params.JuliaCX,
		"julia_cy":       r.Params.JuliaCY,
	})
}

// ParseRenderRequest decodes and validates a request. Absent view fields take
// their defaults; width and height are required and bounded by maxCanvas.
func ParseRenderRequest(s *structpb.Struct, maxCanvas int) (RenderRequest, error) {
	fields := s.GetFields()
	req := RenderRequest{Params: types.DefaultParams()}

	var err error
	if req.Width, err = intField(fields, "width", 0); err != nil {
		return req, err
	}
	if req.Height, err = intField(fields, "height", 0); err != nil {
		return req, err
	}
	if req.Width <= 0 || req.Height <= 0 || req.Width > maxCanvas || req.Height > maxCanvas {
		return req, fmt.Errorf("%w: %dx%d (max %d)", ErrInvalidCanvas, req.Width, req.Height, maxCanvas)
	}

	name, err := stringField(fields, "fractal", "")
	if err != nil {
		return req, err
	}
	if req.Fractal, err = types.ParseFractal(name); err != nil {
		return req, err
	}

	format, err := stringField(fields, "format", "")
	if err != nil {
		return req, err
	}
	if req.Format, err = snapshot.ParseFormat(format); err != nil {
		return req, err
	}

	p := &req.Params
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"center_x", &p.CenterX},
		{"center_y", &p.CenterY},
		{"zoom", &p.Zoom},
		{"julia_cx", &p.JuliaCX},
		{"julia_cy", &p.JuliaCY},
	} {
		if *f.dst, err = numberField(fields, f.name, *f.dst); err != nil {
			return req, err
		}
	}
	if p.MaxIterations, err = intField(fields, "max_iterations", p.MaxIterations); err != nil {
		return req, err
	}
	if p.ColorScheme, err = stringField(fields, "color_scheme", p.ColorScheme); err != nil {
		return req, err
	}
	return req, p.Validate()
}

func numberField(fields map[string]*structpb.Value, name string, def float64) (float64, error) {
	v, ok := fields[name]
	if !ok {
		return def, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("field %q must be a number", name)
	}
	return n.NumberValue, nil
}

func intField(fields map[string]*structpb.Value, name string, def int) (int, error) {
	f, err := numberField(fields, name, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("field %q must be an integer, got %v", name, f)
	}
	return int(f), nil
}

func stringField(fields map[string]*structpb.Value, name, def string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return def, nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", name)
	}
	return s.StringValue, nil
}
