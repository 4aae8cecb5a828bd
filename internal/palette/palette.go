// Package palette maps normalized scalar samples to RGB colors
package palette

import (
	"math"
	"sort"
)

// Scheme names
const (
	Classic   = "classic"
	Fire      = "fire"
	Ocean     = "ocean"
	Grayscale = "grayscale"
	Rainbow   = "rainbow"
)

type stop struct {
	at      float64
	r, g, b float64
}

// gradient stops per scheme, positions ascending in [0,1]
var gradients = map[string][]stop{
	Classic: {
		{0, 0.000, 0.027, 0.392},
		{0.16, 0.125, 0.420, 0.796},
		{0.42, 0.929, 1.000, 1.000},
		{0.6425, 1.000, 0.667, 0.000},
		{0.8575, 0.000, 0.008, 0.000},
		{1, 0.000, 0.027, 0.392},
	},
	Fire: {
		{0, 0, 0, 0},
		{0.3, 0.6, 0, 0},
		{0.6, 1, 0.45, 0},
		{0.85, 1, 0.85, 0.2},
		{1, 1, 1, 1},
	},
	Ocean: {
		{0, 0, 0.02, 0.1},
		{0.4, 0, 0.3, 0.55},
		{0.75, 0.2, 0.75, 0.85},
		{1, 0.9, 1, 1},
	},
	Grayscale: {
		{0, 0, 0, 0},
		{1, 1, 1, 1},
	},
}

// Schemes lists the supported scheme names
func Schemes() []string {
	names := []string{Rainbow}
	for name := range gradients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether scheme is supported
func Known(scheme string) bool {
	if scheme == Rainbow {
		return true
	}
	_, ok := gradients[scheme]
	return ok
}

// Color maps v in [0,1] to an RGB triple in [0,1]. Unknown schemes fall back to Classic.
func Color(v float64, scheme string) (r, g, b float64) {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Min(math.Max(v, 0), 1)

	if scheme == Rainbow {
		return hsv(math.Mod(v*3, 1)*360, 0.85, 1)
	}
	stops, ok := gradients[scheme]
	if !ok {
		stops = gradients[Classic]
	}
	return interpolate(stops, v)
}

func interpolate(stops []stop, v float64) (float64, float64, float64) {
	i := sort.Search(len(stops), func(i int) bool { return stops[i].at >= v })
	if i == 0 {
		return stops[0].r, stops[0].g, stops[0].b
	}
	if i == len(stops) {
		s := stops[len(stops)-1]
		return s.r, s.g, s.b
	}
	lo, hi := stops[i-1], stops[i]
	t := (v - lo.at) / (hi.at - lo.at)
	return lerp(lo.r, hi.r, t), lerp(lo.g, hi.g, t), lerp(lo.b, hi.b, t)
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func hsv(h, s, v float64) (float64, float64, float64) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return r + m, g + m, b + m
}
