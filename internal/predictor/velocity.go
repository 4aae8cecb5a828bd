package predictor

import (
	"math"

	"github.com/ChuLiYu/fractiles/pkg/types"
)

// Velocity is the smoothed rate of navigation.
//
// Pan is measured in view units per second (plane delta times zoom), so a
// given pan speed means the same thing at every depth. Zoom is measured in
// ln(zoom) per second.
type Velocity struct {
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
	Zoom float64 `json:"zoom"`
}

// Magnitude returns the Euclidean norm
func (v Velocity) Magnitude() float64 {
	return math.Sqrt(v.PanX*v.PanX + v.PanY*v.PanY + v.Zoom*v.Zoom)
}

// Scale multiplies every component by k
func (v Velocity) Scale(k float64) Velocity {
	return Velocity{PanX: v.PanX * k, PanY: v.PanY * k, Zoom: v.Zoom * k}
}

// Add returns the component-wise sum
func (v Velocity) Add(o Velocity) Velocity {
	return Velocity{PanX: v.PanX + o.PanX, PanY: v.PanY + o.PanY, Zoom: v.Zoom + o.Zoom}
}

// Dot returns the dot product
func (v Velocity) Dot(o Velocity) float64 {
	return v.PanX*o.PanX + v.PanY*o.PanY + v.Zoom*o.Zoom
}

// between derives the instantaneous velocity of moving from a to b in dt seconds
func between(a, b types.Params, dt float64) Velocity {
	if dt <= 0 || a.Zoom <= 0 || b.Zoom <= 0 {
		return Velocity{}
	}
	return Velocity{
		PanX: (b.CenterX - a.CenterX) * a.Zoom / dt,
		PanY: (b.CenterY - a.CenterY) * a.Zoom / dt,
		Zoom: math.Log(b.Zoom/a.Zoom) / dt,
	}
}

// extrapolate projects p forward along v for dt seconds
func extrapolate(p types.Params, v Velocity, dt float64) types.Params {
	out := p
	out.CenterX += v.PanX * dt / p.Zoom
	out.CenterY += v.PanY * dt / p.Zoom
	out.Zoom = p.Zoom * math.Exp(v.Zoom*dt)
	return out
}
