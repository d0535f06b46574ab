package core

import (
	"fmt"
	"math"
)

// Position3D is a point in a client's local world space.
// Y is the vertical (up) axis.
type Position3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns p + o.
func (p Position3D) Add(o Position3D) Position3D {
	return Position3D{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Sub returns p - o.
func (p Position3D) Sub(o Position3D) Position3D {
	return Position3D{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// ApproxEqual reports whether every component of p and o differs by at most eps.
func (p Position3D) ApproxEqual(o Position3D, eps float64) bool {
	return math.Abs(p.X-o.X) <= eps && math.Abs(p.Y-o.Y) <= eps && math.Abs(p.Z-o.Z) <= eps
}

func (p Position3D) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

// Position2D is a point on the device screen or in a captured image.
type Position2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Key returns the point rounded to the wire precision, used to match
// server-returned points against locally offered candidates.
func (p Position2D) Key() string {
	return fmt.Sprintf("%.3f,%.3f", p.X, p.Y)
}
