package geo

import (
	"math"

	"github.com/multiplayar/worldsync/pkg/core"
)

// Anchor-relative coordinates use one convention in both directions:
// translate by the anchor position first, then rotate about the vertical
// axis through the anchor. ToWorld applies the exact inverse.

// RotateY rotates v about the vertical axis by deg degrees. Positive angles
// turn clockwise when seen from above, matching the device engine's yaw.
func RotateY(v core.Position3D, deg float64) core.Position3D {
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	return core.Position3D{
		X: v.X*cos + v.Z*sin,
		Y: v.Y,
		Z: -v.X*sin + v.Z*cos,
	}
}

// ToAnchorRelative converts a local world point into the anchor frame.
func ToAnchorRelative(anchor core.Position3D, rotationOffset float64, world core.Position3D) core.Position3D {
	return RotateY(world.Sub(anchor), -rotationOffset)
}

// ToWorld converts an anchor-relative point back into local world space.
func ToWorld(anchor core.Position3D, rotationOffset float64, relative core.Position3D) core.Position3D {
	return RotateY(relative, rotationOffset).Add(anchor)
}

// NormalizeDegrees maps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
