package service

import (
	"math"

	"mobilecontrol/models"
)

// Vector2D represents a point or vector in screen space.
type Vector2D struct {
	X, Y float64
}

func vec(p models.Point) Vector2D {
	return Vector2D{X: float64(p.X), Y: float64(p.Y)}
}

func (v Vector2D) Add(other Vector2D) Vector2D {
	return Vector2D{X: v.X + other.X, Y: v.Y + other.Y}
}

func (v Vector2D) Sub(other Vector2D) Vector2D {
	return Vector2D{X: v.X - other.X, Y: v.Y - other.Y}
}

func (v Vector2D) Mul(scalar float64) Vector2D {
	return Vector2D{X: v.X * scalar, Y: v.Y * scalar}
}

func (v Vector2D) Mag() float64 {
	return math.Hypot(v.X, v.Y)
}

// Normalize returns a unit vector in the same direction as v, or the zero
// vector when v is (nearly) zero.
func (v Vector2D) Normalize() Vector2D {
	mag := v.Mag()
	if mag < 1e-9 {
		return Vector2D{}
	}
	return v.Mul(1.0 / mag)
}

// Perp returns v rotated by 90 degrees.
func (v Vector2D) Perp() Vector2D {
	return Vector2D{X: -v.Y, Y: v.X}
}

// Limit truncates the magnitude of the vector if it exceeds max.
func (v Vector2D) Limit(max float64) Vector2D {
	if mag := v.Mag(); mag > max && mag > 0 {
		return v.Mul(max / mag)
	}
	return v
}

// Point rounds v to the nearest pixel inside a width x height screen.
func (v Vector2D) Point(width, height int) models.Point {
	x := int(math.Round(v.X))
	y := int(math.Round(v.Y))
	return models.Point{X: clampInt(x, 0, width-1), Y: clampInt(y, 0, height-1)}
}

// cubicBezier evaluates the curve p0..p3 at t in [0,1].
func cubicBezier(p0, p1, p2, p3 Vector2D, t float64) Vector2D {
	omt := 1.0 - t
	omt2 := omt * omt
	t2 := t * t
	return p0.Mul(omt2 * omt).Add(p1.Mul(3 * omt2 * t)).Add(p2.Mul(3 * omt * t2)).Add(p3.Mul(t2 * t))
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
