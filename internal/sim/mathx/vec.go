package mathx

import "math"

type Vec2 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Quat is a rotation quaternion stored as (x, y, z, w).
type Quat struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

var (
	Zero3    = Vec3{}
	Forward  = Vec3{Z: 1}
	Identity = Quat{W: 1}
)

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) XY() Vec2             { return Vec2{v.X, v.Y} }

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(s float32) Vec2 { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) XYZ() Vec3            { return Vec3{X: v.X, Y: v.Y} }

func (v Vec3) Array() [3]float32 { return [3]float32{v.X, v.Y, v.Z} }
func (q Quat) Array() [4]float32 { return [4]float32{q.X, q.Y, q.Z, q.W} }

func Vec3From(a [3]float32) Vec3 { return Vec3{a[0], a[1], a[2]} }
func QuatFrom(a [4]float32) Quat { return Quat{a[0], a[1], a[2], a[3]} }

// YawQuat returns the rotation of angle radians around the Z (forward) axis.
func YawQuat(angle float32) Quat {
	h := float64(angle) / 2
	return Quat{Z: float32(math.Sin(h)), W: float32(math.Cos(h))}
}

// Mul composes two rotations (q applied after o).
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quat) Normalize() Quat {
	n := float32(math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)))
	if n == 0 {
		return Identity
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

func ApproxEq(a, b, eps float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

func (v Vec3) ApproxEq(o Vec3, eps float32) bool {
	return ApproxEq(v.X, o.X, eps) && ApproxEq(v.Y, o.Y, eps) && ApproxEq(v.Z, o.Z, eps)
}

func (q Quat) ApproxEq(o Quat, eps float32) bool {
	return ApproxEq(q.X, o.X, eps) && ApproxEq(q.Y, o.Y, eps) && ApproxEq(q.Z, o.Z, eps) && ApproxEq(q.W, o.W, eps)
}
