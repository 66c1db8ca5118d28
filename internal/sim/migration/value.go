package migration

import (
	"fmt"

	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindVec3
	KindQuat
	KindEntityID
	// KindOpaque carries an arbitrary Go value. It survives an in-process
	// handover but is not exported to snapshot dumps.
	KindOpaque
)

var kindNames = [...]string{
	KindInvalid:  "invalid",
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindString:   "string",
	KindBytes:    "bytes",
	KindVec3:     "vec3",
	KindQuat:     "quat",
	KindEntityID: "entity_id",
	KindOpaque:   "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindInvalid {
			return Kind(k), true
		}
	}
	return KindInvalid, false
}

// Value is a tagged union carried by the generic store/restore channel.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	raw    []byte
	v      mathx.Vec3
	q      mathx.Quat
	id     runtime.EntityID
	opaque any
}

func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Int(i int64) Value      { return Value{kind: KindInt, i: i} }
func Float(f float64) Value  { return Value{kind: KindFloat, f: f} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Vec(v mathx.Vec3) Value { return Value{kind: KindVec3, v: v} }
func Rot(q mathx.Quat) Value { return Value{kind: KindQuat, q: q} }
func Opaque(x any) Value     { return Value{kind: KindOpaque, opaque: x} }

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte(nil), b...)}
}

// EntityRef stores an identifier. After a handover it may need translating
// through the successor's Remap.
func EntityRef(id runtime.EntityID) Value { return Value{kind: KindEntityID, id: id} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) Bool() (bool, bool)                 { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)                 { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool)             { return v.f, v.kind == KindFloat }
func (v Value) Str() (string, bool)                { return v.s, v.kind == KindString }
func (v Value) Vec3() (mathx.Vec3, bool)           { return v.v, v.kind == KindVec3 }
func (v Value) Quat() (mathx.Quat, bool)           { return v.q, v.kind == KindQuat }
func (v Value) EntityID() (runtime.EntityID, bool) { return v.id, v.kind == KindEntityID }
func (v Value) Opaque() (any, bool)                { return v.opaque, v.kind == KindOpaque }

func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.raw...), true
}

// Interface returns the payload as a Go value: bool, int64, float64, string,
// []byte, mathx.Vec3, mathx.Quat, runtime.EntityID or the opaque value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		b, _ := v.Bytes()
		return b
	case KindVec3:
		return v.v
	case KindQuat:
		return v.q
	case KindEntityID:
		return v.id
	case KindOpaque:
		return v.opaque
	default:
		return nil
	}
}

func (v Value) String() string {
	if v.kind == KindBytes {
		return fmt.Sprintf("bytes(%d)", len(v.raw))
	}
	return fmt.Sprintf("%s(%v)", v.kind, v.Interface())
}

// Producer is evaluated at most once, when the owning session is captured.
type Producer func() (Value, error)

// Lazy adapts an infallible thunk.
func Lazy(fn func() Value) Producer {
	if fn == nil {
		return nil
	}
	return func() (Value, error) { return fn(), nil }
}

func evaluate(key string, p Producer) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer %q panicked: %v", key, r)
		}
	}()
	v, err = p()
	if err == nil && !v.IsValid() {
		err = fmt.Errorf("producer %q returned an invalid value", key)
	}
	return v, err
}
