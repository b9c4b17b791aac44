// The closure and upvalue protocol of the machine package follows the
// design described in Crafting Interpreters:
// https://craftinginterpreters.com/closures.html
//
// Package machine implements the virtual machine that executes the
// bytecode-compiled form of IR trees. It also provides the runtime
// representation of the values manipulated by programs: a compact tagged
// Value and heap objects reached through stable Handles.
package machine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindFloat
	KindObject
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindFloat:  "float",
	KindObject: "object",
}

func (k Kind) String() string { return kindNames[k] }

// A Value is any value manipulated by the machine: nil, a boolean, a
// float, or a handle to a heap object. The zero Value is Nil.
type Value struct {
	kind Kind
	f    float64 // float payload; 0 or 1 for booleans
	h    Handle
}

// Nil is the sole nil value.
var Nil = Value{}

// True and False are the boolean values.
var (
	True  = Value{kind: KindBool, f: 1}
	False = Value{kind: KindBool}
)

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool returns the boolean value for b.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Ref returns a value holding a handle to a heap object.
func Ref(h Handle) Value { return Value{kind: KindObject, h: h} }

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// AsFloat returns the float payload; defined only for KindFloat.
func (v Value) AsFloat() float64 { return v.f }

// AsBool returns the boolean payload; defined only for KindBool.
func (v Value) AsBool() bool { return v.f != 0 }

// AsObject returns the object handle; defined only for KindObject.
func (v Value) AsObject() Handle { return v.h }

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// Truth returns the truth value: nil and false are falsy, everything else
// truthy, including all floats.
func Truth(v Value) bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.f != 0
	default:
		return true
	}
}

// Equal compares two values: structural for nil and booleans, bitwise for
// floats, byte equality for strings, handle identity for any other
// objects. Values of different kinds are never equal, and comparison
// never fails.
func Equal(h *Heap, a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.f == b.f
	case KindFloat:
		return math.Float64bits(a.f) == math.Float64bits(b.f)
	default:
		if a.h == b.h {
			return true
		}
		as, aok := h.Get(a.h).(String)
		bs, bok := h.Get(b.h).(String)
		return aok && bok && as == bs
	}
}

// ToString renders a value for display, resolving object handles through
// the heap. Strings render unquoted.
func ToString(h *Heap, v Value) string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return strconv.FormatBool(v.f != 0)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return objString(h, h.Get(v.h))
	}
}

func objString(h *Heap, o Object) string {
	switch o := o.(type) {
	case String:
		return string(o)
	case *Function:
		return fmt.Sprintf("<fn %s>", o.Name())
	case *Closure:
		if fn, ok := h.Get(o.Function).(*Function); ok {
			return fmt.Sprintf("<fn %s>", fn.Name())
		}
		return "<fn>"
	case *Native:
		return fmt.Sprintf("<native fn %s>", o.Name())
	case *List:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, elem := range o.elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(ToString(h, elem))
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		return "<collected>"
	}
}
