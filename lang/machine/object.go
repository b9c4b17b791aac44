package machine

import "github.com/mna/nymph/lang/compiler"

// An Object is any heap-allocated value. Objects are owned by the Heap
// and referenced through Handles; they are never moved.
type Object interface {
	// Type returns a short string describing the object's type.
	Type() string
}

// String is an immutable sequence of bytes, used for program strings and
// for global names.
type String string

func (s String) Type() string { return "string" }

// A Function is the runtime form of a compiled function: its code plus
// the constant pool converted to runtime values. It is immutable after
// program setup.
type Function struct {
	fcode     *compiler.Funcode
	constants []Value
}

func (f *Function) Type() string { return "function" }

// Name returns the function name recorded at compilation.
func (f *Function) Name() string { return f.fcode.Name }

// Arity returns the number of parameters.
func (f *Function) Arity() int { return f.fcode.Arity }

// NumUpvalues returns the number of upvalues a closure over this function
// carries.
func (f *Function) NumUpvalues() int { return f.fcode.NumUpvalues }

// Funcode returns the compiled form of the function.
func (f *Function) Funcode() *compiler.Funcode { return f.fcode }

// A Closure pairs a function with the upvalues it captured. Upvalues are
// shared by pointer: closures capturing the same slot observe a single
// identity.
type Closure struct {
	Function Handle
	Upvalues []*UpValue
}

func (c *Closure) Type() string { return "closure" }

// A NativeFn is the implementation of a native function. It receives the
// heap to inspect or allocate objects and the call's arguments; it must
// not re-enter the machine.
type NativeFn func(h *Heap, args []Value) Value

// A Native is a function implemented in Go, bound in the global table
// before execution.
type Native struct {
	name  string
	arity int
	fn    NativeFn
}

func (n *Native) Type() string { return "native function" }

// Name returns the name under which the native was bound.
func (n *Native) Name() string { return n.name }

// Arity returns the number of arguments the native accepts.
func (n *Native) Arity() int { return n.arity }

// A List is a mutable ordered sequence of values.
type List struct {
	elems []Value
}

// NewList returns a list holding elems. Callers should not subsequently
// modify elems.
func NewList(elems []Value) *List { return &List{elems: elems} }

func (l *List) Type() string { return "list" }

// Len returns the number of elements.
func (l *List) Len() int { return len(l.elems) }

// Index returns the element at i, or Nil if i is out of range.
func (l *List) Index(i int) Value {
	if i < 0 || i >= len(l.elems) {
		return Nil
	}
	return l.elems[i]
}

// SetIndex assigns the element at i, growing the list with nils when i is
// past the end. Negative indices are invalid.
func (l *List) SetIndex(i int, v Value) {
	for i >= len(l.elems) {
		l.elems = append(l.elems, Nil)
	}
	l.elems[i] = v
}

// Append adds a value at the end of the list.
func (l *List) Append(v Value) { l.elems = append(l.elems, v) }

// Elems returns the backing slice of the list. Callers must not grow it.
func (l *List) Elems() []Value { return l.elems }
