package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"

	"github.com/mna/nymph/lang/compiler"
	"github.com/mna/nymph/lang/ir"
)

// A VM is a single-threaded bytecode interpreter with its own heap,
// value stack, call-frame stack and global table. Instances are
// independent; a VM must not be shared between goroutines and must be
// discarded after a runtime fault.
type VM struct {
	// Stdout is where PRINT output goes. If nil, os.Stdout is used.
	Stdout io.Writer

	cfg     Config
	heap    *Heap
	nextGC  int
	globals *globals

	stack []Value
	sp    int

	frames       []frame
	openUpvalues []*UpValue

	// handles pinned as additional GC roots during program setup, while
	// the objects are not yet reachable from the stack
	pinned []Handle

	steps     uint64
	cancelled atomic.Bool
	running   bool
	failed    bool

	stdout io.Writer
}

// New returns a fresh machine bounded by the given configuration.
func New(cfg Config) *VM {
	cfg = cfg.withDefaults()
	return &VM{
		cfg:          cfg,
		heap:         NewHeap(),
		nextGC:       cfg.GCTrigger,
		globals:      newGlobals(0),
		stack:        make([]Value, cfg.StackSize),
		frames:       make([]frame, 0, cfg.MaxFrames),
		openUpvalues: make([]*UpValue, 0, 16),
	}
}

// Default returns a machine with the default configuration.
func Default() *VM { return New(Config{}) }

// Heap returns the machine's heap, to resolve object handles of values
// read from the globals after execution.
func (vm *VM) Heap() *Heap { return vm.heap }

// Global returns the value of a global variable.
func (vm *VM) Global(name string) (Value, bool) { return vm.globals.get(name) }

// GlobalNames returns the sorted names of all defined globals.
func (vm *VM) GlobalNames() []string { return vm.globals.names() }

// AddNative binds a native function as a global. It must be called
// before Exec; natives must not re-enter the machine.
func (vm *VM) AddNative(name string, fn NativeFn, arity int) {
	h := vm.alloc(&Native{name: name, arity: arity, fn: fn})
	vm.globals.put(name, Ref(h))
}

// Exec compiles the top-level IR nodes and runs the resulting program to
// completion. It returns a *RuntimeError on a machine fault; the machine
// must not be reused after that.
func (vm *VM) Exec(ctx context.Context, nodes []ir.Node) error {
	prog, err := compiler.Compile("main", nodes)
	if err != nil {
		return err
	}
	return vm.RunProgram(ctx, prog)
}

// RunProgram executes an already compiled (or assembled) program.
func (vm *VM) RunProgram(ctx context.Context, p *compiler.Program) error {
	switch {
	case vm.failed:
		return errors.New("machine has faulted and cannot be reused")
	case vm.running:
		return errors.New("machine is already executing a program")
	}
	vm.running = true
	defer func() { vm.running = false }()

	if vm.Stdout != nil {
		vm.stdout = vm.Stdout
	} else {
		vm.stdout = os.Stdout
	}

	stop := context.AfterFunc(ctx, func() { vm.cancelled.Store(true) })
	defer stop()

	fnh, err := vm.makeFunction(p.Toplevel)
	if err != nil {
		vm.pinned = vm.pinned[:0]
		return err
	}
	ch := vm.alloc(&Closure{Function: fnh})
	vm.pin(ch)

	vm.stack[vm.sp] = Ref(ch)
	vm.sp++
	vm.pinned = vm.pinned[:0]

	if err := vm.call(0); err != nil {
		return vm.fault(err)
	}
	return vm.run(ctx)
}

// makeFunction converts compiled code into a runtime Function object,
// allocating the objects denoted by its constants. Every allocation is
// pinned until the program's root closure reaches the stack.
func (vm *VM) makeFunction(fc *compiler.Funcode) (Handle, error) {
	constants := make([]Value, len(fc.Chunk.Constants))
	fn := &Function{fcode: fc, constants: constants}
	h := vm.alloc(fn)
	vm.pin(h)

	for i, c := range fc.Chunk.Constants {
		switch c := c.(type) {
		case float64:
			constants[i] = Float(c)
		case string:
			sh := vm.alloc(String(c))
			vm.pin(sh)
			constants[i] = Ref(sh)
		case *compiler.Funcode:
			fh, err := vm.makeFunction(c)
			if err != nil {
				return Handle{}, err
			}
			constants[i] = Ref(fh)
		default:
			return Handle{}, fmt.Errorf("unexpected constant %T in function %s", c, fc.Name)
		}
	}
	return h, nil
}

func (vm *VM) pin(h Handle) { vm.pinned = append(vm.pinned, h) }

// alloc stores an object on the heap, collecting garbage first when the
// live count crosses the threshold. The new object is part of the root
// set of that collection.
func (vm *VM) alloc(o Object) Handle {
	h := vm.heap.Alloc(o)
	if vm.heap.Live() >= vm.nextGC {
		vm.collect(h)
		vm.nextGC *= vm.cfg.GCGrowth
	}
	return h
}

// collect runs a mark-sweep collection. Roots: the value stack, the
// globals, pinned handles, closed upvalues (reached through their
// closures) and the extra in-flight handle.
func (vm *VM) collect(extra Handle) {
	for i := 0; i < vm.sp; i++ {
		vm.heap.markValue(vm.stack[i])
	}
	vm.globals.each(func(_ string, v Value) bool {
		vm.heap.markValue(v)
		return false
	})
	for _, h := range vm.pinned {
		vm.heap.mark(h)
	}
	vm.heap.mark(extra)
	vm.heap.sweep()
}

func (vm *VM) run(ctx context.Context) error {
	var inFlightErr error

loop:
	for len(vm.frames) > 0 {
		vm.steps++
		if vm.steps&1023 == 0 && vm.cancelled.Load() {
			inFlightErr = fmt.Errorf("execution cancelled: %s", context.Cause(ctx))
			break loop
		}

		fr := &vm.frames[len(vm.frames)-1]
		fr.lastIP = fr.ip
		op := compiler.Opcode(fr.readByte())

		switch op {
		case compiler.NOP:
			// nop

		case compiler.NIL:
			if inFlightErr = vm.push(Nil); inFlightErr != nil {
				break loop
			}

		case compiler.TRUE:
			if inFlightErr = vm.push(True); inFlightErr != nil {
				break loop
			}

		case compiler.FALSE:
			if inFlightErr = vm.push(False); inFlightErr != nil {
				break loop
			}

		case compiler.POP:
			vm.pop()

		case compiler.CONSTANT:
			v := fr.fn.constants[fr.readByte()]
			if inFlightErr = vm.push(v); inFlightErr != nil {
				break loop
			}

		case compiler.IMMEDIATE:
			v := Float(math.Float64frombits(fr.readU64()))
			if inFlightErr = vm.push(v); inFlightErr != nil {
				break loop
			}

		case compiler.ADD, compiler.SUB, compiler.MUL, compiler.DIV, compiler.REM:
			b := vm.pop()
			a := vm.pop()
			if a.kind != KindFloat || b.kind != KindFloat {
				inFlightErr = errors.New("type error in binary op")
				break loop
			}
			var f float64
			switch op {
			case compiler.ADD:
				f = a.f + b.f
			case compiler.SUB:
				f = a.f - b.f
			case compiler.MUL:
				f = a.f * b.f
			case compiler.DIV:
				f = a.f / b.f
			case compiler.REM:
				f = math.Mod(a.f, b.f)
			}
			vm.stack[vm.sp] = Float(f)
			vm.sp++

		case compiler.NEG:
			a := vm.pop()
			if a.kind != KindFloat {
				inFlightErr = errors.New("type error in unary op")
				break loop
			}
			vm.stack[vm.sp] = Float(-a.f)
			vm.sp++

		case compiler.EQ:
			b := vm.pop()
			a := vm.pop()
			vm.stack[vm.sp] = Bool(Equal(vm.heap, a, b))
			vm.sp++

		case compiler.LT, compiler.GT:
			b := vm.pop()
			a := vm.pop()
			if a.kind != KindFloat || b.kind != KindFloat {
				inFlightErr = errors.New("type error in binary op")
				break loop
			}
			if op == compiler.LT {
				vm.stack[vm.sp] = Bool(a.f < b.f)
			} else {
				vm.stack[vm.sp] = Bool(a.f > b.f)
			}
			vm.sp++

		case compiler.NOT:
			a := vm.pop()
			vm.stack[vm.sp] = Bool(!Truth(a))
			vm.sp++

		case compiler.GETLOCAL:
			v := vm.stack[fr.stackStart+int(fr.readByte())]
			if inFlightErr = vm.push(v); inFlightErr != nil {
				break loop
			}

		case compiler.SETLOCAL:
			vm.stack[fr.stackStart+int(fr.readByte())] = vm.peek()

		case compiler.GETGLOBAL:
			name, err := vm.constantName(fr)
			if err != nil {
				inFlightErr = err
				break loop
			}
			v, ok := vm.globals.get(name)
			if !ok {
				inFlightErr = fmt.Errorf("undefined global variable: `%s`", name)
				break loop
			}
			if inFlightErr = vm.push(v); inFlightErr != nil {
				break loop
			}

		case compiler.DEFINEGLOBAL:
			name, err := vm.constantName(fr)
			if err != nil {
				inFlightErr = err
				break loop
			}
			vm.globals.put(name, vm.pop())

		case compiler.SETGLOBAL:
			// defines the global if absent
			name, err := vm.constantName(fr)
			if err != nil {
				inFlightErr = err
				break loop
			}
			vm.globals.put(name, vm.peek())

		case compiler.GETUPVALUE:
			v := fr.closure.Upvalues[fr.readByte()].get(vm.stack)
			if inFlightErr = vm.push(v); inFlightErr != nil {
				break loop
			}

		case compiler.SETUPVALUE:
			fr.closure.Upvalues[fr.readByte()].set(vm.stack, vm.peek())

		case compiler.JMP:
			fr.ip = int(fr.readU16())

		case compiler.JZE:
			addr := fr.readU16()
			if !Truth(vm.peek()) {
				fr.ip = int(addr)
			}

		case compiler.LOOP:
			fr.ip -= int(fr.readU16())

		case compiler.CALL:
			if inFlightErr = vm.call(int(fr.readByte())); inFlightErr != nil {
				break loop
			}

		case compiler.CLOSURE:
			fnv := fr.fn.constants[fr.readByte()]
			fnObj, ok := vm.heap.Get(fnv.AsObject()).(*Function)
			if !ok {
				inFlightErr = errors.New("closure requires a function constant")
				break loop
			}
			ups := make([]*UpValue, fnObj.NumUpvalues())
			for i := range ups {
				isLocal := fr.readByte() != 0
				idx := int(fr.readByte())
				if isLocal {
					ups[i] = vm.captureUpvalue(fr.stackStart + idx)
				} else {
					ups[i] = fr.closure.Upvalues[idx]
				}
			}
			ch := vm.alloc(&Closure{Function: fnv.AsObject(), Upvalues: ups})
			if inFlightErr = vm.push(Ref(ch)); inFlightErr != nil {
				break loop
			}

		case compiler.CLOSEUPVALUE:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case compiler.RETURN:
			if inFlightErr = vm.ret(); inFlightErr != nil {
				break loop
			}

		case compiler.LIST:
			n := int(fr.readByte())
			elems := make([]Value, n)
			for i := n - 1; i >= 0; i-- {
				elems[i] = vm.pop()
			}
			h := vm.alloc(NewList(elems))
			if inFlightErr = vm.push(Ref(h)); inFlightErr != nil {
				break loop
			}

		case compiler.GETELEMENT:
			idx := vm.pop()
			lv := vm.pop()
			list, err := vm.listOperand(lv)
			if err != nil {
				inFlightErr = err
				break loop
			}
			if idx.kind != KindFloat {
				inFlightErr = errors.New("can't index list with non-number")
				break loop
			}
			vm.stack[vm.sp] = list.Index(int(idx.f))
			vm.sp++

		case compiler.SETELEMENT:
			idx := vm.pop()
			lv := vm.pop()
			value := vm.pop()
			list, err := vm.listOperand(lv)
			if err != nil {
				inFlightErr = err
				break loop
			}
			if idx.kind != KindFloat {
				inFlightErr = errors.New("can't index list with non-number")
				break loop
			}
			if idx.f < 0 {
				inFlightErr = errors.New("list index out of range")
				break loop
			}
			list.SetIndex(int(idx.f), value)

		case compiler.PRINT:
			fmt.Fprintln(vm.stdout, ToString(vm.heap, vm.pop()))

		default:
			panic(fmt.Sprintf("unimplemented: %s", op))
		}
	}

	if inFlightErr != nil {
		return vm.fault(inFlightErr)
	}
	return nil
}

// call invokes the value sitting below the topmost arity arguments.
// Closures get a new frame, with the arguments already in place as the
// first locals; natives run in place without a frame.
func (vm *VM) call(arity int) error {
	frameStart := vm.sp - arity - 1
	callee := vm.stack[frameStart]
	if callee.kind != KindObject {
		return errors.New("bad call")
	}

	switch o := vm.heap.Get(callee.AsObject()).(type) {
	case *Closure:
		fn, ok := vm.heap.Get(o.Function).(*Function)
		if !ok {
			return errors.New("bad call")
		}
		if fn.Arity() != arity {
			return fmt.Errorf("arity mismatch: %d != %d", fn.Arity(), arity)
		}
		if len(vm.frames) >= vm.cfg.MaxFrames {
			return errors.New("call stack overflow")
		}
		vm.frames = append(vm.frames, frame{closure: o, fn: fn, stackStart: frameStart})
		return nil

	case *Native:
		if o.arity != arity {
			return fmt.Errorf("arity mismatch: %d != %d", o.arity, arity)
		}
		res := o.fn(vm.heap, vm.stack[frameStart+1:vm.sp])
		vm.sp = frameStart
		vm.stack[vm.sp] = res
		vm.sp++
		return nil

	default:
		return errors.New("bad call")
	}
}

// ret unwinds the topmost frame: the return value is popped, upvalues
// aliasing the frame's slots are closed, the stack is truncated to the
// callee slot and the return value pushed in its place.
func (vm *VM) ret() error {
	if len(vm.frames) == 0 {
		return errors.New("can't return from top-level")
	}
	result := vm.pop()
	fr := &vm.frames[len(vm.frames)-1]
	if fr.stackStart < vm.sp {
		vm.closeUpvalues(fr.stackStart)
	}
	vm.sp = fr.stackStart
	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.stack[vm.sp] = result
	vm.sp++
	return nil
}

// captureUpvalue returns the open upvalue aliasing the given stack
// offset, creating it if none exists. Sharing a single open upvalue per
// slot is what makes capture by reference observable across closures.
func (vm *VM) captureUpvalue(offset int) *UpValue {
	for i := len(vm.openUpvalues) - 1; i >= 0; i-- {
		if uv := vm.openUpvalues[i]; !uv.closed && uv.index == offset {
			return uv
		}
	}
	uv := newOpenUpvalue(offset)
	vm.openUpvalues = append(vm.openUpvalues, uv)
	return uv
}

// closeUpvalues closes every open upvalue aliasing a stack slot at or
// above end. It must run on every path that truncates the stack below a
// capturing frame.
func (vm *VM) closeUpvalues(end int) {
	kept := vm.openUpvalues[:0]
	for _, uv := range vm.openUpvalues {
		if uv.index >= end {
			uv.close(vm.stack[uv.index])
		} else {
			kept = append(kept, uv)
		}
	}
	vm.openUpvalues = kept
}

// constantName reads a constant operand that must denote a string, used
// by the global access opcodes.
func (vm *VM) constantName(fr *frame) (string, error) {
	v := fr.fn.constants[fr.readByte()]
	if v.kind == KindObject {
		if s, ok := vm.heap.Get(v.AsObject()).(String); ok {
			return string(s), nil
		}
	}
	return "", errors.New("global access requires a string name")
}

func (vm *VM) listOperand(v Value) (*List, error) {
	if v.kind == KindObject {
		if l, ok := vm.heap.Get(v.AsObject()).(*List); ok {
			return l, nil
		}
	}
	return nil, errors.New("can't index non-list value")
}

func (vm *VM) push(v Value) error {
	if vm.sp == len(vm.stack) {
		return errors.New("stack overflow")
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek() Value { return vm.stack[vm.sp-1] }

// fault marks the machine as failed and wraps err with the stack trace,
// newest frame first.
func (vm *VM) fault(err error) error {
	vm.failed = true
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		return err
	}
	trace := make([]TraceFrame, 0, len(vm.frames))
	for i := len(vm.frames) - 1; i >= 0; i-- {
		fr := &vm.frames[i]
		trace = append(trace, TraceFrame{
			Function: fr.fn.Name(),
			Line:     fr.fn.fcode.Chunk.Line(fr.lastIP),
		})
	}
	return &RuntimeError{Msg: err.Error(), Trace: trace}
}
