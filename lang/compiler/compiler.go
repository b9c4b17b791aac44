// Package compiler takes a resolved IR tree and compiles it to bytecode
// that can be executed by the virtual machine. It also provides a
// pseudo-assembly serialization and deserialization to encode in textual
// form a program that closely matches the binary format of the compiled
// form.
package compiler

import (
	"fmt"

	"github.com/mna/nymph/lang/ir"
)

// Compile compiles a top-level list of IR nodes to a program. The top
// level compiles as a function of arity 0 with the provided name.
//
// An IR tree must carry valid bindings on every Var, Bind, Assign and
// Function node; a local reference that resolves to no declaration in
// scope is a compile-time error, as are chunks exceeding the constant,
// local, upvalue or jump-distance limits.
func Compile(name string, nodes []ir.Node) (*Program, error) {
	pcomp := &pcomp{prog: &Program{}}
	top, _, err := pcomp.function(name, nil, nodes, nil)
	if err != nil {
		return nil, err
	}
	pcomp.prog.Toplevel = top
	return pcomp.prog, nil
}

// A pcomp holds the compiler state for a Program.
type pcomp struct {
	prog *Program
}

// A local tracks a stack slot of the function being compiled. Slot 0 is
// reserved for the callee; parameters and declared locals follow.
type local struct {
	name     string
	depth    int
	captured bool
}

// An upval records how a captured variable is reached from the enclosing
// function: a direct local slot, or one of the enclosing function's own
// upvalues.
type upval struct {
	isLocal bool
	index   int
}

// An fcomp holds the compiler state for a Funcode.
type fcomp struct {
	pcomp     *pcomp
	enclosing *fcomp
	fn        *Funcode

	locals     []local
	upvals     []upval
	consts     map[Constant]int
	scopeDepth int
	line       int
}

func (p *pcomp) function(name string, params []string, body []ir.Node, enclosing *fcomp) (*Funcode, []upval, error) {
	fc := &fcomp{
		pcomp:     p,
		enclosing: enclosing,
		fn: &Funcode{
			Name:  name,
			Arity: len(params),
			Chunk: Chunk{Name: name},
		},
		consts: make(map[Constant]int),
	}
	p.prog.Functions = append(p.prog.Functions, fc.fn)

	// slot 0 belongs to the callee and is not referencable by name
	fc.locals = append(fc.locals, local{})
	for _, param := range params {
		if err := fc.addLocal(param); err != nil {
			return nil, nil, err
		}
	}

	if err := fc.stmts(body); err != nil {
		return nil, nil, err
	}

	// implicit return
	fc.emit(NIL)
	fc.emit(RETURN)

	fc.fn.NumUpvalues = len(fc.upvals)
	return fc.fn, fc.upvals, nil
}

func (fc *fcomp) stmts(nodes []ir.Node) error {
	for _, n := range nodes {
		if err := fc.stmt(n); err != nil {
			return err
		}
	}
	return nil
}

// stmt compiles a node in statement position, leaving the stack balanced
// except for local Bind and Function declarations, which claim a new local
// slot.
func (fc *fcomp) stmt(n ir.Node) error {
	fc.setLine(n)

	switch n := n.(type) {
	case *ir.Bind:
		if err := fc.expr(n.Value); err != nil {
			return err
		}
		return fc.bindTarget(n.Binding)

	case *ir.Assign:
		if err := fc.assign(n.Binding, n.Value); err != nil {
			return err
		}
		fc.emit(POP)
		return nil

	case *ir.Function:
		return fc.funcDecl(n)

	case *ir.If:
		return fc.ifStmt(n)

	case *ir.While:
		return fc.whileStmt(n)

	case *ir.Return:
		if n.Value == nil {
			fc.emit(NIL)
		} else if err := fc.expr(n.Value); err != nil {
			return err
		}
		fc.setLine(n)
		fc.emit(RETURN)
		return nil

	case *ir.SetElement:
		if err := fc.expr(n.Value); err != nil {
			return err
		}
		if err := fc.expr(n.List); err != nil {
			return err
		}
		if err := fc.expr(n.Index); err != nil {
			return err
		}
		fc.setLine(n)
		fc.emit(SETELEMENT)
		return nil

	case *ir.Print:
		if err := fc.expr(n.Value); err != nil {
			return err
		}
		fc.setLine(n)
		fc.emit(PRINT)
		return nil

	default:
		// expression in statement position, discard its value
		if err := fc.expr(n); err != nil {
			return err
		}
		fc.emit(POP)
		return nil
	}
}

func (fc *fcomp) expr(n ir.Node) error {
	fc.setLine(n)

	switch n := n.(type) {
	case *ir.Number:
		fc.emit(IMMEDIATE)
		fc.fn.Chunk.writeFloat(n.Value, fc.line)
		return nil

	case *ir.Bool:
		if n.Value {
			fc.emit(TRUE)
		} else {
			fc.emit(FALSE)
		}
		return nil

	case *ir.Nil:
		fc.emit(NIL)
		return nil

	case *ir.String:
		idx, err := fc.addConstant(n.Value)
		if err != nil {
			return err
		}
		fc.emitArg(CONSTANT, byte(idx))
		return nil

	case *ir.Var:
		return fc.load(n.Binding)

	case *ir.BinOp:
		if err := fc.expr(n.LHS); err != nil {
			return err
		}
		if err := fc.expr(n.RHS); err != nil {
			return err
		}
		fc.setLine(n)
		switch n.Op {
		case ir.Add:
			fc.emit(ADD)
		case ir.Sub:
			fc.emit(SUB)
		case ir.Mul:
			fc.emit(MUL)
		case ir.Div:
			fc.emit(DIV)
		case ir.Rem:
			fc.emit(REM)
		case ir.Eq:
			fc.emit(EQ)
		case ir.Lt:
			fc.emit(LT)
		case ir.Gt:
			fc.emit(GT)
		case ir.Neq:
			fc.emit(EQ)
			fc.emit(NOT)
		case ir.Le:
			fc.emit(GT)
			fc.emit(NOT)
		case ir.Ge:
			fc.emit(LT)
			fc.emit(NOT)
		default:
			return fmt.Errorf("invalid binary operator: %s", n.Op)
		}
		return nil

	case *ir.UnOp:
		if err := fc.expr(n.Operand); err != nil {
			return err
		}
		fc.setLine(n)
		switch n.Op {
		case ir.Neg:
			fc.emit(NEG)
		case ir.Not:
			fc.emit(NOT)
		default:
			return fmt.Errorf("invalid unary operator: %s", n.Op)
		}
		return nil

	case *ir.Call:
		if err := fc.expr(n.Callee); err != nil {
			return err
		}
		for _, arg := range n.Args {
			if err := fc.expr(arg); err != nil {
				return err
			}
		}
		if len(n.Args) > 255 {
			return fmt.Errorf("too many arguments in call to %s", fc.fn.Name)
		}
		fc.setLine(n)
		fc.emitArg(CALL, byte(len(n.Args)))
		return nil

	case *ir.List:
		for _, elem := range n.Elems {
			if err := fc.expr(elem); err != nil {
				return err
			}
		}
		if len(n.Elems) > 255 {
			return fmt.Errorf("too many elements in list literal")
		}
		fc.setLine(n)
		fc.emitArg(LIST, byte(len(n.Elems)))
		return nil

	case *ir.GetElement:
		if err := fc.expr(n.List); err != nil {
			return err
		}
		if err := fc.expr(n.Index); err != nil {
			return err
		}
		fc.setLine(n)
		fc.emit(GETELEMENT)
		return nil

	default:
		return fmt.Errorf("cannot use %T in expression position", n)
	}
}

// bindTarget consumes the value on top of the stack to create the binding:
// globals move it to the global table, locals claim it as the next stack
// slot of the frame.
func (fc *fcomp) bindTarget(b ir.Binding) error {
	if b.Kind == ir.Global {
		idx, err := fc.addConstant(b.Name)
		if err != nil {
			return err
		}
		fc.emitArg(DEFINEGLOBAL, byte(idx))
		return nil
	}
	return fc.addLocal(b.Name)
}

func (fc *fcomp) assign(b ir.Binding, value ir.Node) error {
	if err := fc.expr(value); err != nil {
		return err
	}
	if b.Kind == ir.Global {
		idx, err := fc.addConstant(b.Name)
		if err != nil {
			return err
		}
		fc.emitArg(SETGLOBAL, byte(idx))
		return nil
	}
	if slot := fc.resolveLocal(b.Name); slot >= 0 {
		fc.emitArg(SETLOCAL, byte(slot))
		return nil
	}
	idx, err := fc.resolveUpvalue(b.Name)
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("unresolved name: %s", b.Name)
	}
	fc.emitArg(SETUPVALUE, byte(idx))
	return nil
}

func (fc *fcomp) load(b ir.Binding) error {
	if b.Kind == ir.Global {
		idx, err := fc.addConstant(b.Name)
		if err != nil {
			return err
		}
		fc.emitArg(GETGLOBAL, byte(idx))
		return nil
	}
	if slot := fc.resolveLocal(b.Name); slot >= 0 {
		fc.emitArg(GETLOCAL, byte(slot))
		return nil
	}
	idx, err := fc.resolveUpvalue(b.Name)
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("unresolved name: %s", b.Name)
	}
	fc.emitArg(GETUPVALUE, byte(idx))
	return nil
}

func (fc *fcomp) funcDecl(n *ir.Function) error {
	// a local function claims its slot before its body compiles, so that
	// the body can capture it and call itself recursively. The slot holds
	// the closure once CLOSURE pushes it.
	if n.Binding.Kind == ir.Local {
		if err := fc.addLocal(n.Binding.Name); err != nil {
			return err
		}
	}

	fn, upvals, err := fc.pcomp.function(n.Binding.Name, n.Params, n.Body, fc)
	if err != nil {
		return err
	}
	idx, err := fc.addConstant(fn)
	if err != nil {
		return err
	}
	fc.setLine(n)
	fc.emitArg(CLOSURE, byte(idx))
	for _, uv := range upvals {
		isLocal := byte(0)
		if uv.isLocal {
			isLocal = 1
		}
		fc.emitByte(isLocal)
		fc.emitByte(byte(uv.index))
	}

	if n.Binding.Kind == ir.Global {
		nameIdx, err := fc.addConstant(n.Binding.Name)
		if err != nil {
			return err
		}
		fc.emitArg(DEFINEGLOBAL, byte(nameIdx))
	}
	return nil
}

func (fc *fcomp) ifStmt(n *ir.If) error {
	if err := fc.expr(n.Cond); err != nil {
		return err
	}
	fc.setLine(n)
	jze := fc.emitJump(JZE)
	fc.emit(POP)

	fc.beginScope()
	if err := fc.stmts(n.Then); err != nil {
		return err
	}
	fc.endScope()

	jmp := fc.emitJump(JMP)
	if err := fc.patchJump(jze); err != nil {
		return err
	}
	fc.emit(POP)

	if n.Else != nil {
		fc.beginScope()
		if err := fc.stmts(n.Else); err != nil {
			return err
		}
		fc.endScope()
	}
	return fc.patchJump(jmp)
}

func (fc *fcomp) whileStmt(n *ir.While) error {
	start := len(fc.fn.Chunk.Code)
	if err := fc.expr(n.Cond); err != nil {
		return err
	}
	fc.setLine(n)
	jze := fc.emitJump(JZE)
	fc.emit(POP)

	fc.beginScope()
	if err := fc.stmts(n.Body); err != nil {
		return err
	}
	fc.endScope()

	if err := fc.emitLoop(start); err != nil {
		return err
	}
	if err := fc.patchJump(jze); err != nil {
		return err
	}
	fc.emit(POP)
	return nil
}

func (fc *fcomp) beginScope() { fc.scopeDepth++ }

// endScope releases the locals declared in the scope being left, closing
// the upvalues that captured any of them.
func (fc *fcomp) endScope() {
	fc.scopeDepth--
	for len(fc.locals) > 0 {
		l := fc.locals[len(fc.locals)-1]
		if l.depth <= fc.scopeDepth {
			break
		}
		if l.captured {
			fc.emit(CLOSEUPVALUE)
		} else {
			fc.emit(POP)
		}
		fc.locals = fc.locals[:len(fc.locals)-1]
	}
}

func (fc *fcomp) addLocal(name string) error {
	if len(fc.locals) > 255 {
		return fmt.Errorf("too many locals in function %s", fc.fn.Name)
	}
	fc.locals = append(fc.locals, local{name: name, depth: fc.scopeDepth})
	return nil
}

func (fc *fcomp) resolveLocal(name string) int {
	for i := len(fc.locals) - 1; i > 0; i-- {
		if fc.locals[i].name == name {
			return i
		}
	}
	return -1
}

// resolveUpvalue introduces name as an upvalue of the current function,
// recursively introducing it in each enclosing function between the
// declaring one and this one. It returns -1 if the name resolves to no
// enclosing local.
func (fc *fcomp) resolveUpvalue(name string) (int, error) {
	if fc.enclosing == nil {
		return -1, nil
	}
	if slot := fc.enclosing.resolveLocal(name); slot >= 0 {
		fc.enclosing.locals[slot].captured = true
		return fc.addUpvalue(true, slot)
	}
	idx, err := fc.enclosing.resolveUpvalue(name)
	if err != nil || idx < 0 {
		return idx, err
	}
	return fc.addUpvalue(false, idx)
}

// addUpvalue allocates upvalue indexes in order of first reference,
// deduplicating repeated captures of the same slot.
func (fc *fcomp) addUpvalue(isLocal bool, index int) (int, error) {
	for i, uv := range fc.upvals {
		if uv.isLocal == isLocal && uv.index == index {
			return i, nil
		}
	}
	if len(fc.upvals) >= 255 {
		return -1, fmt.Errorf("too many upvalues in function %s", fc.fn.Name)
	}
	fc.upvals = append(fc.upvals, upval{isLocal: isLocal, index: index})
	return len(fc.upvals) - 1, nil
}

func (fc *fcomp) addConstant(c Constant) (int, error) {
	if idx, ok := fc.consts[c]; ok {
		return idx, nil
	}
	if len(fc.fn.Chunk.Constants) >= MaxConstants {
		return -1, fmt.Errorf("too many constants in function %s", fc.fn.Name)
	}
	idx := len(fc.fn.Chunk.Constants)
	fc.fn.Chunk.Constants = append(fc.fn.Chunk.Constants, c)
	fc.consts[c] = idx
	return idx, nil
}

func (fc *fcomp) setLine(n ir.Node) {
	if l := n.Line(); l > 0 {
		fc.line = l
	}
}

func (fc *fcomp) emit(op Opcode) { fc.fn.Chunk.writeByte(byte(op), fc.line) }
func (fc *fcomp) emitByte(b byte) { fc.fn.Chunk.writeByte(b, fc.line) }

func (fc *fcomp) emitArg(op Opcode, arg byte) {
	fc.emit(op)
	fc.emitByte(arg)
}

// emitJump emits a forward jump with a placeholder target and returns the
// offset of the operand for later patching.
func (fc *fcomp) emitJump(op Opcode) int {
	fc.emit(op)
	operand := len(fc.fn.Chunk.Code)
	fc.fn.Chunk.writeU16(0, fc.line)
	return operand
}

func (fc *fcomp) patchJump(operand int) error {
	target := len(fc.fn.Chunk.Code)
	if target > 0xffff {
		return fmt.Errorf("jump out of range in function %s", fc.fn.Name)
	}
	fc.fn.Chunk.patchU16(operand, uint16(target))
	return nil
}

// emitLoop emits a backward jump to start, encoded as a delta relative to
// the ip once the operand has been read.
func (fc *fcomp) emitLoop(start int) error {
	fc.emit(LOOP)
	delta := len(fc.fn.Chunk.Code) + 2 - start
	if delta > 0xffff {
		return fmt.Errorf("jump out of range in function %s", fc.fn.Name)
	}
	fc.fn.Chunk.writeU16(uint16(delta), fc.line)
	return nil
}
