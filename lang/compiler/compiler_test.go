package compiler_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/mna/nymph/lang/compiler"
	"github.com/mna/nymph/lang/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileDasm(t *testing.T, nodes []ir.Node) string {
	t.Helper()
	prog, err := compiler.Compile("main", nodes)
	require.NoError(t, err)
	b, err := compiler.Dasm(prog)
	require.NoError(t, err)
	return string(b)
}

func TestCompileArithmetic(t *testing.T) {
	// global r = 1 + 2 * 3
	b := ir.NewBuilder()
	b.Emit(b.Bind(ir.GlobalBinding("r"),
		b.BinOp(ir.Add, b.Number(1), b.BinOp(ir.Mul, b.Number(2), b.Number(3)))))

	want := `program:

function: main 0 0
	constants:
		string "r"
	code:
		IMMEDIATE 1
		IMMEDIATE 2
		IMMEDIATE 3
		MUL
		ADD
		DEFINEGLOBAL 0
		NIL
		RETURN
`
	assert.Equal(t, want, compileDasm(t, b.Build()))
}

func TestCompileIfElse(t *testing.T) {
	// if true { global a = 1 } else { global a = 2 }
	b := ir.NewBuilder()
	a := ir.GlobalBinding("a")
	b.Emit(b.If(b.Bool(true),
		[]ir.Node{b.Bind(a, b.Number(1))},
		[]ir.Node{b.Bind(a, b.Number(2))}))

	want := `program:

function: main 0 0
	constants:
		string "a"
	code:
		TRUE
		JZE 6
		POP
		IMMEDIATE 1
		DEFINEGLOBAL 0
		JMP 9
		POP
		IMMEDIATE 2
		DEFINEGLOBAL 0
		NIL
		RETURN
`
	assert.Equal(t, want, compileDasm(t, b.Build()))
}

func TestCompileWhile(t *testing.T) {
	// let i = 0; while i < 2 { i = i + 1 }
	b := ir.NewBuilder()
	i := ir.LocalBinding("i", 0, 0)
	b.Emit(b.Bind(i, b.Number(0)))
	b.Emit(b.While(b.BinOp(ir.Lt, b.Var(i), b.Number(2)), []ir.Node{
		b.Assign(i, b.BinOp(ir.Add, b.Var(i), b.Number(1))),
	}))

	want := `program:

function: main 0 0
	code:
		IMMEDIATE 0
		GETLOCAL 1
		IMMEDIATE 2
		LT
		JZE 12
		POP
		GETLOCAL 1
		IMMEDIATE 1
		ADD
		SETLOCAL 1
		POP
		LOOP 1
		POP
		NIL
		RETURN
`
	assert.Equal(t, want, compileDasm(t, b.Build()))
}

func TestCompileNestedClosures(t *testing.T) {
	// let a = 10
	// fn id() { fn bob() { return a }; return bob() }
	b := ir.NewBuilder()
	a := ir.LocalBinding("a", 0, 0)
	bob := ir.LocalBinding("bob", 0, 1)
	b.Emit(b.Bind(a, b.Number(10)))
	b.Emit(b.Function(ir.GlobalBinding("id"), nil, []ir.Node{
		b.Function(bob, nil, []ir.Node{b.Return(b.Var(a))}),
		b.Return(b.Call(b.Var(bob))),
	}))

	want := `program:

function: main 0 0
	constants:
		function 1
		string "id"
	code:
		IMMEDIATE 10
		CLOSURE 0 1 1
		DEFINEGLOBAL 1
		NIL
		RETURN

function: id 0 1
	constants:
		function 2
	code:
		CLOSURE 0 0 0
		GETLOCAL 1
		CALL 0
		RETURN
		NIL
		RETURN

function: bob 0 1
	code:
		GETUPVALUE 0
		RETURN
		NIL
		RETURN
`
	assert.Equal(t, want, compileDasm(t, b.Build()))
}

func TestCompileScopedLocals(t *testing.T) {
	// locals declared in an if arm are released when the arm ends
	b := ir.NewBuilder()
	tmp := ir.LocalBinding("tmp", 1, 0)
	b.Emit(b.If(b.Bool(true), []ir.Node{
		b.Bind(tmp, b.Number(1)),
		b.Assign(ir.GlobalBinding("g"), b.Var(tmp)),
	}, nil))

	want := `program:

function: main 0 0
	constants:
		string "g"
	code:
		TRUE
		JZE 9
		POP
		IMMEDIATE 1
		GETLOCAL 1
		SETGLOBAL 0
		POP
		POP
		JMP 10
		POP
		NIL
		RETURN
`
	assert.Equal(t, want, compileDasm(t, b.Build()))
}

func TestCompileUpvalueDedup(t *testing.T) {
	// two references to the same captured variable share one upvalue
	b := ir.NewBuilder()
	c := ir.LocalBinding("c", 0, 0)
	b.Emit(b.Bind(c, b.Number(0)))
	b.Emit(b.Function(ir.GlobalBinding("f"), nil, []ir.Node{
		b.Return(b.BinOp(ir.Add, b.Var(c), b.Var(c))),
	}))

	prog, err := compiler.Compile("main", b.Build())
	require.NoError(t, err)
	require.Len(t, prog.Functions, 2)
	assert.Equal(t, 1, prog.Functions[1].NumUpvalues)
}

func TestCompileConstantDedup(t *testing.T) {
	b := ir.NewBuilder()
	g := ir.GlobalBinding("g")
	b.Emit(b.Bind(g, b.Number(1)))
	b.Emit(b.Assign(g, b.Number(2)))
	b.Emit(b.Bind(ir.GlobalBinding("h"), b.Var(g)))

	prog, err := compiler.Compile("main", b.Build())
	require.NoError(t, err)
	assert.Equal(t, []compiler.Constant{"g", "h"}, prog.Toplevel.Chunk.Constants)
}

// instrBoundaries decodes the chunk and returns the set of byte offsets
// that start an instruction, including the end of the code.
func instrBoundaries(t *testing.T, fn *compiler.Funcode) map[int]bool {
	t.Helper()
	bounds := make(map[int]bool)
	code := fn.Chunk.Code
	for pc := 0; pc < len(code); {
		bounds[pc] = true
		op := compiler.Opcode(code[pc])
		size := 1 + op.ArgLen()
		if op == compiler.CLOSURE {
			target, ok := fn.Chunk.Constants[code[pc+1]].(*compiler.Funcode)
			require.True(t, ok, "closure constant must be a function")
			size += 2 * target.NumUpvalues
		}
		pc += size
	}
	bounds[len(code)] = true
	return bounds
}

func TestCompileJumpTargetsOnBoundaries(t *testing.T) {
	// every jump of a compiled program lands on an opcode boundary within
	// the chunk
	b := ir.NewBuilder()
	i := ir.LocalBinding("i", 0, 0)
	b.Emit(b.Bind(i, b.Number(0)))
	b.Emit(b.While(b.BinOp(ir.Lt, b.Var(i), b.Number(3)), []ir.Node{
		b.If(b.BinOp(ir.Eq, b.Var(i), b.Number(1)),
			[]ir.Node{b.Assign(ir.GlobalBinding("seen"), b.Var(i))},
			[]ir.Node{b.Assign(ir.GlobalBinding("other"), b.Var(i))}),
		b.Assign(i, b.BinOp(ir.Add, b.Var(i), b.Number(1))),
	}))
	b.Emit(b.If(b.Bool(false), []ir.Node{b.Bind(ir.GlobalBinding("no"), b.Nil())}, nil))

	prog, err := compiler.Compile("main", b.Build())
	require.NoError(t, err)

	for _, fn := range prog.Functions {
		bounds := instrBoundaries(t, fn)
		code := fn.Chunk.Code
		for pc := 0; pc < len(code); {
			op := compiler.Opcode(code[pc])
			switch op {
			case compiler.JMP, compiler.JZE:
				tgt := int(binary.LittleEndian.Uint16(code[pc+1:]))
				assert.True(t, bounds[tgt], "%s at %d jumps to non-boundary %d", op, pc, tgt)
				assert.LessOrEqual(t, tgt, len(code))
			case compiler.LOOP:
				delta := int(binary.LittleEndian.Uint16(code[pc+1:]))
				tgt := pc + 3 - delta
				assert.True(t, bounds[tgt], "loop at %d jumps to non-boundary %d", pc, tgt)
				assert.GreaterOrEqual(t, tgt, 0)
			}
			size := 1 + op.ArgLen()
			if op == compiler.CLOSURE {
				target := fn.Chunk.Constants[code[pc+1]].(*compiler.Funcode)
				size += 2 * target.NumUpvalues
			}
			pc += size
		}
	}
}

func TestCompileLineTable(t *testing.T) {
	b := ir.NewBuilder()
	b.At(3).Emit(b.Bind(ir.GlobalBinding("x"), b.Number(1)))
	b.At(7).Emit(b.Bind(ir.GlobalBinding("y"), b.Number(2)))

	prog, err := compiler.Compile("main", b.Build())
	require.NoError(t, err)

	chunk := &prog.Toplevel.Chunk
	assert.Equal(t, 3, chunk.Line(0))
	// IMMEDIATE is 9 bytes, DEFINEGLOBAL 2: second statement starts at 11
	assert.Equal(t, 7, chunk.Line(11))
	assert.Equal(t, 0, chunk.Line(-1))
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		desc  string
		nodes func(b *ir.Builder)
		err   string
	}{
		{"unresolved local read", func(b *ir.Builder) {
			b.Emit(b.Var(ir.LocalBinding("x", 0, 0)))
		}, "unresolved name: x"},

		{"unresolved local write", func(b *ir.Builder) {
			b.Emit(b.Assign(ir.LocalBinding("x", 0, 0), b.Number(1)))
		}, "unresolved name: x"},

		{"statement in expression position", func(b *ir.Builder) {
			b.Emit(b.Bind(ir.GlobalBinding("g"), b.Bind(ir.GlobalBinding("h"), b.Number(1))))
		}, "cannot use *ir.Bind in expression position"},

		{"too many constants", func(b *ir.Builder) {
			for i := 0; i < 300; i++ {
				b.Emit(b.Bind(ir.GlobalBinding(fmt.Sprintf("g%d", i)), b.Number(1)))
			}
		}, "too many constants"},

		{"too many locals", func(b *ir.Builder) {
			for i := 0; i < 300; i++ {
				b.Emit(b.Bind(ir.LocalBinding(fmt.Sprintf("l%d", i), 0, 0), b.Number(1)))
			}
		}, "too many locals"},
	}

	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			b := ir.NewBuilder()
			c.nodes(b)
			_, err := compiler.Compile("main", b.Build())
			require.Error(t, err)
			assert.ErrorContains(t, err, c.err)
		})
	}
}
