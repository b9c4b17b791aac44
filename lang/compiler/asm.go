package compiler

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// This asm file implements a human-readable/writable form of a compiled
// program. This is mostly to support testing of the VM without going
// through the IR-producing phases of a higher-level language, and to feed
// the command-line tool. A disassembler is also implemented.
//
// The assembly format looks like this (indentation and spacing is
// arbitrary, but order of sections is important):
//
// 	program:                     # required
//
// 	function: NAME <arity> <nupvals>
//                               # required at least once, first is top level
// 		constants:                 # optional, list of Constants
// 			string "abc"
// 			float  1.34
// 			function 1               # index of a function section in the file
// 		code:                      # required, list of instructions
// 			IMMEDIATE 1
// 			JZE 5                    # jump argument refers to an index in the
// 			                         # code section (translated to a byte address)
// 			CLOSURE 0 1 2            # constant index, then (isLocal, index) pairs
//
// Jump and LOOP arguments are instruction indexes; the assembler translates
// them to absolute byte addresses (JMP, JZE) or a backward byte delta
// (LOOP).

var sections = map[string]bool{
	"program:":   true,
	"function:":  true,
	"constants:": true,
	"code:":      true,
}

// Asm loads a compiled program from its assembler textual format.
func Asm(b []byte) (*Program, error) {
	asm := asm{s: bufio.NewScanner(bytes.NewReader(b))}

	// must start with the program: section
	fields := asm.next()
	asm.program(fields)

	// functions
	fields = asm.next()
	for asm.err == nil && len(fields) > 0 && fields[0] == "function:" {
		fields = asm.function(fields)
	}

	if asm.err == nil {
		if len(fields) > 0 {
			asm.err = fmt.Errorf("unexpected section: %s", fields[0])
		} else if len(asm.fns) == 0 {
			asm.err = errors.New("missing top-level function")
		}
	}
	if asm.err != nil {
		return nil, asm.err
	}
	return asm.assemble()
}

type asmInsn struct {
	op   Opcode
	args []int
	farg float64 // IMMEDIATE operand
}

type asmConst struct {
	value   Constant
	funcRef int // index of the referenced function section, -1 otherwise
}

type asmFn struct {
	name    string
	arity   int
	nupvals int
	consts  []asmConst
	insns   []asmInsn
}

type asm struct {
	s   *bufio.Scanner
	fns []*asmFn
	err error
}

func (a *asm) program(fields []string) {
	if a.err != nil {
		return
	}
	if len(fields) == 0 || !strings.EqualFold(fields[0], "program:") {
		a.err = errors.New("expected program section")
	}
}

func (a *asm) function(fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "function:") {
		return fields
	}

	if len(fields) != 4 {
		a.err = fmt.Errorf("invalid function: want 4 fields: 'function: NAME <arity> <nupvals>', got %d fields (%s)", len(fields), strings.Join(fields, " "))
		return a.next()
	}
	fn := asmFn{
		name:    fields[1],
		arity:   int(a.int(fields[2])),
		nupvals: int(a.int(fields[3])),
	}
	a.fns = append(a.fns, &fn)

	fields = a.next()
	fields = a.constants(&fn, fields)
	fields = a.code(&fn, fields)
	return fields
}

func (a *asm) constants(fn *asmFn, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "constants:") {
		return fields
	}

	fields = a.next()
	for a.err == nil && len(fields) == 2 && !sections[fields[0]] {
		ct := asmConst{funcRef: -1}
		switch fields[0] {
		case "string":
			s, err := strconv.Unquote(fields[1])
			if err != nil {
				a.err = fmt.Errorf("invalid string constant: %s", fields[1])
				return fields
			}
			ct.value = s
		case "float":
			ct.value = a.float(fields[1])
		case "function":
			ct.funcRef = int(a.int(fields[1]))
		default:
			a.err = fmt.Errorf("invalid constant type: %s", fields[0])
			return fields
		}
		fn.consts = append(fn.consts, ct)
		fields = a.next()
	}
	return fields
}

func (a *asm) code(fn *asmFn, fields []string) []string {
	if a.err != nil {
		return fields
	}
	if len(fields) == 0 || !strings.EqualFold(fields[0], "code:") {
		a.err = errors.New("expected code section")
		return fields
	}

	fields = a.next()
	for a.err == nil && len(fields) > 0 && !sections[fields[0]] {
		op, ok := reverseLookupOpcode[strings.ToLower(fields[0])]
		if !ok {
			a.err = fmt.Errorf("invalid opcode: %s", fields[0])
			return fields
		}

		insn := asmInsn{op: op}
		nargs := 0
		if op.ArgLen() > 0 {
			nargs = 1
		}
		switch {
		case op == CLOSURE:
			// constant index plus a variable list of (isLocal, index) pairs
			if len(fields) < 2 || len(fields[1:])%2 == 0 {
				a.err = fmt.Errorf("expected a constant index and (isLocal, index) pairs for opcode %s", op)
				return fields
			}
			for _, f := range fields[1:] {
				insn.args = append(insn.args, int(a.int(f)))
			}
		case op == IMMEDIATE:
			if len(fields) != 2 {
				a.err = fmt.Errorf("expected an argument for opcode %s, got %d fields", op, len(fields))
				return fields
			}
			insn.farg = a.float(fields[1])
		default:
			if len(fields) != nargs+1 {
				a.err = fmt.Errorf("expected an argument for opcode %s, got %d fields", op, len(fields))
				return fields
			}
			for _, f := range fields[1:] {
				insn.args = append(insn.args, int(a.int(f)))
			}
		}
		fn.insns = append(fn.insns, insn)
		fields = a.next()
	}
	return fields
}

// assemble encodes the parsed functions into a Program, resolving function
// constant references and translating jump targets.
func (a *asm) assemble() (*Program, error) {
	prog := &Program{}
	fcs := make([]*Funcode, len(a.fns))
	for i, fn := range a.fns {
		fcs[i] = &Funcode{
			Name:        fn.name,
			Arity:       fn.arity,
			NumUpvalues: fn.nupvals,
			Chunk:       Chunk{Name: fn.name},
		}
		prog.Functions = append(prog.Functions, fcs[i])
	}
	prog.Toplevel = fcs[0]

	for i, fn := range a.fns {
		fc := fcs[i]
		for _, ct := range fn.consts {
			if ct.funcRef >= 0 {
				if ct.funcRef >= len(fcs) {
					return nil, fmt.Errorf("invalid function index: %d", ct.funcRef)
				}
				fc.Chunk.Constants = append(fc.Chunk.Constants, fcs[ct.funcRef])
				continue
			}
			fc.Chunk.Constants = append(fc.Chunk.Constants, ct.value)
		}
		if err := encodeInsns(fc, fn.insns); err != nil {
			return nil, err
		}
	}
	return prog, nil
}

func encodeInsns(fc *Funcode, insns []asmInsn) error {
	// compute the byte address of each instruction so that jump targets
	// can be translated
	addrs := make([]int, len(insns)+1)
	for i, insn := range insns {
		size := 1 + insn.op.ArgLen()
		if insn.op == CLOSURE {
			size += len(insn.args) - 1
		}
		addrs[i+1] = addrs[i] + size
	}

	chunk := &fc.Chunk
	for i, insn := range insns {
		chunk.writeByte(byte(insn.op), 0)
		switch insn.op {
		case JMP, JZE, LOOP:
			tgt := insn.args[0]
			if tgt < 0 || tgt >= len(addrs) {
				return fmt.Errorf("jump target out of range: %d", tgt)
			}
			v := addrs[tgt]
			if insn.op == LOOP {
				v = addrs[i] + 3 - v
			}
			if v < 0 || v > 0xffff {
				return fmt.Errorf("jump target out of range: %d", tgt)
			}
			chunk.writeU16(uint16(v), 0)
		case IMMEDIATE:
			chunk.writeFloat(insn.farg, 0)
		default:
			for _, arg := range insn.args {
				if arg < 0 || arg > 0xff {
					return fmt.Errorf("argument out of range for opcode %s: %d", insn.op, arg)
				}
				chunk.writeByte(byte(arg), 0)
			}
		}
	}
	return nil
}

func (a *asm) int(s string) int64 {
	if a.err != nil {
		return 0
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		a.err = fmt.Errorf("invalid integer: %s", s)
	}
	return i
}

func (a *asm) float(s string) float64 {
	if a.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		a.err = fmt.Errorf("invalid float: %s", s)
	}
	return f
}

// next returns the fields of the next non-empty, non-comment line.
func (a *asm) next() []string {
	if a.err != nil {
		return nil
	}
	for a.s.Scan() {
		line := a.s.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return fields
	}
	a.err = a.s.Err()
	return nil
}

// Dasm writes a compiled program to its assembler textual format, which
// can be loaded back with Asm.
func Dasm(p *Program) ([]byte, error) {
	fnIndex := make(map[*Funcode]int, len(p.Functions))
	for i, fn := range p.Functions {
		fnIndex[fn] = i
	}
	if _, ok := fnIndex[p.Toplevel]; !ok {
		return nil, errors.New("top-level function missing from program functions")
	}

	var buf bytes.Buffer
	buf.WriteString("program:\n")
	for _, fn := range p.Functions {
		buf.WriteString("\n")
		fmt.Fprintf(&buf, "function: %s %d %d\n", fn.Name, fn.Arity, fn.NumUpvalues)

		if len(fn.Chunk.Constants) > 0 {
			buf.WriteString("\tconstants:\n")
			for _, ct := range fn.Chunk.Constants {
				switch ct := ct.(type) {
				case string:
					fmt.Fprintf(&buf, "\t\tstring %s\n", strconv.Quote(ct))
				case float64:
					fmt.Fprintf(&buf, "\t\tfloat %s\n", strconv.FormatFloat(ct, 'g', -1, 64))
				case *Funcode:
					ix, ok := fnIndex[ct]
					if !ok {
						return nil, fmt.Errorf("unknown function constant in %s", fn.Name)
					}
					fmt.Fprintf(&buf, "\t\tfunction %d\n", ix)
				default:
					return nil, fmt.Errorf("invalid constant type: %T", ct)
				}
			}
		}

		buf.WriteString("\tcode:\n")
		if err := dasmCode(&buf, fn); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func dasmCode(buf *bytes.Buffer, fn *Funcode) error {
	code := fn.Chunk.Code

	// map byte addresses to instruction indexes for jump translation
	addrToIndex := make(map[int]int)
	count := 0
	for pc := 0; pc < len(code); count++ {
		addrToIndex[pc] = count
		var err error
		if pc, err = skipInsn(fn, pc); err != nil {
			return err
		}
	}
	addrToIndex[len(code)] = count

	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		fmt.Fprintf(buf, "\t\t%s", strings.ToUpper(op.String()))
		switch op {
		case JMP, JZE, LOOP:
			v := int(binary.LittleEndian.Uint16(code[pc+1:]))
			if op == LOOP {
				v = pc + 3 - v
			}
			ix, ok := addrToIndex[v]
			if !ok {
				return fmt.Errorf("jump to a non-instruction boundary in %s: %d", fn.Name, v)
			}
			fmt.Fprintf(buf, " %d", ix)
		case IMMEDIATE:
			f := math.Float64frombits(binary.LittleEndian.Uint64(code[pc+1:]))
			fmt.Fprintf(buf, " %s", strconv.FormatFloat(f, 'g', -1, 64))
		case CLOSURE:
			fmt.Fprintf(buf, " %d", code[pc+1])
			n, err := closurePairs(fn, pc)
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				fmt.Fprintf(buf, " %d %d", code[pc+2+2*i], code[pc+3+2*i])
			}
		default:
			for i := 0; i < op.ArgLen(); i++ {
				fmt.Fprintf(buf, " %d", code[pc+1+i])
			}
		}
		buf.WriteString("\n")
		var err error
		if pc, err = skipInsn(fn, pc); err != nil {
			return err
		}
	}
	return nil
}

// skipInsn returns the byte address of the instruction following the one
// at pc, accounting for the variable-size CLOSURE operands.
func skipInsn(fn *Funcode, pc int) (int, error) {
	op := Opcode(fn.Chunk.Code[pc])
	size := 1 + op.ArgLen()
	if op == CLOSURE {
		n, err := closurePairs(fn, pc)
		if err != nil {
			return 0, err
		}
		size += 2 * n
	}
	return pc + size, nil
}

func closurePairs(fn *Funcode, pc int) (int, error) {
	ix := fn.Chunk.Code[pc+1]
	if int(ix) >= len(fn.Chunk.Constants) {
		return 0, fmt.Errorf("invalid constant index in %s: %d", fn.Name, ix)
	}
	target, ok := fn.Chunk.Constants[ix].(*Funcode)
	if !ok {
		return 0, fmt.Errorf("closure constant is not a function in %s", fn.Name)
	}
	return target.NumUpvalues, nil
}
