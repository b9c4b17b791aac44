package compiler

import (
	"encoding/binary"
	"math"
)

// A Program is the compiled form of a top-level list of IR nodes. It holds
// every function compiled from the tree, the top level first.
type Program struct {
	Toplevel  *Funcode
	Functions []*Funcode
}

// A Funcode is the compiled code of a function. It is logically immutable
// once compilation completes.
type Funcode struct {
	Name        string
	Arity       int
	NumUpvalues int
	Chunk       Chunk
}

// A Chunk is a bytecode buffer together with its constant pool and line
// table. Two-byte and eight-byte operands are little-endian. Constants are
// indexed by a single byte, so a chunk holds at most 256 of them.
type Chunk struct {
	Name      string
	Code      []byte
	Constants []Constant
	lines     []lineEntry
}

// A Constant is a constant-pool entry: a float64, a string, or a *Funcode
// for nested functions. Floats are normally emitted as IMMEDIATE operands;
// the pool form remains available to the assembler.
type Constant interface{}

type lineEntry struct {
	offset int // first code offset covered by this entry
	line   int
}

// MaxConstants is the number of constants addressable by a chunk.
const MaxConstants = 256

// Line returns the source line recorded for the instruction at the given
// code offset, 0 if unknown.
func (c *Chunk) Line(offset int) int {
	line := 0
	for _, e := range c.lines {
		if e.offset > offset {
			break
		}
		line = e.line
	}
	return line
}

func (c *Chunk) writeByte(b byte, line int) {
	if n := len(c.lines); n == 0 || c.lines[n-1].line != line {
		c.lines = append(c.lines, lineEntry{offset: len(c.Code), line: line})
	}
	c.Code = append(c.Code, b)
}

func (c *Chunk) writeU16(v uint16, line int) {
	c.writeByte(byte(v), line)
	c.writeByte(byte(v>>8), line)
}

func (c *Chunk) writeFloat(f float64, line int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	for _, b := range buf {
		c.writeByte(b, line)
	}
}

// patchU16 overwrites the two operand bytes at offset with v.
func (c *Chunk) patchU16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(c.Code[offset:], v)
}
