package ir

// A Builder accumulates top-level IR statements and provides constructors
// for every node kind. It is a convenience for embedders and tests that
// produce IR without a front end; nodes can also be built directly.
//
// The builder tracks a current line that is stamped on every node it
// creates; call At to change it as the producer advances through its
// source.
type Builder struct {
	nodes []Node
	line  int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// At sets the source line recorded on subsequently created nodes and
// returns the builder.
func (b *Builder) At(line int) *Builder {
	b.line = line
	return b
}

// Emit appends a node to the top-level statement list.
func (b *Builder) Emit(n Node) { b.nodes = append(b.nodes, n) }

// Build returns the accumulated top-level nodes.
func (b *Builder) Build() []Node { return b.nodes }

func (b *Builder) Number(f float64) *Number { return &Number{node: node{b.line}, Value: f} }
func (b *Builder) Bool(v bool) *Bool { return &Bool{node: node{b.line}, Value: v} }
func (b *Builder) Nil() *Nil { return &Nil{node: node{b.line}} }
func (b *Builder) String(s string) *String { return &String{node: node{b.line}, Value: s} }
func (b *Builder) Var(bind Binding) *Var { return &Var{node: node{b.line}, Binding: bind} }
func (b *Builder) List(elems ...Node) *List { return &List{node: node{b.line}, Elems: elems} }
func (b *Builder) Print(v Node) *Print { return &Print{node: node{b.line}, Value: v} }
func (b *Builder) Return(v Node) *Return { return &Return{node: node{b.line}, Value: v} }

func (b *Builder) Bind(bind Binding, v Node) *Bind {
	return &Bind{node: node{b.line}, Binding: bind, Value: v}
}

func (b *Builder) Assign(bind Binding, v Node) *Assign {
	return &Assign{node: node{b.line}, Binding: bind, Value: v}
}

func (b *Builder) BinOp(op Op, lhs, rhs Node) *BinOp {
	return &BinOp{node: node{b.line}, Op: op, LHS: lhs, RHS: rhs}
}

func (b *Builder) UnOp(op Op, operand Node) *UnOp {
	return &UnOp{node: node{b.line}, Op: op, Operand: operand}
}

func (b *Builder) Call(callee Node, args ...Node) *Call {
	return &Call{node: node{b.line}, Callee: callee, Args: args}
}

func (b *Builder) If(cond Node, then, els []Node) *If {
	return &If{node: node{b.line}, Cond: cond, Then: then, Else: els}
}

func (b *Builder) While(cond Node, body []Node) *While {
	return &While{node: node{b.line}, Cond: cond, Body: body}
}

func (b *Builder) Function(bind Binding, params []string, body []Node) *Function {
	return &Function{node: node{b.line}, Binding: bind, Params: params, Body: body}
}

func (b *Builder) GetElement(list, index Node) *GetElement {
	return &GetElement{node: node{b.line}, List: list, Index: index}
}

func (b *Builder) SetElement(list, index, value Node) *SetElement {
	return &SetElement{node: node{b.line}, List: list, Index: index, Value: value}
}
