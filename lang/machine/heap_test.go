package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocGet(t *testing.T) {
	h := NewHeap()
	h1 := h.Alloc(String("a"))
	h2 := h.Alloc(NewList([]Value{Float(1)}))

	assert.Equal(t, 2, h.Live())
	assert.Equal(t, String("a"), h.Get(h1))
	require.IsType(t, (*List)(nil), h.Get(h2))
	assert.NotEqual(t, h1, h2)

	// the zero handle refers to no object
	assert.Nil(t, h.Get(Handle{}))
}

func TestHeapSweepFreesUnmarked(t *testing.T) {
	h := NewHeap()
	keep := h.Alloc(String("keep"))
	drop := h.Alloc(String("drop"))

	h.mark(keep)
	h.sweep()

	assert.Equal(t, 1, h.Live())
	assert.Equal(t, String("keep"), h.Get(keep))
	assert.Nil(t, h.Get(drop), "stale handle must miss")
}

func TestHeapSlotReuseBumpsGeneration(t *testing.T) {
	h := NewHeap()
	old := h.Alloc(String("old"))
	h.sweep() // nothing marked, everything freed

	fresh := h.Alloc(String("fresh"))
	assert.Equal(t, old.index, fresh.index, "slot should be recycled")
	assert.NotEqual(t, old.gen, fresh.gen)
	assert.Nil(t, h.Get(old))
	assert.Equal(t, String("fresh"), h.Get(fresh))
}

func TestHeapMarkTransitive(t *testing.T) {
	h := NewHeap()
	sh := h.Alloc(String("elem"))
	lh := h.Alloc(NewList([]Value{Ref(sh)}))

	fnh := h.Alloc(&Function{constants: []Value{Ref(lh)}})
	uv := newOpenUpvalue(0)
	uv.close(Ref(sh))
	ch := h.Alloc(&Closure{Function: fnh, Upvalues: []*UpValue{uv}})

	h.mark(ch)
	h.sweep()

	// everything is reachable from the closure: its function, the list in
	// the function's constants, the string element, the closed upvalue
	assert.Equal(t, 4, h.Live())
	assert.Equal(t, String("elem"), h.Get(sh))
	assert.NotNil(t, h.Get(lh))
	assert.NotNil(t, h.Get(fnh))
}

func TestHeapMarkOpenUpvalueIgnored(t *testing.T) {
	h := NewHeap()
	sh := h.Alloc(String("on-stack"))
	fnh := h.Alloc(&Function{})
	uv := newOpenUpvalue(3) // aliases a stack slot, rooted by the stack
	ch := h.Alloc(&Closure{Function: fnh, Upvalues: []*UpValue{uv}})

	h.mark(ch)
	h.sweep()

	assert.Nil(t, h.Get(sh), "open upvalues do not root heap objects")
	assert.NotNil(t, h.Get(ch))
}

func TestHeapSweepClearsMarks(t *testing.T) {
	h := NewHeap()
	hd := h.Alloc(String("x"))
	h.mark(hd)
	h.sweep()
	// a second sweep with no marking must now free the object
	h.sweep()
	assert.Equal(t, 0, h.Live())
	assert.Nil(t, h.Get(hd))
}

func TestHeapCycle(t *testing.T) {
	// closure A captures closure B that captures A; both are collected
	// once unreachable despite the cycle
	h := NewHeap()
	fnh := h.Alloc(&Function{})
	uvA, uvB := newOpenUpvalue(0), newOpenUpvalue(1)
	ah := h.Alloc(&Closure{Function: fnh, Upvalues: []*UpValue{uvB}})
	bh := h.Alloc(&Closure{Function: fnh, Upvalues: []*UpValue{uvA}})
	uvA.close(Ref(ah))
	uvB.close(Ref(bh))

	h.mark(ah)
	h.sweep()
	assert.Equal(t, 3, h.Live(), "cycle reachable from a root survives")

	h.sweep()
	assert.Equal(t, 0, h.Live(), "unreachable cycle is fully reclaimed")
}
