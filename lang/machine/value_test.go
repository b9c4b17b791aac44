package machine_test

import (
	"math"
	"testing"

	"github.com/mna/nymph/lang/machine"
	"github.com/stretchr/testify/assert"
)

func TestTruth(t *testing.T) {
	h := machine.NewHeap()
	empty := machine.Ref(h.Alloc(machine.String("")))
	list := machine.Ref(h.Alloc(machine.NewList(nil)))

	cases := []struct {
		desc string
		v    machine.Value
		want bool
	}{
		{"nil", machine.Nil, false},
		{"false", machine.False, false},
		{"true", machine.True, true},
		{"zero", machine.Float(0), true},
		{"negative zero", machine.Float(math.Copysign(0, -1)), true},
		{"nan", machine.Float(math.NaN()), true},
		{"number", machine.Float(3), true},
		{"empty string", empty, true},
		{"empty list", list, true},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			assert.Equal(t, c.want, machine.Truth(c.v))
		})
	}
}

func TestEqual(t *testing.T) {
	h := machine.NewHeap()
	ab1 := machine.Ref(h.Alloc(machine.String("ab")))
	ab2 := machine.Ref(h.Alloc(machine.String("ab")))
	cd := machine.Ref(h.Alloc(machine.String("cd")))
	l1 := machine.Ref(h.Alloc(machine.NewList(nil)))
	l2 := machine.Ref(h.Alloc(machine.NewList(nil)))

	cases := []struct {
		desc string
		a, b machine.Value
		want bool
	}{
		{"nil == nil", machine.Nil, machine.Nil, true},
		{"true == true", machine.True, machine.True, true},
		{"true != false", machine.True, machine.False, false},
		{"floats equal", machine.Float(1.5), machine.Float(1.5), true},
		{"floats differ", machine.Float(1), machine.Float(2), false},
		{"nan bitwise equal", machine.Float(math.NaN()), machine.Float(math.NaN()), true},
		{"mixed kinds", machine.Float(0), machine.False, false},
		{"nil vs false", machine.Nil, machine.False, false},
		{"same string handle", ab1, ab1, true},
		{"string byte equality", ab1, ab2, true},
		{"strings differ", ab1, cd, false},
		{"same list handle", l1, l1, true},
		{"distinct lists", l1, l2, false},
		{"string vs list", ab1, l1, false},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			assert.Equal(t, c.want, machine.Equal(h, c.a, c.b))
		})
	}
}

func TestToString(t *testing.T) {
	h := machine.NewHeap()
	s := machine.Ref(h.Alloc(machine.String("hi")))
	inner := machine.Ref(h.Alloc(machine.NewList([]machine.Value{machine.Float(2)})))
	list := machine.Ref(h.Alloc(machine.NewList([]machine.Value{
		machine.Float(1), machine.Nil, machine.True, inner,
	})))

	assert.Equal(t, "nil", machine.ToString(h, machine.Nil))
	assert.Equal(t, "false", machine.ToString(h, machine.False))
	assert.Equal(t, "1.5", machine.ToString(h, machine.Float(1.5)))
	assert.Equal(t, "hi", machine.ToString(h, s))
	assert.Equal(t, "[1, nil, true, [2]]", machine.ToString(h, list))
}

func TestListIndexing(t *testing.T) {
	l := machine.NewList([]machine.Value{machine.Float(1)})

	assert.Equal(t, machine.Float(1), l.Index(0))
	assert.Equal(t, machine.Nil, l.Index(-1))
	assert.Equal(t, machine.Nil, l.Index(5))

	l.SetIndex(3, machine.Float(9))
	assert.Equal(t, 4, l.Len())
	assert.Equal(t, machine.Nil, l.Index(1))
	assert.Equal(t, machine.Float(9), l.Index(3))
}
