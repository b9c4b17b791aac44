package machine

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// globals is the table of global variables, keyed by name.
type globals struct {
	m *swiss.Map[string, Value]
}

func newGlobals(size int) *globals {
	return &globals{m: swiss.NewMap[string, Value](uint32(size))}
}

func (g *globals) get(name string) (Value, bool) {
	return g.m.Get(name)
}

// put stores the value under name, inserting it if absent.
func (g *globals) put(name string, v Value) {
	g.m.Put(name, v)
}

func (g *globals) each(fn func(name string, v Value) bool) {
	g.m.Iter(func(k string, v Value) bool {
		return fn(k, v)
	})
}

func (g *globals) names() []string {
	names := make([]string, 0, g.m.Count())
	g.m.Iter(func(k string, _ Value) bool {
		names = append(names, k)
		return false
	})
	slices.Sort(names)
	return names
}
