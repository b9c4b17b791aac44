package machine

// A Handle is a stable, opaque reference to a heap object. Handles are
// not invalidated by collections as long as the object stays reachable;
// the generation counter makes a handle to a swept object detectable
// instead of dangling. The zero Handle refers to no object.
type Handle struct {
	index uint32
	gen   uint32
}

type slot struct {
	obj    Object
	gen    uint32
	marked bool
}

// A Heap is an owning store for objects. Objects are allocated in slots
// and never move; a slot is recycled once its object has been swept, with
// its generation bumped so stale handles miss.
type Heap struct {
	slots []slot
	free  []uint32
	live  int
}

// NewHeap returns an empty heap.
func NewHeap() *Heap { return &Heap{} }

// Alloc stores an object and returns its handle. It never collects; the
// machine drives collection so that it can provide the root set.
func (h *Heap) Alloc(o Object) Handle {
	if n := len(h.free); n > 0 {
		ix := h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[ix].obj = o
		h.live++
		return Handle{index: ix, gen: h.slots[ix].gen}
	}
	h.slots = append(h.slots, slot{obj: o, gen: 1})
	h.live++
	return Handle{index: uint32(len(h.slots) - 1), gen: 1}
}

// Get returns the object referenced by hd, or nil if the handle is stale
// or was never allocated. Correct bytecode never observes a nil result:
// the collector only sweeps objects unreachable from the machine roots.
func (h *Heap) Get(hd Handle) Object {
	if int(hd.index) >= len(h.slots) {
		return nil
	}
	s := &h.slots[hd.index]
	if s.gen != hd.gen {
		return nil
	}
	return s.obj
}

// Live returns the number of live objects.
func (h *Heap) Live() int { return h.live }

// markValue marks the object held by v, if any.
func (h *Heap) markValue(v Value) {
	if v.kind == KindObject {
		h.mark(v.h)
	}
}

// mark colours the object referenced by hd and everything transitively
// reachable from it through object-internal handles.
func (h *Heap) mark(hd Handle) {
	if int(hd.index) >= len(h.slots) {
		return
	}
	s := &h.slots[hd.index]
	if s.gen != hd.gen || s.obj == nil || s.marked {
		return
	}
	s.marked = true

	switch o := s.obj.(type) {
	case *Function:
		for _, c := range o.constants {
			h.markValue(c)
		}
	case *Closure:
		h.mark(o.Function)
		for _, uv := range o.Upvalues {
			if v, ok := uv.closedValue(); ok {
				h.markValue(v)
			}
		}
	case *List:
		for _, e := range o.elems {
			h.markValue(e)
		}
	}
}

// sweep frees every unmarked object and clears the colour bits, returning
// the number of objects freed.
func (h *Heap) sweep() int {
	freed := 0
	for i := range h.slots {
		s := &h.slots[i]
		if s.obj == nil {
			continue
		}
		if s.marked {
			s.marked = false
			continue
		}
		s.obj = nil
		s.gen++
		h.free = append(h.free, uint32(i))
		h.live--
		freed++
	}
	return freed
}
