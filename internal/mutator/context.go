// Package mutator binds a single executing thread's allocation state:
// its current allocation page, its current non-relocatable page
// (carried on the page itself, per §4.2), and the object-allocation
// entry point the interpreter calls into (§4.3). It also implements
// the interpreter-facing glue §6 describes (get_page/set_page,
// walk_roots, safepoint_ack) as a stand-in for the real bytecode
// interpreter, which spec.md places out of scope.
package mutator

import (
	"sync"
	"sync/atomic"

	"github.com/jacob-hughes/sompp-go/internal/object"
	"github.com/jacob-hughes/sompp-go/internal/pageheap"
)

// Context is one mutator thread's binding to the heap: current
// allocation page and the identity it presents to the collector.
// Prefer per-mutator non-relocatable pages (carried on Page itself)
// over a heap-shared one — spec.md §9 leaves this as an open question
// and favors per-mutator to avoid cross-thread bump-pointer
// contention; SPEC_FULL.md commits to that choice.
type Context struct {
	id      uint64
	heap    *pageheap.PagedHeap
	barrier *pageheap.Barrier

	mu   sync.Mutex
	page *pageheap.Page

	rootsMu sync.Mutex
	roots   []uintptr

	observedEpoch atomic.Uint64
}

// New binds a fresh mutator context to heap, requesting its initial
// allocation page and a sibling non-relocatable page.
func New(id uint64, heap *pageheap.PagedHeap, barrier *pageheap.Barrier) (*Context, error) {
	page, err := heap.RequestPage()
	if err != nil {
		return nil, err
	}
	nrPage, err := heap.RequestPage()
	if err != nil {
		return nil, err
	}
	page.SetNonRelocatablePage(nrPage)

	return &Context{id: id, heap: heap, barrier: barrier, page: page}, nil
}

// ID returns the identity this mutator presents to the collector.
func (c *Context) ID() uint64 { return c.id }

// GetPage returns the mutator's current allocation page.
func (c *Context) GetPage() *pageheap.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// SetPage installs p as the mutator's current allocation page.
func (c *Context) SetPage(p *pageheap.Page) {
	c.mu.Lock()
	c.page = p
	c.mu.Unlock()
}

// AllocateObject is the object-allocation entry point (§4.3). size and
// class bookkeeping live in hdr; outsideNursery is accepted and
// ignored, reserved for a future generational variant exactly as
// spec.md describes. nonRelocatable routes to the pinned-allocation
// path (§4.2) instead of the ordinary bump path.
func (c *Context) AllocateObject(hdr object.Header, outsideNursery, nonRelocatable bool) (uintptr, error) {
	_ = outsideNursery
	c.observedEpoch.Store(c.heap.CurrentEpoch())

	if nonRelocatable {
		return c.allocateNonRelocatable(hdr)
	}

	c.mu.Lock()
	page := c.page
	c.mu.Unlock()

	addr, err := page.Allocate(hdr.Size())
	if err != nil {
		return 0, err
	}
	page.Record(addr, hdr)

	if page.IsFull() {
		if err := c.handoverLocked(page); err != nil {
			return 0, err
		}
	}

	// The allocation just made always lives on the page that was
	// current before any handover — it completed before the handover,
	// per §4.3 step 4.
	return addr, nil
}

// handoverLocked relinquishes the full page back to the heap, requests
// a fresh one, and installs it as current, carrying over the
// non-relocatable sibling.
func (c *Context) handoverLocked(full *pageheap.Page) error {
	c.heap.RelinquishPage(full)

	fresh, err := c.heap.RequestPage()
	if err != nil {
		return err
	}
	fresh.SetNonRelocatablePage(full.NonRelocatablePage())

	c.mu.Lock()
	c.page = fresh
	c.mu.Unlock()
	return nil
}

// allocateNonRelocatable bump-allocates into the current non-
// relocatable page (§4.2), promoting it to the heap's retained pool
// and requesting a replacement once it fills.
func (c *Context) allocateNonRelocatable(hdr object.Header) (uintptr, error) {
	c.mu.Lock()
	page := c.page
	c.mu.Unlock()

	nrPage := page.NonRelocatablePage()
	addr, err := nrPage.Allocate(hdr.Size())
	if err != nil {
		return 0, err
	}
	nrPage.Record(addr, hdr)

	if nrPage.IsFull() {
		c.heap.AddFullNonRelocatable(nrPage)
		replacement, err := c.heap.RequestPage()
		if err != nil {
			return 0, err
		}
		page.SetNonRelocatablePage(replacement)
	}

	return addr, nil
}

// WalkRoots enumerates every root pointer this mutator thread holds —
// standing in for a real interpreter's call-stack walk, since the
// bytecode interpreter itself is out of scope (spec.md §1). Roots are
// registered explicitly with AddRoot/RemoveRoot.
func (c *Context) WalkRoots(visit func(addr uintptr)) {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()
	for _, r := range c.roots {
		visit(r)
	}
}

// AddRoot registers addr as a root this mutator holds directly (a
// local variable or stack slot, in a real interpreter).
func (c *Context) AddRoot(addr uintptr) {
	c.rootsMu.Lock()
	c.roots = append(c.roots, addr)
	c.rootsMu.Unlock()
}

// RemoveRoot unregisters a previously added root.
func (c *Context) RemoveRoot(addr uintptr) {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()
	for i, r := range c.roots {
		if r == addr {
			c.roots = append(c.roots[:i], c.roots[i+1:]...)
			return
		}
	}
}

// SafepointAck acknowledges the collector's current epoch, the
// mutator-side half of the safepoint handshake (§5, §6
// interpreter.safepoint_ack). A real interpreter calls this at a
// bytecode dispatch point; AllocateObject calls it implicitly too,
// since allocation sites are themselves safepoints (Design Notes).
func (c *Context) SafepointAck() {
	c.observedEpoch.Store(c.heap.CurrentEpoch())
}

// ObservedEpoch returns the most recent heap epoch this mutator has
// acknowledged, for the collector's handshake to poll against.
func (c *Context) ObservedEpoch() uint64 {
	return c.observedEpoch.Load()
}

// Read resolves addr through the mutator's read barrier, allocating
// into this mutator's own current page if it ends up helping the
// collector clone an object (§4.6, §4.4 "mutator helps collector").
func (c *Context) Read(addr uintptr) (uintptr, error) {
	return c.barrier.Read(addr, c.GetPage())
}

// Write resolves value through the mutator's write barrier before the
// caller publishes it into a field (§4.6).
func (c *Context) Write(value uintptr) (uintptr, error) {
	return c.barrier.Write(value, c.GetPage())
}
