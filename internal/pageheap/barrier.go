package pageheap

import "github.com/jacob-hughes/sompp-go/internal/vmerror"

// Barrier implements the read/write barrier contract every heap
// pointer load and store in a mutator must satisfy (§4.6), so that a
// stale pointer into a page under relocation always resolves to the
// object's new location.
type Barrier struct {
	heap *PagedHeap
}

// NewBarrier binds a Barrier to heap.
func NewBarrier(heap *PagedHeap) *Barrier {
	return &Barrier{heap: heap}
}

// Read resolves addr: if it falls on a page that is not currently
// blocked, it is already canonical and is returned unchanged. If the
// page is blocked, Read consults its side array, joining the
// clone-and-CAS (helping the collector) if no forwarding entry has
// been installed yet. target is the caller's own current allocation
// page, used if this call ends up performing the clone.
func (b *Barrier) Read(addr uintptr, target *Page) (uintptr, error) {
	if addr == 0 {
		return 0, nil
	}
	p := b.heap.PageForAddr(addr)
	if p == nil {
		return 0, vmerror.InvalidObject(0, int(addr))
	}
	if !p.Blocked() {
		return addr, nil
	}
	// Check the side array before the object directory: Drain's
	// victim.Clear() nils the directory before the safepoint handshake
	// that gates Unblock, but every marked object's forwarding slot was
	// already installed during Copy, so the side array alone is enough
	// to resolve addr faithfully in that window (see Page.SideArraySlot).
	if resolved, ok := p.SideArraySlot(addr); ok {
		return resolved, nil
	}
	hdr, ok := p.HeaderAt(addr)
	if !ok {
		return 0, vmerror.InvalidObject(p.id, int(addr-p.start))
	}
	return p.Forward(addr, hdr, target)
}

// Write resolves value through Read and then records the resolved
// address as a potential root for the current mark epoch, before the
// caller publishes it into the field. Per §4.6, the field must only
// ever be written a post-relocation address, so Read always runs
// before the recording and before the caller's store becomes visible.
func (b *Barrier) Write(value uintptr, target *Page) (uintptr, error) {
	resolved, err := b.Read(value, target)
	if err != nil {
		return 0, err
	}
	if resolved != 0 {
		b.heap.RecordPotentialRoot(resolved)
	}
	return resolved, nil
}

// Ref is an opaque handle to a heap pointer field. It generalizes the
// source's READBARRIER/WRITEBARRIER macro convention into a type: Get
// returns the address resolved through the read barrier, and SetRef
// resolves a replacement value through the write barrier. Addr still
// exposes the raw, unresolved address.
type Ref struct {
	addr uintptr
}

// NilRef is the zero value of Ref.
var NilRef = Ref{}

// NewRef wraps addr as a Ref. addr 0 means nil.
func NewRef(addr uintptr) Ref { return Ref{addr: addr} }

// IsNil reports whether the reference is nil.
func (r Ref) IsNil() bool { return r.addr == 0 }

// Addr returns the raw address without passing through the barrier.
// Only ever call this on an address already known canonical (e.g.
// immediately after Get/SetRef), never store the result across a
// safepoint.
func (r Ref) Addr() uintptr { return r.addr }

// Get resolves r through the read barrier.
func (r Ref) Get(b *Barrier, target *Page) (Ref, error) {
	resolved, err := b.Read(r.addr, target)
	if err != nil {
		return NilRef, err
	}
	return Ref{addr: resolved}, nil
}

// SetRef resolves value through the write barrier and returns the Ref
// that must be published into the field.
func SetRef(b *Barrier, target *Page, value Ref) (Ref, error) {
	resolved, err := b.Write(value.addr, target)
	if err != nil {
		return NilRef, err
	}
	return Ref{addr: resolved}, nil
}
