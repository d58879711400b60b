// Package pageheap implements the fixed-size paged heap, its bump
// allocator, and the per-page side-array forwarding protocol used to
// relocate objects without a stop-the-world trace phase.
//
// Grounded on the teacher's page.go/heap.go (bump pointer, threshold,
// free list) and on SOM++'s Page.cpp (block/unblock, side array CAS,
// amount_live accounting), generalized from a bare-metal, single
// mutator allocator into a concurrent, multi-page one.
package pageheap

import (
	"sort"
	"sync/atomic"

	"github.com/jacob-hughes/sompp-go/internal/bitfield"
	"github.com/jacob-hughes/sompp-go/internal/config"
	"github.com/jacob-hughes/sompp-go/internal/object"
	"github.com/jacob-hughes/sompp-go/internal/vmerror"
)

// pageStatus is the packed view of a page's status bits, mirroring the
// teacher's own PageFlags (Allocated/KernelPage/Reserved) packed with
// bitfield.Pack/Unpack rather than loose booleans.
type pageStatus struct {
	Blocked  bool   `bitfield:",1"`
	Poisoned bool   `bitfield:",1"`
	Reserved uint32 `bitfield:",30"`
}

var pageStatusConfig = &bitfield.Config{NumBits: 32}

// entry records one allocation on a page, in the order it was made.
// Stands in for a raw byte scan: since objects here are arbitrary Go
// values behind the object.Header interface rather than bytes in an
// unsafe.Pointer arena, the directory IS the "linear scan from
// page_start to next_free" the spec describes.
type entry struct {
	addr uintptr
	hdr  object.Header
}

// Page is a fixed-size, contiguous logical address range with a bump
// pointer, a liveness counter, and (while blocked) a side array of
// forwarding slots.
type Page struct {
	cfg *config.Config

	id    uint64
	start uintptr
	end   uintptr

	// nextFree is the bump pointer. Owned exclusively by whichever
	// single thread currently holds the page (a mutator, or a
	// collector thread relocating into it); never touched by anyone
	// else, so it needs no synchronization of its own.
	nextFree uintptr

	// objects is the allocation directory, append-only while the page
	// is owned and read-only afterwards (once relinquished/blocked).
	objects []entry

	// amountLive is written only by the mark phase (atomic add, since
	// more than one collector goroutine may mark objects that land on
	// the same page) and read by victim selection and tests.
	amountLive int64

	// status packs blocked/poisoned into a single word (see pageStatus).
	// Written only by the owning collector thread for a given victim
	// page, so a plain atomic store needs no read-modify-write CAS.
	status    atomic.Uint32
	sideArray []atomic.Uintptr

	// nonRelocatable is the sibling page a mutator's current page
	// carries for pinned allocations; see §4.2. Only meaningful on a
	// page currently bound as some mutator's allocation page.
	nonRelocatable *Page
}

// newPage builds a page with a fixed logical address range. id must be
// unique and stable for the page's entire lifetime: pages are cleared
// and reused, never destroyed, so that address-to-page lookup stays a
// constant-time arithmetic operation (see PagedHeap.PageForAddr).
func newPage(id uint64, cfg *config.Config) *Page {
	start := uintptr(id+1) * uintptr(cfg.PageSize)
	return &Page{
		cfg:      cfg,
		id:       id,
		start:    start,
		end:      start + uintptr(cfg.PageSize),
		nextFree: start,
	}
}

// ID returns the page's stable identity, used in logging and tests.
func (p *Page) ID() uint64 { return p.id }

// Start returns page_start.
func (p *Page) Start() uintptr { return p.start }

// End returns page_end (exclusive).
func (p *Page) End() uintptr { return p.end }

// NextFree returns the current bump pointer.
func (p *Page) NextFree() uintptr { return p.nextFree }

// Allocate bump-allocates size bytes, rounded up to the configured
// alignment, and returns their address. It does not check capacity
// before bumping — the spec's two-step discipline keeps this branch
// free on the common path — but it does fail fast if the bump carried
// next_free past page_end, which can only happen if the caller failed
// to consult IsFull after a previous allocation.
func (p *Page) Allocate(size int) (uintptr, error) {
	size = p.cfg.AlignUp(size)
	addr := p.nextFree
	next := addr + uintptr(size)
	if next > p.end {
		return 0, vmerror.PageOverflow(p.id, size, int(p.end), int(addr))
	}
	p.nextFree = next
	return addr, nil
}

// Record registers hdr as occupying addr, extending the page's
// allocation directory. Callers allocate then record, mirroring
// placement-new followed by a bit copy in the original C++.
func (p *Page) Record(addr uintptr, hdr object.Header) {
	p.objects = append(p.objects, entry{addr: addr, hdr: hdr})
}

// Free rewinds next_free by nBytes, undoing a speculative allocation
// that lost its compare-and-swap race (§4.1, §4.4). Any directory
// entries recorded at or past the rewound address are discarded too,
// since they described the now-undone clone.
func (p *Page) Free(nBytes int) {
	newNext := p.nextFree - uintptr(nBytes)
	for len(p.objects) > 0 && p.objects[len(p.objects)-1].addr >= newNext {
		p.objects = p.objects[:len(p.objects)-1]
	}
	p.nextFree = newNext
}

// Clear resets next_free to page_start and drops the allocation
// directory. Called only on a page with no remaining live data.
func (p *Page) Clear() {
	p.nextFree = p.start
	p.objects = nil
	s := p.loadStatus()
	s.Poisoned = false
	p.storeStatus(s)
	atomic.StoreInt64(&p.amountLive, 0)
}

// IsFull reports whether next_free has crossed the page's full
// threshold (FullThresholdFraction of PageSize).
func (p *Page) IsFull() bool {
	return int(p.nextFree-p.start) > p.cfg.Threshold()
}

// Used returns the number of bytes currently bump-allocated.
func (p *Page) Used() int {
	return int(p.nextFree - p.start)
}

// NonRelocatablePage returns the sibling page this page's mutator
// currently allocates pinned objects into, or nil.
func (p *Page) NonRelocatablePage() *Page { return p.nonRelocatable }

// SetNonRelocatablePage installs the sibling non-relocatable page,
// carried over to a fresh page on handover (§4.3 step 3c).
func (p *Page) SetNonRelocatablePage(sibling *Page) { p.nonRelocatable = sibling }

// AddAmountLive adds objectSize to the page's live-byte count during
// mark. Uses atomic add rather than the source's unguarded increment:
// spec.md's open question requires serializing this, since more than
// one mark goroutine can reach objects on the same page concurrently.
func (p *Page) AddAmountLive(objectSize int) {
	atomic.AddInt64(&p.amountLive, int64(objectSize))
}

// AmountLive returns the page's current live-byte count.
func (p *Page) AmountLive() int64 {
	return atomic.LoadInt64(&p.amountLive)
}

// ResetAmountLive zeroes the live-byte count, called once a page's
// survivors have all been copied out (drain, §4.4 phase 3).
func (p *Page) ResetAmountLive() {
	atomic.StoreInt64(&p.amountLive, 0)
}

// LivenessRatio returns amount_live / PageSize, the figure victim
// selection (§4.4 phase 2) compares against VICTIM_LIVENESS_CAP.
func (p *Page) LivenessRatio() float64 {
	return float64(p.AmountLive()) / float64(p.cfg.PageSize)
}

// loadStatus unpacks the current status word.
func (p *Page) loadStatus() pageStatus {
	var s pageStatus
	_ = bitfield.Unpack(p.status.Load(), &s)
	return s
}

// storeStatus packs and installs a new status word. Callers only ever
// hold a page's status as the single owning thread for that page at a
// given time (a mutator, or the one collector goroutine relocating
// it), so a plain store needs no compare-and-swap loop.
func (p *Page) storeStatus(s pageStatus) {
	packed, err := bitfield.Pack(s, pageStatusConfig)
	if err != nil {
		panic(err) // pageStatus always fits in 32 bits
	}
	p.status.Store(packed)
}

// Blocked reports whether the collector has isolated this page for
// relocation; mutators accessing objects on a blocked page must route
// through the side array.
func (p *Page) Blocked() bool { return p.loadStatus().Blocked }

// Block isolates the page for relocation: sets blocked and allocates
// an all-empty side array of forwarding slots, one per possible object
// start offset.
func (p *Page) Block() {
	p.sideArray = make([]atomic.Uintptr, p.cfg.SideArrayLen())
	s := p.loadStatus()
	s.Blocked = true
	p.storeStatus(s)
}

// Unblock reverses Block once every mutator has been observed to
// resolve through the side array at least once (the safepoint
// handshake in collector.go). It overwrites the logical contents with
// a poison marker, drops the side array, and clears blocked.
func (p *Page) Unblock() {
	s := p.loadStatus()
	s.Blocked = false
	s.Poisoned = true
	p.storeStatus(s)
	p.sideArray = nil
}

// Poisoned reports whether Unblock has run on this page since it was
// last cleared, for tests asserting a page was not reused before its
// safepoint handshake completed.
func (p *Page) Poisoned() bool { return p.loadStatus().Poisoned }

// slotIndex maps an object address on this page to its side-array
// index: (object_addr - page_start) / ALIGNMENT.
func (p *Page) slotIndex(addr uintptr) int {
	return int((addr - p.start) / uintptr(p.cfg.Alignment))
}

// SideArraySlot returns the forwarding address already installed for
// addr on a blocked page, without touching the object directory.
// Mirrors SOM++'s Page::LookupNewAddress (original_source's
// memory/Page.cpp), which indexes straight into sideArray and only
// falls back to the object's bytes when the slot is still empty — the
// directory can be nil by the time a mutator reaches this (victim.Clear
// runs during Drain, before the safepoint handshake that lets Unblock
// proceed), so side array must be checked first, not HeaderAt.
func (p *Page) SideArraySlot(addr uintptr) (uintptr, bool) {
	idx := p.slotIndex(addr)
	v := p.sideArray[idx].Load()
	return v, v != 0
}

// Forward resolves the canonical post-relocation address of the
// object at addr (which must live on this, a blocked page), installing
// a forwarding entry via clone-and-CAS if none exists yet. target is
// the page the calling thread (mutator or collector) currently
// allocates into; on a lost race the speculative clone is rewound.
//
// This single implementation serves both the collector's Copy step
// and the mutator's read barrier (§4.4, §4.6) — the source's two
// near-identical LookupNewAddress overloads (one per caller thread
// type) collapse into one here because Go dispatches on the Target
// interface rather than the caller's concrete type.
func (p *Page) Forward(addr uintptr, hdr object.Header, target *Page) (uintptr, error) {
	if existing, ok := p.SideArraySlot(addr); ok {
		return existing, nil
	}

	newAddr, err := hdr.Clone(pageTarget{target})
	if err != nil {
		return 0, err
	}

	idx := p.slotIndex(addr)
	if !p.sideArray[idx].CompareAndSwap(0, newAddr) {
		target.Free(hdr.Size())
		return p.sideArray[idx].Load(), nil
	}
	return newAddr, nil
}

// Objects returns the page's allocation directory in address order,
// the linear scan the collector's Copy step (§4.4) walks.
func (p *Page) Objects() []object.Header {
	out := make([]object.Header, len(p.objects))
	for i, e := range p.objects {
		out[i] = e.hdr
	}
	return out
}

// HeaderAt returns the object recorded at exactly addr, if any. The
// directory is sorted by address (allocation is monotonic and Free
// only pops trailing entries), so lookup is a binary search.
func (p *Page) HeaderAt(addr uintptr) (object.Header, bool) {
	i := sort.Search(len(p.objects), func(i int) bool { return p.objects[i].addr >= addr })
	if i < len(p.objects) && p.objects[i].addr == addr {
		return p.objects[i].hdr, true
	}
	return nil, false
}

// ObjectAddrs returns the addresses paired with Objects, in the same
// order.
func (p *Page) ObjectAddrs() []uintptr {
	out := make([]uintptr, len(p.objects))
	for i, e := range p.objects {
		out[i] = e.addr
	}
	return out
}

// Each visits every recorded object on the page in address order,
// pairing each with the address it was recorded at. This is the
// linear scan of §4.4 Phase 3's Copy step ("walk P linearly from
// page_start to next_free").
func (p *Page) Each(visit func(addr uintptr, hdr object.Header)) {
	for _, e := range p.objects {
		visit(e.addr, e.hdr)
	}
}

// pageTarget adapts *Page to object.Target without exposing Page's
// full surface to object implementations.
type pageTarget struct{ p *Page }

func (t pageTarget) Allocate(size int) (uintptr, error) { return t.p.Allocate(size) }
func (t pageTarget) Record(addr uintptr, hdr object.Header) { t.p.Record(addr, hdr) }
