package pageheap

import (
	"sync"
	"sync/atomic"

	"github.com/jacob-hughes/sompp-go/internal/config"
	"github.com/jacob-hughes/sompp-go/internal/vmerror"
	"go.uber.org/zap"
)

// GCThread is the handle a PagedHeap hands mutators so they can
// cooperate with the collector (get_gc_thread, §4.5). The collector
// package implements this; pageheap only needs the narrow slice it
// calls back through, which avoids an import cycle between pageheap
// and gc.
type GCThread interface {
	// RequestCollection asks the collector to start or continue a
	// cycle. Called when the free pool runs low.
	RequestCollection()
}

// PagedHeap owns every page in the system, fixed in count at startup,
// and tracks which pool each belongs to: free, relinquished-and-
// pending-collection, or retained-full-non-relocatable.
type PagedHeap struct {
	cfg *config.Config
	log *zap.Logger

	all []*Page // indexed by id; fixed for the heap's lifetime

	mu       sync.Mutex
	cond     *sync.Cond
	free     []*Page
	pending  []*Page // relinquished, not yet walked by the next mark phase
	fullNR   []*Page // full non-relocatable pages, retained indefinitely
	collecting bool

	markValue uint64 // atomic, incremented each cycle
	epoch     uint64 // atomic, bumped by the collector's safepoint handshake

	gcThread GCThread

	dirtyMu   sync.Mutex
	dirtyRoots []uintptr
}

// New builds a PagedHeap with cfg.TotalPages pages, all initially free.
func New(cfg *config.Config) *PagedHeap {
	h := &PagedHeap{
		cfg:  cfg,
		log:  cfg.Logger,
		all:  make([]*Page, cfg.TotalPages),
		free: make([]*Page, 0, cfg.TotalPages),
	}
	h.cond = sync.NewCond(&h.mu)
	for i := 0; i < cfg.TotalPages; i++ {
		p := newPage(uint64(i), cfg)
		h.all[i] = p
		h.free = append(h.free, p)
	}
	return h
}

// Logger returns the heap's configured logger, for collaborating
// packages (the collector) that want to log under the same sink
// without taking their own config dependency.
func (h *PagedHeap) Logger() *zap.Logger { return h.log }

// ConfigVictimLivenessCap returns the configured victim-selection
// threshold (§4.4 Phase 2).
func (h *PagedHeap) ConfigVictimLivenessCap() float64 { return h.cfg.VictimLivenessCap }

// SetGCThread installs the collector handle mutators reach through
// get_gc_thread.
func (h *PagedHeap) SetGCThread(t GCThread) { h.gcThread = t }

// GCThread returns the collector handle, or nil if none was installed.
func (h *PagedHeap) GCThread() GCThread { return h.gcThread }

// GetMarkValue returns the current generation's mark color.
func (h *PagedHeap) GetMarkValue() uint64 {
	return atomic.LoadUint64(&h.markValue)
}

// FlipMarkValue advances the global mark value at the start of a new
// collection cycle, so "marked in this cycle" stays a cheap compare. It
// increments the value by one each cycle; it does not alternate between
// two colours, so a value is never reused by a later cycle.
func (h *PagedHeap) FlipMarkValue() uint64 {
	return atomic.AddUint64(&h.markValue, 1)
}

// BumpEpoch advances the global safepoint epoch and returns the new
// value, the collector's half of the handshake mutators acknowledge
// through SafepointAck (§5, §6).
func (h *PagedHeap) BumpEpoch() uint64 {
	return atomic.AddUint64(&h.epoch, 1)
}

// CurrentEpoch returns the current safepoint epoch.
func (h *PagedHeap) CurrentEpoch() uint64 {
	return atomic.LoadUint64(&h.epoch)
}

// RequestPage removes a page from the free pool and returns it. If the
// pool is empty and a collector is installed, it starts a collection
// (unless one is already underway) and blocks until either a page is
// freed or the collection ends without freeing one, at which point it
// fails with HeapExhausted. If no collector is installed it fails
// immediately rather than waiting forever.
func (h *PagedHeap) RequestPage() (*Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.free) > 0 {
		return h.popFreeLocked(), nil
	}

	// Nobody is collecting yet: ask the collector to run one cycle and
	// wait for it, rather than failing immediately.
	if h.gcThread != nil && !h.collecting {
		h.collecting = true
		h.mu.Unlock()
		h.gcThread.RequestCollection()
		h.mu.Lock()
	}

	for len(h.free) == 0 && h.collecting {
		h.cond.Wait()
	}

	if len(h.free) > 0 {
		return h.popFreeLocked(), nil
	}
	return nil, vmerror.HeapExhausted(len(h.all), h.totalLiveLocked())
}

func (h *PagedHeap) popFreeLocked() *Page {
	p := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	return p
}

// RelinquishPage returns a page the mutator no longer writes into. The
// page's live data, if any, is walked by the next mark phase; it is
// safe to call while the page still holds data.
func (h *PagedHeap) RelinquishPage(p *Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, p)
}

// AddFullNonRelocatable promotes a non-relocatable page into the
// retained pool. The collector never relocates its contents and may
// only free the page once every object on it is unreachable.
func (h *PagedHeap) AddFullNonRelocatable(p *Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fullNR = append(h.fullNR, p)
}

// ReclaimEmpty moves a drained page (amount_live == 0, next_free ==
// page_start) back to the free pool and wakes any mutator blocked in
// RequestPage.
func (h *PagedHeap) ReclaimEmpty(p *Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.free = append(h.free, p)
	h.cond.Broadcast()
}

// PendingPages returns and clears the set of relinquished pages
// awaiting the next mark phase, for the collector to pick up a cycle.
func (h *PagedHeap) PendingPages() []*Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

// NonRelocatablePages returns a copy of the retained pool, which victim
// selection consults to skip those pages.
func (h *PagedHeap) NonRelocatablePages() []*Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Page, len(h.fullNR))
	copy(out, h.fullNR)
	return out
}

// EndCollectionCycle marks the current collection as finished, waking
// any mutators waiting in RequestPage so they can re-check for
// HeapExhausted if the cycle freed nothing.
func (h *PagedHeap) EndCollectionCycle() {
	h.mu.Lock()
	h.collecting = false
	h.mu.Unlock()
	h.cond.Broadcast()
}

// PageForAddr returns the page containing addr. Pages occupy fixed,
// non-overlapping logical address ranges for their entire lifetime
// (they are cleared and reused, never destroyed), so this is O(1).
func (h *PagedHeap) PageForAddr(addr uintptr) *Page {
	idx := int(addr/uintptr(h.cfg.PageSize)) - 1
	if idx < 0 || idx >= len(h.all) {
		return nil
	}
	return h.all[idx]
}

// AllPages returns every page the heap manages, free or not.
func (h *PagedHeap) AllPages() []*Page {
	out := make([]*Page, len(h.all))
	copy(out, h.all)
	return out
}

// TotalPages returns the fixed page count.
func (h *PagedHeap) TotalPages() int { return len(h.all) }

// RecordPotentialRoot records addr as a potential GC root for the
// current mark epoch, the write barrier's "only required behavior"
// per §4.6. The pauseless design needs nothing more elaborate than
// this flat list: no remembered sets per page, no card table.
func (h *PagedHeap) RecordPotentialRoot(addr uintptr) {
	h.dirtyMu.Lock()
	h.dirtyRoots = append(h.dirtyRoots, addr)
	h.dirtyMu.Unlock()
}

// DrainPotentialRoots returns and clears the roots recorded by write
// barriers since the last call, for the mark phase to fold into its
// root set alongside interpreter stacks, globals, and the symbol
// table.
func (h *PagedHeap) DrainPotentialRoots() []uintptr {
	h.dirtyMu.Lock()
	defer h.dirtyMu.Unlock()
	out := h.dirtyRoots
	h.dirtyRoots = nil
	return out
}

func (h *PagedHeap) totalLiveLocked() int64 {
	var total int64
	for _, p := range h.all {
		total += p.AmountLive()
	}
	return total
}
