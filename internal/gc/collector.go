// Package gc implements the collector side of the relocation protocol:
// mark, select-victims, relocate (block/copy/drain/unblock), and the
// safepoint handshake that lets an unblocked page's side array be
// freed. Grounded on SOM++'s PauselessCollectorThread (mark loop,
// victim scan, CAS-forwarding copy) and on the teacher's own
// goroutine-pool style, generalized with golang.org/x/sync/errgroup
// for the fixed collector thread pool spec.md §5 describes.
package gc

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacob-hughes/sompp-go/internal/object"
	"github.com/jacob-hughes/sompp-go/internal/pageheap"
)

// Mutator is the subset of mutator.Context the collector needs to walk
// roots and to run the safepoint handshake against, kept narrow here
// to avoid an import cycle between gc and mutator.
type Mutator interface {
	WalkRoots(visit func(addr uintptr))
	ObservedEpoch() uint64
}

// Collector runs the fixed pool of collector threads described in
// spec.md §5: each owns a current target page and shares the set of
// victim pages to drain. It implements pageheap.GCThread so the heap
// can ask it to run a cycle when the free pool runs low.
type Collector struct {
	heap *pageheap.PagedHeap
	log  *zap.Logger

	threads  int
	mutators []Mutator

	cycles chan struct{}
}

// New builds a Collector bound to heap, installs itself as the heap's
// GCThread, and registers mutators as the root set and safepoint
// handshake participants.
func New(heap *pageheap.PagedHeap, threads int, mutators ...Mutator) *Collector {
	c := &Collector{
		heap:     heap,
		log:      heap.Logger(),
		threads:  threads,
		mutators: mutators,
		cycles:   make(chan struct{}, 1),
	}
	heap.SetGCThread(c)
	return c
}

// RegisterMutator adds a mutator to the root set and safepoint
// handshake participants, for mutators created after the collector.
func (c *Collector) RegisterMutator(m Mutator) {
	c.mutators = append(c.mutators, m)
}

// RequestCollection implements pageheap.GCThread. It is called by a
// mutator blocked in RequestPage with an empty free pool; it enqueues
// a cycle without blocking the caller further than a channel send.
func (c *Collector) RequestCollection() {
	select {
	case c.cycles <- struct{}{}:
	default:
		// A cycle is already queued or running; this request piggybacks
		// on it, matching spec.md §5's "waits on the collector" policy.
	}
}

// Run drives the collector loop until ctx is canceled (VM shutdown,
// §5 "Cancellation"): each queued request runs one full collection
// cycle across Collector.threads goroutines via errgroup, exactly the
// "M collector threads ... sharing the set of victim pages to drain"
// split spec.md §5 describes.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cycles:
			if err := c.RunCycle(ctx); err != nil {
				return err
			}
		}
	}
}

// RunCycle executes one mark/select/relocate cycle synchronously, for
// callers (tests, cmd/gcbench) that want deterministic control instead
// of the background Run loop.
func (c *Collector) RunCycle(ctx context.Context) error {
	defer c.heap.EndCollectionCycle()

	mark := c.heap.FlipMarkValue()
	c.log.Info("collection cycle starting", zap.Uint64("mark_value", mark))

	c.mark(mark)

	victims := c.selectVictims()
	c.log.Info("victims selected", zap.Int("count", len(victims)))
	if len(victims) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.threads)
	for _, p := range victims {
		p := p
		g.Go(func() error { return c.relocate(gctx, p, mark) })
	}
	return g.Wait()
}

// mark performs Phase 1: tri-color-style marking from every registered
// mutator's roots plus any write-barrier-dirtied addresses, setting
// each reached object's GC field to mark and adding its size to the
// owning page's amount_live.
func (c *Collector) mark(mark uint64) {
	seen := make(map[uintptr]bool)
	var roots []uintptr

	for _, m := range c.mutators {
		m.WalkRoots(func(addr uintptr) { roots = append(roots, addr) })
	}
	roots = append(roots, c.heap.DrainPotentialRoots()...)

	for len(roots) > 0 {
		addr := roots[len(roots)-1]
		roots = roots[:len(roots)-1]
		if addr == 0 || seen[addr] {
			continue
		}
		seen[addr] = true

		p := c.heap.PageForAddr(addr)
		if p == nil {
			continue
		}
		hdr, ok := p.HeaderAt(addr)
		if !ok {
			continue
		}
		if hdr.GCField() == mark {
			continue
		}
		hdr.SetGCField(mark)
		p.AddAmountLive(hdr.Size())

		var pointees []uintptr
		hdr.WalkPointerFields(func(fieldAddr uintptr) { pointees = append(pointees, fieldAddr) })
		roots = append(roots, pointees...)
	}
}

// selectVictims implements Phase 2: pages whose liveness ratio falls
// below VictimLivenessCap, excluding the non-relocatable pool, sorted
// by id for a deterministic relocation order across runs.
func (c *Collector) selectVictims() []*pageheap.Page {
	retained := make(map[uint64]bool)
	for _, p := range c.heap.NonRelocatablePages() {
		retained[p.ID()] = true
	}

	var victims []*pageheap.Page
	for _, p := range c.heap.PendingPages() {
		if retained[p.ID()] {
			continue
		}
		if p.LivenessRatio() <= c.heap.ConfigVictimLivenessCap() {
			victims = append(victims, p)
			continue
		}
		// Too live to be worth relocating this cycle; stays a candidate
		// for a future one instead of being dropped from every pool.
		c.heap.RelinquishPage(p)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].ID() < victims[j].ID() })
	return victims
}

// relocate implements Phase 3 for a single victim page, owning one
// target page of its own for the duration (the collector thread
// binding spec.md §9 calls out as symmetric with a mutator's).
func (c *Collector) relocate(ctx context.Context, victim *pageheap.Page, mark uint64) error {
	target, err := c.heap.RequestPage()
	if err != nil {
		return err
	}

	c.log.Debug("blocking victim", zap.Uint64("page_id", victim.ID()))
	victim.Block()

	var relocErr error
	victim.Each(func(addr uintptr, hdr object.Header) {
		if relocErr != nil || hdr.GCField() != mark {
			return
		}
		if _, err := victim.Forward(addr, hdr, target); err != nil {
			relocErr = err
			return
		}
		if target.IsFull() {
			c.heap.RelinquishPage(target)
			next, err := c.heap.RequestPage()
			if err != nil {
				relocErr = err
				return
			}
			target = next
		}
	})
	if relocErr != nil {
		return relocErr
	}

	c.log.Debug("draining victim", zap.Uint64("page_id", victim.ID()))
	victim.ResetAmountLive()
	victim.Clear()

	c.awaitSafepoint(ctx)

	c.log.Debug("unblocking victim", zap.Uint64("page_id", victim.ID()))
	victim.Unblock()
	c.heap.ReclaimEmpty(victim)
	if !target.IsFull() {
		c.heap.RelinquishPage(target)
	}
	return nil
}

// awaitSafepoint implements the handshake of §5/§9: it bumps the
// global epoch and polls every registered mutator's observed epoch
// until all have advanced past it, or ctx is canceled.
func (c *Collector) awaitSafepoint(ctx context.Context) {
	target := c.heap.BumpEpoch()
	for _, m := range c.mutators {
		for m.ObservedEpoch() < target {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}
