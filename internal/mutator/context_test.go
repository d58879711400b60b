package mutator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacob-hughes/sompp-go/internal/config"
	"github.com/jacob-hughes/sompp-go/internal/object/sample"
	"github.com/jacob-hughes/sompp-go/internal/pageheap"
)

func newTestContext(t *testing.T, opts ...config.Option) (*Context, *pageheap.PagedHeap) {
	t.Helper()
	cfg := config.New(append([]config.Option{config.WithTotalPages(8), config.WithAlignment(1)}, opts...)...)
	heap := pageheap.New(cfg)
	barrier := pageheap.NewBarrier(heap)
	ctx, err := New(1, heap, barrier)
	require.NoError(t, err)
	return ctx, heap
}

// allocateUntilHandover repeatedly allocates 64-byte objects until a
// page handover occurs, returning the address of the allocation that
// triggered it (§4.3 step 4: that address always lives on the page
// that was current just before the handover).
func allocateUntilHandover(t *testing.T, ctx *Context) (triggerAddr uintptr, before *pageheap.Page) {
	t.Helper()
	before = ctx.GetPage()
	for i := 0; i < 1000; i++ {
		addr, err := ctx.AllocateObject(sample.New(64), false, false)
		require.NoError(t, err)
		if ctx.GetPage() != before {
			return addr, before
		}
	}
	t.Fatal("page never became full")
	return 0, nil
}

func TestAllocateObjectReturnsAddressOnPreviousPage(t *testing.T) {
	ctx, heap := newTestContext(t, config.WithPageSize(4096))

	triggerAddr, before := allocateUntilHandover(t, ctx)

	require.Same(t, before, heap.PageForAddr(triggerAddr))
}

func TestAllocateObjectHandsOverOnFullThreshold(t *testing.T) {
	ctx, _ := newTestContext(t, config.WithPageSize(4096))

	_, before := allocateUntilHandover(t, ctx)

	require.NotSame(t, before, ctx.GetPage(), "crossing the full threshold must hand over to a fresh page")
}

func TestAllocateObjectCarriesOverNonRelocatableHandle(t *testing.T) {
	ctx, _ := newTestContext(t, config.WithPageSize(4096))

	firstNR := ctx.GetPage().NonRelocatablePage()
	require.NotNil(t, firstNR)

	allocateUntilHandover(t, ctx)

	require.Same(t, firstNR, ctx.GetPage().NonRelocatablePage(), "the non-relocatable sibling must survive a page handover")
}

func TestAllocateNonRelocatablePromotesFullPage(t *testing.T) {
	ctx, heap := newTestContext(t, config.WithPageSize(256))

	nr := ctx.GetPage().NonRelocatablePage()
	var err error
	for i := 0; i < 20; i++ {
		_, err = ctx.AllocateObject(sample.New(16), false, true)
		require.NoError(t, err)
		if nr.IsFull() {
			break
		}
	}
	require.True(t, nr.IsFull())

	retained := heap.NonRelocatablePages()
	found := false
	for _, p := range retained {
		if p.ID() == nr.ID() {
			found = true
		}
	}
	require.True(t, found, "a full non-relocatable page must be promoted to the heap's retained pool")
	require.NotSame(t, nr, ctx.GetPage().NonRelocatablePage())
}

func TestSafepointAckAdvancesObservedEpoch(t *testing.T) {
	ctx, heap := newTestContext(t)

	require.Equal(t, uint64(0), ctx.ObservedEpoch())
	heap.BumpEpoch()
	ctx.SafepointAck()
	require.Equal(t, heap.CurrentEpoch(), ctx.ObservedEpoch())
}

func TestAddRootAndWalkRoots(t *testing.T) {
	ctx, _ := newTestContext(t)

	ctx.AddRoot(10)
	ctx.AddRoot(20)
	ctx.RemoveRoot(10)

	var seen []uintptr
	ctx.WalkRoots(func(addr uintptr) { seen = append(seen, addr) })
	require.Equal(t, []uintptr{20}, seen)
}
