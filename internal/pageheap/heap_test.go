package pageheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacob-hughes/sompp-go/internal/config"
)

type stubGC struct {
	requested int
	heap      *PagedHeap
	onRequest func(*PagedHeap)
}

func (s *stubGC) RequestCollection() {
	s.requested++
	if s.onRequest != nil {
		s.onRequest(s.heap)
	}
}

func TestRequestPageDrainsFreePool(t *testing.T) {
	cfg := config.New(config.WithTotalPages(2))
	h := New(cfg)

	p1, err := h.RequestPage()
	require.NoError(t, err)
	p2, err := h.RequestPage()
	require.NoError(t, err)
	require.NotEqual(t, p1.ID(), p2.ID())

	_, err = h.RequestPage()
	require.Error(t, err, "heap exhaustion with no gc thread installed must fail immediately")
}

func TestRequestPageAsksCollectorOnceThenFails(t *testing.T) {
	cfg := config.New(config.WithTotalPages(1))
	h := New(cfg)
	// The stub's collection cycle frees nothing and ends at once.
	stub := &stubGC{heap: h, onRequest: (*PagedHeap).EndCollectionCycle}
	h.SetGCThread(stub)

	_, err := h.RequestPage()
	require.NoError(t, err)

	_, err = h.RequestPage()
	require.Error(t, err)
	require.Equal(t, 1, stub.requested, "RequestPage must trigger collection at most once per call")
}

func TestRequestPageUnblocksWhenCollectorFrees(t *testing.T) {
	cfg := config.New(config.WithTotalPages(1))
	h := New(cfg)
	held, err := h.RequestPage()
	require.NoError(t, err)

	h.SetGCThread(&stubGC{})

	done := make(chan *Page, 1)
	go func() {
		p, err := h.RequestPage()
		require.NoError(t, err)
		done <- p
	}()

	h.ReclaimEmpty(held)
	h.EndCollectionCycle()

	got := <-done
	require.Equal(t, held.ID(), got.ID())
}

func TestPageForAddrRoundTrips(t *testing.T) {
	cfg := config.New(config.WithTotalPages(4))
	h := New(cfg)

	for _, p := range h.AllPages() {
		addr, err := p.Allocate(8)
		require.NoError(t, err)
		require.Same(t, p, h.PageForAddr(addr))
	}
	require.Nil(t, h.PageForAddr(0))
}

func TestRelinquishAndPendingPages(t *testing.T) {
	cfg := config.New(config.WithTotalPages(2))
	h := New(cfg)

	p, err := h.RequestPage()
	require.NoError(t, err)
	h.RelinquishPage(p)

	pending := h.PendingPages()
	require.Len(t, pending, 1)
	require.Equal(t, p.ID(), pending[0].ID())
	require.Empty(t, h.PendingPages(), "PendingPages must drain, not just peek")
}

func TestDrainPotentialRootsClears(t *testing.T) {
	cfg := config.New()
	h := New(cfg)

	h.RecordPotentialRoot(100)
	h.RecordPotentialRoot(200)

	roots := h.DrainPotentialRoots()
	require.ElementsMatch(t, []uintptr{100, 200}, roots)
	require.Empty(t, h.DrainPotentialRoots())
}

func TestBumpEpochMonotonic(t *testing.T) {
	cfg := config.New()
	h := New(cfg)

	require.Equal(t, uint64(0), h.CurrentEpoch())
	require.Equal(t, uint64(1), h.BumpEpoch())
	require.Equal(t, uint64(2), h.BumpEpoch())
	require.Equal(t, uint64(2), h.CurrentEpoch())
}
