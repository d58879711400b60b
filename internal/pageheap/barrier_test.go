package pageheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacob-hughes/sompp-go/internal/config"
	"github.com/jacob-hughes/sompp-go/internal/object/sample"
)

func TestReadBarrierPassesThroughUnblockedPage(t *testing.T) {
	cfg := config.New(config.WithTotalPages(2), config.WithAlignment(1))
	h := New(cfg)
	b := NewBarrier(h)

	p, err := h.RequestPage()
	require.NoError(t, err)
	addr, err := p.Allocate(16)
	require.NoError(t, err)
	p.Record(addr, sample.New(16))

	got, err := b.Read(addr, p)
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestReadBarrierNilIsNil(t *testing.T) {
	cfg := config.New()
	h := New(cfg)
	b := NewBarrier(h)

	got, err := b.Read(0, nil)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), got)
}

func TestReadBarrierHelpsCollectorOnBlockedPage(t *testing.T) {
	cfg := config.New(config.WithTotalPages(2), config.WithAlignment(1))
	h := New(cfg)
	b := NewBarrier(h)

	src, err := h.RequestPage()
	require.NoError(t, err)
	dst, err := h.RequestPage()
	require.NoError(t, err)

	addr, err := src.Allocate(16)
	require.NoError(t, err)
	obj := sample.New(16)
	src.Record(addr, obj)

	src.Block()

	resolved, err := b.Read(addr, dst)
	require.NoError(t, err)
	require.NotEqual(t, addr, resolved)
	require.Same(t, dst, h.PageForAddr(resolved))

	again, err := b.Read(addr, dst)
	require.NoError(t, err)
	require.Equal(t, resolved, again, "forwarding must be idempotent")
}

func TestWriteBarrierRecordsResolvedRootAfterForwarding(t *testing.T) {
	cfg := config.New(config.WithTotalPages(2), config.WithAlignment(1))
	h := New(cfg)
	b := NewBarrier(h)

	src, err := h.RequestPage()
	require.NoError(t, err)
	dst, err := h.RequestPage()
	require.NoError(t, err)

	addr, err := src.Allocate(16)
	require.NoError(t, err)
	obj := sample.New(16)
	src.Record(addr, obj)
	src.Block()

	resolved, err := b.Write(addr, dst)
	require.NoError(t, err)
	require.NotEqual(t, addr, resolved)

	roots := h.DrainPotentialRoots()
	require.Contains(t, roots, resolved, "write barrier must record the post-resolution address, not the stale one")
}

func TestRefGetResolvesThroughBarrier(t *testing.T) {
	cfg := config.New(config.WithTotalPages(2), config.WithAlignment(1))
	h := New(cfg)
	b := NewBarrier(h)

	src, err := h.RequestPage()
	require.NoError(t, err)
	dst, err := h.RequestPage()
	require.NoError(t, err)

	addr, err := src.Allocate(16)
	require.NoError(t, err)
	obj := sample.New(16)
	src.Record(addr, obj)
	src.Block()

	ref := NewRef(addr)
	resolved, err := ref.Get(b, dst)
	require.NoError(t, err)
	require.False(t, resolved.IsNil())
	require.NotEqual(t, addr, resolved.Addr())
}
