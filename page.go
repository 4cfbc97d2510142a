package keydir

import "encoding/binary"

// Page is one fixed PageSize slot, whether it lives in the memory arena or
// the mmap-backed swap arena. It is the keydir's analogue of the teacher's
// B-tree Page (page.go): same fixed-size-slab-plus-latch shape, but holding
// an opaque byte-addressable chain segment instead of a sorted slot array,
// since the keydir has no notion of key order within a page.
type Page struct {
	latch SpinLatch

	data []byte // always len == PageSize

	prev     uint32 // previous page in this chain, MaxPageIdx if this is the base page
	next     uint32 // next page in this chain, MaxPageIdx if this is the last page
	nextFree uint32 // free-list link; meaningless unless isFree
	isFree   bool

	// size is the number of chain-relevant bytes held by the base page of a
	// chain (spec.md's "base.size"); writePrep updates it as the chain grows.
	// Unused on non-base pages.
	size uint32

	// altIdx and isBorrowed are memory-page-only bookkeeping for the
	// relocate-to-swap / borrow protocol (spec.md §4.5, §4.1). altIdx is
	// MaxPageIdx unless this memory slot's true chain has been relocated to
	// swap, in which case altIdx names the swap page holding it; isBorrowed
	// marks that this slot currently hosts a chain other than its home chain.
	altIdx     uint32
	isBorrowed bool
}

// newPage allocates a zeroed page with no chain links.
func newPage() *Page {
	return newPageWithData(make([]byte, PageSize))
}

// newPageWithData wraps an existing PageSize buffer (e.g. an mmap'd swap
// region) in a fresh Page with no chain links, instead of allocating and
// immediately discarding a throwaway buffer.
func newPageWithData(data []byte) *Page {
	return &Page{
		data:   data,
		prev:   MaxPageIdx,
		next:   MaxPageIdx,
		altIdx: MaxPageIdx,
	}
}

// reset clears a page's chain state before it is handed out by the
// allocator, but keeps its backing buffer.
func (p *Page) reset() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.prev = MaxPageIdx
	p.next = MaxPageIdx
	p.nextFree = MaxPageIdx
	p.isFree = false
	p.size = 0
	p.altIdx = MaxPageIdx
	p.isBorrowed = false
}

// getUint32/getUint64 read a little-endian field fully contained within
// this page's data at byte offset off; put* are the matching writers.
// Callers that can't prove a field doesn't straddle a page boundary must go
// through the cross-page accessors in iterator.go instead.
func (p *Page) getUint32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(p.data[off : off+4])
}

func (p *Page) putUint32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(p.data[off:off+4], v)
}

func (p *Page) getUint64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(p.data[off : off+8])
}

func (p *Page) putUint64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(p.data[off:off+8], v)
}
