package keydir

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// swapSegment is one contiguously-allocated run of swap pages. The swap
// arena grows by appending a new segment as large as everything allocated
// so far, doubling the arena (mirroring the reference implementation's
// get_last_swap_array / expand_swap_file doubling), rather than by
// resizing a single array, so that pages already handed out to callers
// never move and never need remapping.
type swapSegment struct {
	start uint32 // global swap index of this segment's first page
	pages []*Page
}

// pageStore owns the memory page arena, the mmap-backed swap page arena,
// and the CAS free lists threaded through both. It plays the role the
// teacher's BufMgr (bufmgr.go) plays for the B-tree: the thing that hands
// out and reclaims fixed-size pages, except here there is no disk-backed
// buffer pool to evict from — every memory page is resident for the life
// of the process, and "eviction" instead means moving a borrowed page's
// content onto a replacement page (see Keydir.writePrep /
// reclaimBorrowedPage in writeprep.go).
type pageStore struct {
	memPages    []*Page
	memFreeHead uint32 // atomic; MaxPageIdx means empty

	basedir  string
	swapPath string
	swapFile *os.File

	swapMu       sync.Mutex // serializes swap file growth (swapGrowMutex)
	swapSegments atomic.Pointer[[]*swapSegment]
	swapFreeHead uint32 // atomic; MaxPageIdx means empty
	swapTotal    uint32 // atomic; total swap pages allocated so far
}

// newPageStore creates the memory page arena and the backing swap file,
// seeding both free lists, matching spec.md §6 / keydir_common_init.
func newPageStore(basedir string, numMemPages, initialNumSwapPages uint32) (*pageStore, error) {
	swapPath := filepath.Join(basedir, swapFileName)
	if len(swapPath) >= maxSwapPathLen {
		return nil, errNameTooLong
	}

	f, err := os.OpenFile(swapPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, &Error{Op: "open swap file", Err: err}
	}

	ps := &pageStore{
		memPages:     make([]*Page, numMemPages),
		memFreeHead:  MaxPageIdx,
		basedir:      basedir,
		swapPath:     swapPath,
		swapFile:     f,
		swapFreeHead: MaxPageIdx,
	}
	empty := []*swapSegment{}
	ps.swapSegments.Store(&empty)

	for i := range ps.memPages {
		ps.memPages[i] = newPage()
	}
	ps.seedMemFreeList()

	if initialNumSwapPages > 0 {
		if err := ps.expandSwapFile(initialNumSwapPages); err != nil {
			f.Close()
			return nil, err
		}
	}

	return ps, nil
}

// seedMemFreeList pushes every memory page onto the free list in
// stride-16 order rather than sequential order, so that the first
// freeListStride allocations land on physically spread-out pages instead
// of all falling on one cache line's worth of Page structs
// (keydir_init_free_list).
func (ps *pageStore) seedMemFreeList() {
	n := uint32(len(ps.memPages))
	if n == 0 {
		return
	}
	seen := make([]bool, n)
	var pushed uint32
	for stride := uint32(0); stride < freeListStride && pushed < n; stride++ {
		for i := stride; i < n; i += freeListStride {
			if seen[i] {
				continue
			}
			seen[i] = true
			pushed++
			ps.pushMemFreeRaw(i)
		}
	}
}

// pushMemFreeRaw is used only during construction, before any page can be
// concurrently accessed, so it skips latching.
func (ps *pageStore) pushMemFreeRaw(idx uint32) {
	p := ps.memPages[idx]
	p.isFree = true
	p.nextFree = ps.memFreeHead
	ps.memFreeHead = idx
}

// page returns the Page for a global index: indices below len(memPages)
// name a memory page directly; indices at or above that name a swap page,
// offset by the memory arena's size.
func (ps *pageStore) page(idx uint32) *Page {
	n := uint32(len(ps.memPages))
	if idx < n {
		return ps.memPages[idx]
	}
	return ps.swapPage(idx - n)
}

func (ps *pageStore) swapPage(swapIdx uint32) *Page {
	segs := *ps.swapSegments.Load()
	for i := len(segs) - 1; i >= 0; i-- {
		if swapIdx >= segs[i].start {
			return segs[i].pages[swapIdx-segs[i].start]
		}
	}
	return nil
}

func (ps *pageStore) numMemPages() uint32 {
	return uint32(len(ps.memPages))
}

// allocateMemPage CAS-pops a page from the memory free list, rechecking
// under latch that the popped page is still actually free (it may have
// already been reclaimed by a racing popper that won the CAS first but
// hasn't released the latch yet) before clearing isFree and handing it
// back. Matches allocate_mem_page's lazy-tombstone recheck.
func (ps *pageStore) allocateMemPage() (uint32, *Page) {
	for {
		head := atomic.LoadUint32(&ps.memFreeHead)
		if head == MaxPageIdx {
			return MaxPageIdx, nil
		}
		p := ps.memPages[head]
		p.latch.Lock()
		if !p.isFree {
			p.latch.Unlock()
			continue
		}
		next := p.nextFree
		if atomic.CompareAndSwapUint32(&ps.memFreeHead, head, next) {
			p.isFree = false
			p.latch.Unlock()
			return head, p
		}
		p.latch.Unlock()
	}
}

// allocateSwapPage CAS-pops from the swap free list, growing the swap
// file first if it is empty. Matches allocate_swap_page.
func (ps *pageStore) allocateSwapPage() (uint32, *Page, error) {
	for {
		head := atomic.LoadUint32(&ps.swapFreeHead)
		if head == MaxPageIdx {
			total := atomic.LoadUint32(&ps.swapTotal)
			if err := ps.expandSwapFile(total + 1); err != nil {
				return MaxPageIdx, nil, err
			}
			continue
		}
		fullBarrier()
		p := ps.swapPage(head)
		if p == nil {
			continue
		}
		p.latch.Lock()
		if !p.isFree {
			p.latch.Unlock()
			continue
		}
		next := p.nextFree
		if atomic.CompareAndSwapUint32(&ps.swapFreeHead, head, next) {
			p.isFree = false
			p.latch.Unlock()
			return ps.numMemPages() + head, p, nil
		}
		p.latch.Unlock()
	}
}

// allocatePage tries the memory free list first and only reaches for swap
// when memory is exhausted, per spec.md §4.1's allocation order.
func (ps *pageStore) allocatePage() (uint32, *Page, error) {
	if idx, p := ps.allocateMemPage(); p != nil {
		return idx, p, nil
	}
	return ps.allocateSwapPage()
}

// addFreePage CAS-pushes idx back onto the owning free list.
func (ps *pageStore) addFreePage(idx uint32) {
	n := ps.numMemPages()
	p := ps.page(idx)

	p.latch.Lock()
	p.isFree = true
	p.latch.Unlock()

	if idx < n {
		for {
			head := atomic.LoadUint32(&ps.memFreeHead)
			p.latch.Lock()
			p.nextFree = head
			p.latch.Unlock()
			if atomic.CompareAndSwapUint32(&ps.memFreeHead, head, idx) {
				return
			}
		}
	}

	swapIdx := idx - n
	for {
		head := atomic.LoadUint32(&ps.swapFreeHead)
		p.latch.Lock()
		p.nextFree = head
		p.latch.Unlock()
		if atomic.CompareAndSwapUint32(&ps.swapFreeHead, head, swapIdx) {
			return
		}
	}
}

// expandSwapFile grows the swap arena until it holds at least minTotal
// pages: a fresh segment at least as large as the arena so far (doubled
// until the total reaches minTotal) is appended,
// the swap file is truncated out to match, and each new page is mmapped
// individually. Serialized by swapMu with a double-check on entry so
// concurrent allocators racing to grow only pay for one expansion.
// Matches expand_swap_file, including its degrade-on-partial-mmap-failure
// behavior: if some pages in the new segment fail to map, the segment is
// published with only the pages that succeeded, and the caller sees an
// error only if none did.
func (ps *pageStore) expandSwapFile(minTotal uint32) error {
	ps.swapMu.Lock()
	defer ps.swapMu.Unlock()

	if atomic.LoadUint32(&ps.swapTotal) >= minTotal {
		return nil
	}

	segs := *ps.swapSegments.Load()
	oldTotal := atomic.LoadUint32(&ps.swapTotal)

	grow := oldTotal
	if grow == 0 {
		grow = 1
	}
	for oldTotal+grow < minTotal {
		grow *= 2
	}

	oldLen := int64(oldTotal) * PageSize
	newLen := int64(oldTotal+grow) * PageSize
	if err := ps.swapFile.Truncate(newLen); err != nil {
		return &Error{Op: "truncate swap file", Err: err}
	}

	fd := int(ps.swapFile.Fd())
	newSeg := &swapSegment{start: oldTotal, pages: make([]*Page, 0, grow)}
	for i := uint32(0); i < grow; i++ {
		off := oldLen + int64(i)*PageSize
		data, err := mmapPage(fd, off)
		if err != nil {
			errPrintf("keydir: partial swap growth: mapped %d/%d new pages: %v\n", i, grow, err)
			break
		}
		p := newPageWithData(data)
		p.isFree = true
		newSeg.pages = append(newSeg.pages, p)
	}

	if len(newSeg.pages) == 0 {
		ps.swapFile.Truncate(oldLen)
		return ErrOutOfMemory
	}

	next := make([]*swapSegment, len(segs)+1)
	copy(next, segs)
	next[len(segs)] = newSeg
	ps.swapSegments.Store(&next)
	atomic.StoreUint32(&ps.swapTotal, oldTotal+uint32(len(newSeg.pages)))

	// Pages become visible to swapPage lookups (via the Store above)
	// before they're spliced onto the free list, and the splice itself
	// goes through the same CAS addFreePage uses, so a concurrent popper
	// racing this growth can never observe a head pointing at an
	// unpublished segment or clobber a pop that raced ahead of us.
	for i := len(newSeg.pages) - 1; i >= 0; i-- {
		ps.addFreePage(ps.numMemPages() + newSeg.start + uint32(i))
	}

	return nil
}

// Close truncates the swap file to zero length, then closes it and
// unmaps every swap page, matching keydir_free_memory's teardown order:
// truncate before close, close before unmap.
func (ps *pageStore) close() error {
	if err := ps.swapFile.Truncate(0); err != nil {
		errPrintf("keydir: truncate swap file on close: %v\n", err)
	}
	if err := ps.swapFile.Close(); err != nil {
		errPrintf("keydir: close swap file: %v\n", err)
	}

	segs := *ps.swapSegments.Load()
	for _, seg := range segs {
		for _, p := range seg.pages {
			if err := munmapPage(p.data); err != nil {
				errPrintf("keydir: munmap swap page: %v\n", err)
			}
			p.data = nil
		}
	}
	return nil
}
