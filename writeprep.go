package keydir

// maxChainBytes bounds how large a single bucket's chain may grow, guarding
// the uint32 base.size field against silent wraparound (entry_size_for_key
// carries the same "fails if key_size is close to 4G" constraint -- see
// DESIGN.md).
const maxChainBytes = ^uint32(0) - PageSize

// writePrep makes room for extraBytes more content at the end of the
// chain it is positioned over, extending the chain with freshly allocated
// pages as needed, and returns the virtual offset the caller should write
// the new record at. Matches write_prep: reclaim-if-borrowed, overflow
// guard, chain extension, base.size update.
func (kd *Keydir) writePrep(it *scanIter, extraBytes uint32) (writePrepCode, uint64) {
	base := kd.store.page(it.base)

	if base.size == 0 && base.isBorrowed {
		if code := kd.reclaimBorrowedPage(it.base, base); code != writePrepOK {
			return code, 0
		}
	}

	if uint64(base.size)+uint64(extraBytes) > uint64(maxChainBytes) {
		return writePrepNoMem, 0
	}

	appendOffset := uint64(base.size)
	wantedBytes := appendOffset + uint64(extraBytes)

	for uint64(len(it.pages))*PageSize < wantedBytes {
		if it.extend() {
			continue
		}

		idx, p, err := kd.store.allocatePage()
		if err != nil || p == nil {
			return writePrepNoMem, 0
		}
		p.latch.Lock()
		p.reset()
		p.isBorrowed = idx < kd.store.numMemPages()

		last := kd.store.page(it.pages[len(it.pages)-1])
		last.next = idx
		p.prev = it.pages[len(it.pages)-1]
		it.pages = append(it.pages, idx)
	}

	base.size = uint32(wantedBytes)
	return writePrepOK, appendOffset
}

// reclaimBorrowedPage evicts whatever chain is currently borrowing
// physical page p (the rightful home of the base page at idx, which has
// never held any data of its own) so that base page can claim it as a
// fresh, empty home page. The borrower's content is copied onto a newly
// allocated replacement page, which is spliced into the borrower's chain
// in p's place; p is latched throughout entry and remains latched on
// return (its release is the caller's responsibility, same as every other
// page writePrep touches through it.pages). Its former chain-order
// neighbor is locked with a try-then-block pattern to avoid deadlocking
// against a concurrent walk of the same chain moving the other direction;
// if that neighbor's next link no longer points back at p by the time
// both are held, the chain changed out from under us and the caller must
// restart with a fresh epoch rather than proceed against a stale link.
//
// TODO: if the replacement page comes from swap, this may trigger I/O on
// a path callers don't expect.
// TODO: the whole page is copied even when the borrower's chain only
// occupies part of it.
func (kd *Keydir) reclaimBorrowedPage(idx uint32, p *Page) writePrepCode {
	prevIdx := p.prev
	nextIdx := p.next

	var prevPage *Page
	if prevIdx != MaxPageIdx {
		prevPage = kd.store.page(prevIdx)
		if !prevPage.latch.TryLock() {
			p.latch.Unlock()
			prevPage.latch.Lock()
			p.latch.Lock()
			if prevPage.next != idx {
				prevPage.latch.Unlock()
				return writePrepRestart
			}
		}
	}

	replIdx, repl, err := kd.store.allocatePage()
	if err != nil || repl == nil {
		if prevPage != nil {
			prevPage.latch.Unlock()
		}
		errPrintf("keydir: reclaim_borrowed_page: could not allocate replacement: %v\n", err)
		return writePrepNoMem
	}

	repl.latch.Lock()
	copy(repl.data, p.data)
	repl.prev = prevIdx
	repl.next = nextIdx
	repl.size = p.size
	repl.isBorrowed = true
	repl.altIdx = MaxPageIdx

	if prevPage != nil {
		prevPage.next = replIdx
		prevPage.latch.Unlock()
	}
	if nextIdx != MaxPageIdx {
		nextPage := kd.store.page(nextIdx)
		nextPage.latch.Lock()
		nextPage.prev = replIdx
		nextPage.latch.Unlock()
	}
	repl.latch.Unlock()

	p.reset()
	p.isBorrowed = false
	return writePrepOK
}
