package keydir

// scanIter is a locked, non-owning cursor over one chain's virtual byte
// stream. It lazily acquires pages as offset advances past what it has
// already locked, and releases every page it holds, in reverse acquisition
// order, when release is called. It never copies or owns page data; it
// only ever reads/writes through the pages it has locked.
//
// This plays the role the teacher's PageSet (page.go) plus the descent
// loop in LoadPage (bufmgr.go) play for the B-tree: a cursor that walks a
// structure one locked page at a time. Here the structure is a flat
// hash-chain rather than a tree, so the cursor only ever needs to extend
// forward.
type scanIter struct {
	ps *pageStore

	base uint32 // global page index of the chain's base (home) page

	pages  []uint32 // global page indices locked so far, in chain order
	offset uint64   // current virtual byte offset into the chain
}

// newScanIter locks the base page and returns a cursor positioned at
// offset 0.
func newScanIter(ps *pageStore, base uint32) *scanIter {
	p := ps.page(base)
	p.latch.Lock()
	return &scanIter{ps: ps, base: base, pages: []uint32{base}}
}

// release unlocks every page this cursor has locked, in reverse order, so
// a thread that locked pages A -> B -> C releases C, then B, then A --
// matching the teacher's LIFO unwind of a B-tree descent.
func (it *scanIter) release() {
	for i := len(it.pages) - 1; i >= 0; i-- {
		it.ps.page(it.pages[i]).latch.Unlock()
	}
	it.pages = nil
}

// extend locks and appends the next page in the chain if it exists,
// returning false once the chain's last currently-locked page has no
// next link. Used by field accessors and writePrep to grow the locked
// page vector on demand (extend_iter_chain).
func (it *scanIter) extend() bool {
	last := it.ps.page(it.pages[len(it.pages)-1])
	if last.next == MaxPageIdx {
		return false
	}
	next := it.ps.page(last.next)
	next.latch.Lock()
	it.pages = append(it.pages, last.next)
	return true
}

// ensure locks pages, extending the chain as needed, until byte offset
// (exclusive end) lies within an already-locked page.
func (it *scanIter) ensure(end uint64) bool {
	for uint64(len(it.pages))*PageSize < end {
		if !it.extend() {
			return false
		}
	}
	return true
}

// locate splits a virtual offset into the (page vector index, in-page
// byte offset) pair, assuming the relevant page is already locked.
func locate(offset uint64) (pageNo int, inPage uint32) {
	return int(offset / PageSize), uint32(offset % PageSize)
}

// copyAcross copies n bytes between the chain's virtual byte stream
// (starting at voff) and buf, in the given direction, crossing page
// boundaries as needed. This is the one safe path every multi-byte field
// accessor below funnels through: the reference implementation's key copy
// loop re-slices its destination on every page crossing, but its header
// field accessors assume (without enforcing) that 8-byte-aligned fields
// never straddle a page -- here every field, header or key, goes through
// this same boundary-safe loop instead of relying on that assumption.
func (it *scanIter) copyAcross(voff uint64, buf []byte, toBuf bool) {
	n := uint32(len(buf))
	if !it.ensure(voff + uint64(n)) {
		panic("keydir: copyAcross beyond locked chain")
	}

	pageNo, inPage := locate(voff)
	copied := uint32(0)
	for copied < n {
		page := it.ps.page(it.pages[pageNo])
		avail := PageSize - inPage
		want := n - copied
		if want < avail {
			avail = want
		}
		if toBuf {
			copy(buf[copied:copied+avail], page.data[inPage:inPage+avail])
		} else {
			copy(page.data[inPage:inPage+avail], buf[copied:copied+avail])
		}
		copied += avail
		pageNo++
		inPage = 0
	}
}

func (it *scanIter) getUint32(fieldOff uint32) uint32 {
	var b [4]byte
	it.copyAcross(it.offset+uint64(fieldOff), b[:], true)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (it *scanIter) putUint32(fieldOff uint32, v uint32) {
	b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	it.copyAcross(it.offset+uint64(fieldOff), b[:], false)
}

func (it *scanIter) getUint64(fieldOff uint32) uint64 {
	var b [8]byte
	it.copyAcross(it.offset+uint64(fieldOff), b[:], true)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (it *scanIter) putUint64(fieldOff uint32, v uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	it.copyAcross(it.offset+uint64(fieldOff), b[:], false)
}

// Entry field accessors, all relative to the cursor's current offset.
func (it *scanIter) fileID() uint32       { return it.getUint32(entryFileIDOffset) }
func (it *scanIter) setFileID(v uint32)   { it.putUint32(entryFileIDOffset, v) }
func (it *scanIter) totalSize() uint32    { return it.getUint32(entryTotalSizeOffset) }
func (it *scanIter) setTotalSize(v uint32) { it.putUint32(entryTotalSizeOffset, v) }
func (it *scanIter) epoch() uint64        { return it.getUint64(entryEpochOffset) }
func (it *scanIter) setEpoch(v uint64)    { it.putUint64(entryEpochOffset, v) }
func (it *scanIter) fileOffset() uint64   { return it.getUint64(entryOffsetOffset) }
func (it *scanIter) setFileOffset(v uint64) { it.putUint64(entryOffsetOffset, v) }
func (it *scanIter) timestamp() uint32    { return it.getUint32(entryTimestampOffset) }
func (it *scanIter) setTimestamp(v uint32) { it.putUint32(entryTimestampOffset, v) }
func (it *scanIter) next() uint64         { return uint64(it.getUint32(entryNextOffset)) }
func (it *scanIter) setNext(v uint64)     { it.putUint32(entryNextOffset, uint32(v)) }
func (it *scanIter) keySize() uint32      { return it.getUint32(entryKeySizeOffset) }
func (it *scanIter) setKeySize(v uint32)  { it.putUint32(entryKeySizeOffset, v) }

// key reads n bytes of key material starting at the cursor's current
// offset plus the key field's header offset.
func (it *scanIter) key(n uint32) []byte {
	buf := make([]byte, n)
	it.copyAcross(it.offset+entryKeyOffset, buf, true)
	return buf
}

// setKey writes key material at the cursor's current offset plus the key
// field's header offset. copyAcross re-slices its destination page on
// every boundary crossing, fixing the reference implementation's
// scan_set_key, which reused a single dst pointer computed before the
// loop and so wrote past a page boundary incorrectly for keys that
// straddled one.
func (it *scanIter) setKey(key []byte) {
	it.copyAcross(it.offset+entryKeyOffset, key, false)
}

// scanKeysEqual reports whether the entry at the cursor's current
// position carries exactly the given key bytes.
func (it *scanIter) scanKeysEqual(key []byte) bool {
	if it.keySize() != uint32(len(key)) {
		return false
	}
	got := it.key(uint32(len(key)))
	for i := range key {
		if got[i] != key[i] {
			return false
		}
	}
	return true
}

// advance moves the cursor to voff, locking any intervening pages.
func (it *scanIter) advance(voff uint64) {
	it.ensure(voff)
	it.offset = voff
}

// scanToEpoch walks the version chain from the cursor's current position
// (assumed to be the chain head) forward, returning true with the cursor
// positioned at the newest version whose epoch is <= the requested one.
// The head record itself is always a candidate. Matches scan_to_epoch.
func (it *scanIter) scanToEpoch(epoch uint64) bool {
	found := false
	if it.epoch() <= epoch {
		found = true
	}
	lastGood := it.offset

	for {
		next := it.next()
		if next == 0 {
			break
		}
		it.advance(next)
		if it.epoch() > epoch {
			break
		}
		found = true
		lastGood = it.offset
	}

	it.offset = lastGood
	return found
}
