package keydir

import "sync/atomic"

// Entry is a record's payload as seen by callers: where the value lives in
// the log (fileID/offset/totalSize), when it was written (timestamp), and
// the keydir epoch it was installed at.
type Entry struct {
	FileID    uint32
	TotalSize uint32
	Epoch     uint64
	Offset    uint64
	Timestamp uint32
}

func (e Entry) isTombstone() bool {
	return e.Offset == MaxOffset
}

// Keydir is the in-memory hash index over keys to their most recent (and,
// for pinned snapshot readers, historical) on-log locations. It plays the
// role the teacher's BufMgr does for the B-tree (bufmgr.go): the handle
// every operation goes through to reach pages, except the structure
// beneath it is a fixed array of hash buckets rather than a balanced tree.
type Keydir struct {
	store *pageStore

	epoch    uint64 // atomic, monotonically increasing
	minEpoch uint64 // atomic; MaxEpoch means no snapshot is pinned

	fstats *fstatsTable
}

// Init constructs a keydir with numPages memory-resident hash buckets and
// a swap file under basedir pre-grown to hold initialNumSwapPages pages.
// Matches spec.md §6 / keydir_common_init's constructor shape.
func Init(basedir string, numPages, initialNumSwapPages uint32) (*Keydir, error) {
	store, err := newPageStore(basedir, numPages, initialNumSwapPages)
	if err != nil {
		return nil, err
	}

	return &Keydir{
		store:    store,
		minEpoch: MaxEpoch,
		fstats:   newFstatsTable(),
	}, nil
}

// UpdateFstats applies liveness counter deltas for fileID, see
// fstatsTable.UpdateFstats.
func (kd *Keydir) UpdateFstats(fileID uint32, tstamp uint32, expirationEpoch uint64,
	liveKeysDelta, totalKeysDelta int64, liveBytesDelta, totalBytesDelta int64,
	createIfMissing bool) bool {
	return kd.fstats.UpdateFstats(fileID, tstamp, expirationEpoch,
		liveKeysDelta, totalKeysDelta, liveBytesDelta, totalBytesDelta, createIfMissing)
}

// FileStats returns a copy of fileID's current counters, if any.
func (kd *Keydir) FileStats(fileID uint32) (FileStats, bool) {
	return kd.fstats.Get(fileID)
}

// Close tears down the swap file and releases every swap mapping. The
// memory arena is left to the garbage collector, matching
// keydir_free_memory's order: truncate before close, close before unmap.
func (kd *Keydir) Close() error {
	return kd.store.close()
}

// PinSnapshot pins the current epoch as the snapshot floor (minEpoch),
// unless a lower floor is already pinned, in which case that floor stays.
// While a floor is pinned, Put and Remove append a new version instead of
// overwriting in place. Returns the snapshot epoch to pass to Get;
// ReleaseSnapshot takes no argument and clears the floor for every pin.
func (kd *Keydir) PinSnapshot() uint64 {
	e := atomic.LoadUint64(&kd.epoch)
	for {
		cur := atomic.LoadUint64(&kd.minEpoch)
		if cur != MaxEpoch && cur <= e {
			return e
		}
		if atomic.CompareAndSwapUint64(&kd.minEpoch, cur, e) {
			return e
		}
	}
}

// ReleaseSnapshot clears the pinned floor, allowing future writes to take
// the fast in-place-update path again.
func (kd *Keydir) ReleaseSnapshot() {
	atomic.StoreUint64(&kd.minEpoch, MaxEpoch)
}

// lockBase locks and returns an iterator at the true home chain for key:
// the memory bucket at baseIndex(key), or, if that bucket's own chain has
// been relocated to swap, the swap page it was relocated to (locked in
// place of the memory bucket, which is released once the handoff
// completes). If the bucket has never held any chain of its own and its
// physical slot is currently lent out to another chain's overflow
// (isBorrowed), reclaiming the slot is writePrep's job, not this one --
// only a write that actually appends ever needs the slot back, and a
// read-side caller leaves the borrower in place and simply won't find its
// key there.
func (kd *Keydir) lockBase(key []byte) *scanIter {
	baseIdx := baseIndex(key, kd.store.numMemPages())
	it := newScanIter(kd.store, baseIdx)
	p := kd.store.page(baseIdx)

	if p.altIdx != MaxPageIdx {
		real := p.altIdx
		realIt := newScanIter(kd.store, real)
		p.latch.Unlock()
		return realIt
	}

	return it
}

// scanForKey walks every record packed sequentially in the chain, from
// virtual offset 0 up to the chain's recorded end (base.size), looking
// for a head record (key_size > 0) whose key matches. Version records
// (key_size == 0) and other keys' head records are skipped by the span
// entrySizeForKey derives from their own key_size -- every record, head or
// version, self-describes its own on-chain byte span, so no record needs
// to know where any other key's records are. Matches scan_for_key /
// scan_pages.
func (it *scanIter) scanForKey(key []byte) bool {
	it.offset = 0
	end := uint64(it.ps.page(it.base).size)

	for it.offset < end {
		if !it.ensure(it.offset + entryKeyOffset) {
			return false
		}
		keySize := it.keySize()
		if keySize > 0 {
			if !it.ensure(it.offset + entryKeyOffset + uint64(keySize)) {
				return false
			}
			if keySize == uint32(len(key)) && it.scanKeysEqual(key) {
				return true
			}
		}

		it.offset += uint64(entrySizeForKey(keySize))
	}
	return false
}

// Get resolves key to the newest entry visible at the given epoch
// ceiling. Matches keydir_get: base lookup, linear bucket scan, version
// resolution via scanToEpoch.
func (kd *Keydir) Get(key []byte, epoch uint64) (Entry, bool) {
	it := kd.lockBase(key)
	defer it.release()

	if !it.scanForKey(key) {
		return Entry{}, false
	}

	if !it.scanToEpoch(epoch) {
		return Entry{}, false
	}

	e := Entry{
		FileID:    it.fileID(),
		TotalSize: it.totalSize(),
		Epoch:     it.epoch(),
		Offset:    it.fileOffset(),
		Timestamp: it.timestamp(),
	}
	if e.isTombstone() {
		return Entry{}, false
	}
	return e, true
}

// writeHeadFields stamps the current cursor position with a full entry
// header, leaving next at 0 (no further versions yet).
func (it *scanIter) writeHeadFields(e Entry, keySize uint32) {
	it.setFileID(e.FileID)
	it.setTotalSize(e.TotalSize)
	it.setEpoch(e.Epoch)
	it.setFileOffset(e.Offset)
	it.setTimestamp(e.Timestamp)
	it.setNext(0)
	it.setKeySize(keySize)
}

// Put installs entry for key, conditional on the currently-live entry
// matching (oldFileID, oldOffset) -- callers pass the values they last
// observed from Get so a concurrent writer's update is detected as
// PutModified rather than silently clobbered. If no entry for key exists
// yet, the CAS check is skipped and a fresh head record is appended.
//
// The head record found by scanForKey is the oldest version in the key's
// chain (spec.md's oldest-first ordering); scanToEpoch with an unbounded
// ceiling walks it forward to the newest, which is what the CAS check and
// any in-place update apply to. Matches keydir_put, with the
// version-append next-pointer ordering fixed (see DESIGN.md): the current
// newest version's next is set to point at the new version's offset
// before the cursor advances there, so forward traversal never lands back
// on itself.
func (kd *Keydir) Put(key []byte, e Entry, oldFileID uint32, oldOffset uint64) (PutStatus, error) {
	for {
		newEpoch := nextEpoch(&kd.epoch)
		e.Epoch = newEpoch

		it := kd.lockBase(key)
		found := it.scanForKey(key)

		if !found {
			code, err := kd.appendHead(it, key, e)
			it.release()
			switch code {
			case writePrepRestart:
				continue
			case writePrepNoMem:
				return PutOK, ErrOutOfMemory
			default:
				return PutOK, err
			}
		}

		it.scanToEpoch(MaxEpoch)
		liveOffset := it.offset
		if oldFileID != it.fileID() || oldOffset != it.fileOffset() {
			it.release()
			return PutModified, nil
		}

		// Safe to overwrite the live version's fields in place only if the
		// pinned floor lies above the epoch just reserved for this write:
		// always true with no pin (MaxEpoch), never true while a snapshot
		// taken before this write is pinned.
		minEpoch := atomic.LoadUint64(&kd.minEpoch)
		if minEpoch > e.Epoch {
			keySize := it.keySize()
			it.writeHeadFields(e, keySize)
			it.release()
			return PutOK, nil
		}

		code, err := kd.appendVersion(it, liveOffset, e)
		it.release()
		switch code {
		case writePrepRestart:
			continue
		case writePrepNoMem:
			return PutOK, ErrOutOfMemory
		default:
			return PutOK, err
		}
	}
}

// Remove installs a tombstone for key, using the same CAS-conditional and
// version-append machinery as Put.
func (kd *Keydir) Remove(key []byte, oldFileID uint32, oldOffset uint64) (PutStatus, error) {
	return kd.Put(key, Entry{
		FileID:    MaxFileID,
		Offset:    MaxOffset,
		TotalSize: 0,
		Timestamp: 0,
	}, oldFileID, oldOffset)
}

// appendHead appends a brand new key group (no prior version) to the end
// of the chain.
func (kd *Keydir) appendHead(it *scanIter, key []byte, e Entry) (writePrepCode, error) {
	size := entrySizeForKey(uint32(len(key)))
	code, appendOffset := kd.writePrep(it, size)
	if code != writePrepOK {
		return code, nil
	}

	it.offset = appendOffset
	it.writeHeadFields(e, uint32(len(key)))
	it.setKey(key)
	return writePrepOK, nil
}

// appendVersion appends a new version record to the tail of the chain and
// links the key's current newest version (at liveOffset) to it, so a
// forward scanToEpoch walk reaches it. A version record's on-chain span
// follows from its own key_size of 0, never from a whole key's history, so
// no other record needs updating.
func (kd *Keydir) appendVersion(it *scanIter, liveOffset uint64, e Entry) (writePrepCode, error) {
	size := roundUp8(entryKeyOffset) // version records carry key_size=0, no key bytes
	code, appendOffset := kd.writePrep(it, size)
	if code != writePrepOK {
		return code, nil
	}

	it.offset = liveOffset
	it.setNext(appendOffset)

	it.offset = appendOffset
	it.writeHeadFields(e, 0)
	return writePrepOK, nil
}
