package keydir

import "sync"

// FileStats aggregates per-log-file liveness counters, used by a
// compaction/merge process upstream of the keydir to decide which log
// files are worth reclaiming. Matches spec.md §4.6's file statistics hook.
type FileStats struct {
	LiveKeys        uint64
	TotalKeys       uint64
	LiveBytes       uint64
	TotalBytes      uint64
	OldestTstamp    uint32
	NewestTstamp    uint32
	ExpirationEpoch uint64
}

// fstatsTable is a mutex-guarded map from log file id to its aggregate
// counters. It is deliberately simpler than the page arena above: fstats
// entries are created lazily, one per file id ever written to, and there
// are orders of magnitude fewer files than keys, so a plain map behind one
// mutex (rather than a sharded or lock-free structure) is the right match
// for its access pattern.
type fstatsTable struct {
	mu      sync.Mutex
	entries map[uint32]*FileStats
}

func newFstatsTable() *fstatsTable {
	return &fstatsTable{entries: make(map[uint32]*FileStats)}
}

// UpdateFstats applies deltas to fileID's counters, creating the entry
// (with ExpirationEpoch defaulting to MaxEpoch, i.e. "no expiration set")
// if createIfMissing is true and none exists yet. Returns false without
// creating an entry if createIfMissing is false and none exists.
func (ft *fstatsTable) UpdateFstats(fileID uint32, tstamp uint32, expirationEpoch uint64,
	liveKeysDelta, totalKeysDelta int64, liveBytesDelta, totalBytesDelta int64,
	createIfMissing bool) bool {

	ft.mu.Lock()
	defer ft.mu.Unlock()

	fs, ok := ft.entries[fileID]
	if !ok {
		if !createIfMissing {
			return false
		}
		fs = &FileStats{ExpirationEpoch: MaxEpoch}
		ft.entries[fileID] = fs
	}

	fs.LiveKeys = applyDelta(fs.LiveKeys, liveKeysDelta)
	fs.TotalKeys = applyDelta(fs.TotalKeys, totalKeysDelta)
	fs.LiveBytes = applyDelta(fs.LiveBytes, liveBytesDelta)
	fs.TotalBytes = applyDelta(fs.TotalBytes, totalBytesDelta)

	// The expiration epoch only ever moves down: it tracks the earliest
	// epoch at which any live key in this file is allowed to expire, and a
	// later caller's larger value must never un-expire one an earlier
	// caller already flagged.
	if expirationEpoch != 0 && expirationEpoch < fs.ExpirationEpoch {
		fs.ExpirationEpoch = expirationEpoch
	}

	if fs.OldestTstamp == 0 || tstamp < fs.OldestTstamp {
		fs.OldestTstamp = tstamp
	}
	if tstamp > fs.NewestTstamp {
		fs.NewestTstamp = tstamp
	}

	return true
}

// Get returns a copy of fileID's current counters, if any.
func (ft *fstatsTable) Get(fileID uint32) (FileStats, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	fs, ok := ft.entries[fileID]
	if !ok {
		return FileStats{}, false
	}
	return *fs, true
}

func applyDelta(v uint64, delta int64) uint64 {
	if delta < 0 {
		d := uint64(-delta)
		if d > v {
			return 0
		}
		return v - d
	}
	return v + uint64(delta)
}
