package keydir

import (
	"fmt"
	"os"
)

// PageSize is the fixed size, in bytes, of every memory and swap page.
const PageSize = 4096

const (
	// MaxPageIdx is the sentinel "no page" index into the unified
	// memory+swap page index space.
	MaxPageIdx = ^uint32(0)

	// MaxOffset marks a tombstone entry's offset field.
	MaxOffset = ^uint64(0)

	// MaxEpoch is the ceiling epoch: "no snapshot pinned" for minEpoch, and
	// the default expiration epoch for a fresh fstats entry.
	MaxEpoch = ^uint64(0)

	// MaxFileID is the file_id written into a tombstone entry.
	MaxFileID = ^uint32(0)
)

// Entry header field byte offsets, relative to the start of the record
// within the chain's virtual byte stream. See SPEC_FULL.md §3 / spec.md §3.
const (
	entryFileIDOffset    = 0
	entryTotalSizeOffset = 4
	entryEpochOffset     = 8
	entryOffsetOffset    = 16
	entryTimestampOffset = 24
	entryNextOffset      = 28
	entryKeySizeOffset   = 32
	entryKeyOffset       = 36
)

// freeListStride is the skip distance used when seeding the memory page
// free list, so that sequential allocations don't all land on physically
// adjacent pages and contend on the same cache lines.
const freeListStride = 16

// maxSwapPathLen bounds basedir + "/bitcask.swap" to fit a fixed path buffer,
// mirroring the reference implementation's KEYDIR_INIT_PATH_BUFFER_LENGTH.
const maxSwapPathLen = 1024

const swapFileName = "bitcask.swap"

// roundUp8 rounds n up to the next multiple of 8, so entries stay
// 8-byte aligned within the chain's virtual byte stream.
func roundUp8(n uint32) uint32 {
	return (n + 7) &^ 7
}

// entrySizeForKey returns the on-chain size of a record (header + key)
// carrying a key of the given length, rounded up to an 8-byte boundary.
func entrySizeForKey(keySize uint32) uint32 {
	return roundUp8(entryKeyOffset + keySize)
}

func errPrintf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
}
