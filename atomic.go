package keydir

import "sync/atomic"

// fullBarrier is a full memory barrier. Every sync/atomic operation already
// carries acquire/release semantics under the Go memory model, so no
// explicit fence instruction is needed; this wrapper just names the point
// in allocateSwapPage that takes one: after the swap free-list head is
// read and found non-empty, before the head page is resolved.
func fullBarrier() {
	var x uint32
	atomic.AddUint32(&x, 0)
}

// nextEpoch reserves and returns a fresh monotonic epoch.
func nextEpoch(epoch *uint64) uint64 {
	return atomic.AddUint64(epoch, 1)
}
