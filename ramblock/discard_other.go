//go:build !linux

package ramblock

// madviseDontNeed is a no-op on platforms without MADV_DONTNEED; Block.Discard
// still zero-fills the region, which is sufficient for correctness, just not
// for reclaiming physical memory.
func madviseDontNeed(_ []byte) {}
