//go:build linux

package ramblock

import "golang.org/x/sys/unix"

// madviseDontNeed asks the kernel to drop the physical pages backing region,
// so a subsequent access either re-faults (postcopy) or reads zeros. Errors
// are ignored: region is always zero-filled by the caller regardless, and a
// failed madvise on a non-page-aligned or non-mmap'd slice is harmless here.
func madviseDontNeed(region []byte) {
	if len(region) == 0 {
		return
	}

	_ = unix.Madvise(region, unix.MADV_DONTNEED)
}
