// Package pmm is the Physical Memory Manager (component B): a bitmap-backed
// 4-KiB frame allocator over the single largest Usable region reported by
// the boot handoff, grounded on the original implementation's
// memory/pmm/pmm.c (largest-region scan, first-fit ascending bit order,
// fail-stop on exhaustion) and on the teacher's mem.go naming (PGSIZE,
// Pa_t) and the gopher-os bitmap-over-reserved-memory construction idiom.
package pmm

import (
	"fmt"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/util"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift // 4 KiB
)

// Pa is a physical address.
type Pa uintptr

// HHDMReader abstracts dereferencing a physical address through the higher
// half direct map; the real kernel plugs in bootinfo.Info.PhysToVirt, host
// tests plug in a reader over a reserved scratch arena.
type HHDMReader interface {
	// Bytes returns a byte slice backing n bytes at physical address p,
	// valid as long as the HHDM mapping covering it is not unmapped (never,
	// for this kernel's lifetime).
	Bytes(p Pa, n int) []byte
}

// Allocator is the bitmap frame allocator.
type Allocator struct {
	hhdm HHDMReader

	lock       x86.IRQSpinlock
	bitmap     []byte // one bit per frame, 1 == allocated
	allocBase  Pa     // physical address of the first allocatable frame
	frameCount int
}

// Init scans usableBase/usableLen (the single largest Usable region,
// selected by the caller from the boot memory map per §4.1) and reserves a
// bitmap-sized prefix of it. The bitmap itself lives at usableBase,
// addressed through hhdm, and is zeroed (all frames free); the reserved
// prefix is kept out of allocation by starting allocBase right after it,
// not by setting bits for it.
func Init(hhdm HHDMReader, usableBase Pa, usableLen uint64) *Allocator {
	usablePages := usableLen / PageSize
	bitmapBytes := util.DivRoundup(usablePages, 8*PageSize) * PageSize
	bitmapPages := bitmapBytes / PageSize

	a := &Allocator{
		hhdm:       hhdm,
		bitmap:     hhdm.Bytes(usableBase, int(bitmapBytes)),
		allocBase:  usableBase + Pa(bitmapBytes),
		frameCount: int(usablePages - bitmapPages),
	}
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	klog.Infof("pmm: %d usable frames, %d reserved for bitmap, base=0x%x",
		a.frameCount, bitmapPages, uint64(a.allocBase))
	return a
}

func (a *Allocator) frameAddr(i int) Pa {
	return a.allocBase + Pa(i)*PageSize
}

func (a *Allocator) bitSet(i int) bool {
	return a.bitmap[i/8]&(1<<uint(i%8)) != 0
}

func (a *Allocator) bitMark(i int, set bool) {
	if set {
		a.bitmap[i/8] |= 1 << uint(i%8)
	} else {
		a.bitmap[i/8] &^= 1 << uint(i%8)
	}
}

// Alloc returns the first free frame in ascending bit order, optionally
// zeroing it through the HHDM. Panics (fail-stop, §4.1/§7) on exhaustion.
func (a *Allocator) Alloc(zero bool) Pa {
	prev := a.lock.LockIRQ()
	defer a.lock.UnlockIRQ(prev)

	for i := 0; i < a.frameCount; i++ {
		if !a.bitSet(i) {
			a.bitMark(i, true)
			addr := a.frameAddr(i)
			if zero {
				buf := a.hhdm.Bytes(addr, PageSize)
				for j := range buf {
					buf[j] = 0
				}
			}
			return addr
		}
	}
	klog.Panicf("pmm: out of frames")
	panic("unreachable")
}

// AllocN scans for the first run of n consecutive free frames and returns
// the base address of the run.
func (a *Allocator) AllocN(n int, zero bool) Pa {
	if n <= 0 {
		panic("pmm: AllocN requires n > 0")
	}
	prev := a.lock.LockIRQ()
	defer a.lock.UnlockIRQ(prev)

	run := 0
	for i := 0; i < a.frameCount; i++ {
		if a.bitSet(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				a.bitMark(j, true)
			}
			addr := a.frameAddr(start)
			if zero {
				buf := a.hhdm.Bytes(addr, n*PageSize)
				for j := range buf {
					buf[j] = 0
				}
			}
			return addr
		}
	}
	klog.Panicf("pmm: out of frames (run of %d)", n)
	panic("unreachable")
}

func (a *Allocator) indexOf(p Pa) int {
	return int((p - a.allocBase) / PageSize)
}

// Free clears the bit for a single previously allocated frame. Double-free
// is undefined behavior at this layer, matching §4.1 exactly.
func (a *Allocator) Free(p Pa) {
	prev := a.lock.LockIRQ()
	defer a.lock.UnlockIRQ(prev)
	a.bitMark(a.indexOf(p), false)
}

// FreeN clears the bits for a run of n frames starting at p.
func (a *Allocator) FreeN(p Pa, n int) {
	prev := a.lock.LockIRQ()
	defer a.lock.UnlockIRQ(prev)
	start := a.indexOf(p)
	for j := start; j < start+n; j++ {
		a.bitMark(j, false)
	}
}

// FreeFrames returns a snapshot count of currently-clear bits, for
// diagnostics and the PMM-bijection test property.
func (a *Allocator) FreeFrames() int {
	prev := a.lock.LockIRQ()
	defer a.lock.UnlockIRQ(prev)
	n := 0
	for i := 0; i < a.frameCount; i++ {
		if !a.bitSet(i) {
			n++
		}
	}
	return n
}

// BitmapSnapshot copies the current bitmap bytes, used by tests to assert
// the post-init/post-drain bijection invariant.
func (a *Allocator) BitmapSnapshot() []byte {
	prev := a.lock.LockIRQ()
	defer a.lock.UnlockIRQ(prev)
	out := make([]byte, len(a.bitmap))
	copy(out, a.bitmap)
	return out
}

// MemmapRegion is the subset of a boot memory-map entry PrintMemmap needs,
// kept narrow so this package does not have to import internal/bootinfo.
type MemmapRegion struct {
	Base uint64
	Len  uint64
	Kind fmt.Stringer
}

// PrintMemmap dumps every memory-map entry through the logger at Debug
// level, one line per region, grounded on the original implementation's
// pmm_print_memmap.
func PrintMemmap(regions []MemmapRegion) {
	klog.Debugf("pmm: memory map (%d entries)", len(regions))
	for _, r := range regions {
		klog.Debugf("  base=0x%016x len=0x%x (%d KiB) kind=%s", r.Base, r.Len, r.Len/1024, r.Kind)
	}
}
