// Package kheap is the Kernel Heap (component D): a boundary-tagged
// free-list allocator over a fixed virtual range, ported directly from the
// original implementation's memory/kmalloc/kmalloc.c — the canonical
// coalescing variant (kheap.c, an older revision in the same source tree,
// does not coalesce and was not used as this package's model; see
// DESIGN.md). Chunk metadata packs size (8-byte aligned) into the high
// bits of a machine word and two flags into the low bits: IS_FREE,
// IS_PREV_FREE. Free chunks additionally carry a trailing footer (for O(1)
// backward coalescing) and double as freelist nodes.
package kheap

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mem/pmm"
	"github.com/Aster-OS/aster/internal/mem/vmm"
	"github.com/Aster-OS/aster/internal/util"
)

const (
	DefaultHeapSize = 2 << 20 // 2 MiB, §3/§4.3 default
	alignment       = 8
	sizeMask        = ^uint64(alignment - 1)

	flagIsFree     = 0x1
	flagIsPrevFree = 0x2

	headerSize = 8 // one size_t-equivalent machine word
	footerSize = 8
	// freeNodeSize: header word + prev + next pointers.
	freeNodeSize = headerSize + 8 + 8
)

// freeMin is the minimum chunk size: must hold a free_node plus its footer.
var freeMin = util.Roundup(uint64(freeNodeSize+footerSize), alignment)

// Mapper installs the fixed heap range's pages; implemented by vmm+pmm in
// the real kernel, faked in host-mode tests.
type Mapper interface {
	MapPage(virt uintptr, flags uint64)
}

// vmmMapper adapts a (*vmm.VMM, root, frames) triple to Mapper.
type vmmMapper struct {
	v      *vmm.VMM
	root   pmm.Pa
	frames interface{ Alloc(zero bool) pmm.Pa }
}

func (m vmmMapper) MapPage(virt uintptr, flags uint64) {
	phys := m.frames.Alloc(true)
	m.v.Map(m.root, virt, phys, flags)
}

// NewVMMMapper builds the Mapper the real kernel uses: pull a zeroed frame
// from the PMM and map it writable+NX into the kernel pagemap.
func NewVMMMapper(v *vmm.VMM, root pmm.Pa, frames interface {
	Alloc(zero bool) pmm.Pa
}) Mapper {
	return vmmMapper{v: v, root: root, frames: frames}
}

// Heap is the boundary-tag free-list allocator over [base, base+size).
type Heap struct {
	lock      x86.IRQSpinlock
	base      uintptr
	size      uint64
	freeHead  *chunkHeader
}

// chunkHeader is the metadata word common to every chunk, free or
// allocated, and header of the free_node_t / alloc_hdr_t layouts.
type chunkHeader struct {
	meta uint64
	prev *chunkHeader
	next *chunkHeader
}

type footer struct {
	size uint64
}

func ptrAt(addr uintptr) *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(addr))
}

func (c *chunkHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(c))
}

func (c *chunkHeader) size() uint64      { return c.meta & sizeMask }
func (c *chunkHeader) setSize(sz uint64) { c.meta = (c.meta &^ sizeMask) | (sz & sizeMask) }
func (c *chunkHeader) isFree() bool      { return c.meta&flagIsFree != 0 }
func (c *chunkHeader) isPrevFree() bool  { return c.meta&flagIsPrevFree != 0 }
func (c *chunkHeader) setFree(v bool) {
	if v {
		c.meta |= flagIsFree
	} else {
		c.meta &^= flagIsFree
	}
}
func (c *chunkHeader) setPrevFree(v bool) {
	if v {
		c.meta |= flagIsPrevFree
	} else {
		c.meta &^= flagIsPrevFree
	}
}

func (c *chunkHeader) footerPtr() *footer {
	return (*footer)(unsafe.Pointer(c.addr() + uintptr(c.size()) - footerSize))
}

func (c *chunkHeader) writeFooter() {
	c.footerPtr().size = c.size()
}

// Init maps sizeBytes of heap (rounded up to a 4KiB page) starting at
// baseVirt, seeds one giant free chunk, and returns the ready-to-use Heap.
func Init(mapper Mapper, baseVirt uintptr, sizeBytes uint64) *Heap {
	pages := util.DivRoundup(sizeBytes, pmm.PageSize)
	for i := uint64(0); i < pages; i++ {
		mapper.MapPage(baseVirt+uintptr(i*pmm.PageSize), vmm.Write|vmm.NX)
	}
	total := pages * pmm.PageSize

	h := &Heap{base: baseVirt, size: total}
	first := ptrAt(baseVirt)
	first.meta = 0
	first.setSize(util.Roundup(total, alignment))
	first.setFree(true)
	first.setPrevFree(false)
	h.freeHead = nil
	h.insert(first)

	klog.Infof("kheap: initialized with %d MiB of available memory", total>>20)
	return h
}

func (h *Heap) inBounds(addr uintptr) bool {
	return addr >= h.base && addr < h.base+uintptr(h.size)
}

func (h *Heap) insert(c *chunkHeader) {
	c.prev = nil
	c.next = h.freeHead
	if h.freeHead != nil {
		h.freeHead.prev = c
	}
	h.freeHead = c
}

func (h *Heap) remove(c *chunkHeader) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		h.freeHead = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
}

// Alloc returns an 8-byte-aligned pointer to at least size usable bytes,
// per §4.3's exact-fit/split algorithm. Panics on exhaustion (§7).
func (h *Heap) Alloc(size uint64) unsafe.Pointer {
	prev := h.lock.LockIRQ()
	defer h.lock.UnlockIRQ(prev)

	need := util.Roundup(size+headerSize, alignment)
	if need < freeMin {
		need = freeMin
	}

	var found *chunkHeader
	for c := h.freeHead; c != nil; c = c.next {
		if c.size() == need || c.size() >= need+freeMin {
			found = c
			break
		}
	}
	if found == nil {
		klog.Panicf("kheap: out of memory allocating %d bytes", size)
	}

	h.remove(found)
	addr := found.addr()
	fsize := found.size()

	if fsize == need {
		nextAddr := addr + uintptr(fsize)
		if h.inBounds(nextAddr) {
			ptrAt(nextAddr).setPrevFree(false)
		}
	} else {
		remainAddr := addr + uintptr(need)
		remain := ptrAt(remainAddr)
		remain.meta = 0
		remain.setSize(fsize - need)
		remain.setFree(true)
		remain.setPrevFree(false)
		h.insert(remain)
		remain.writeFooter()
	}

	found.setSize(need)
	found.setFree(false)
	// IS_PREV_FREE left unchanged, matching kmalloc.c.

	return unsafe.Pointer(addr + headerSize)
}

// Free returns ptr (as produced by Alloc) to the freelist, coalescing with
// whichever of its neighbors are currently free.
func (h *Heap) Free(ptr unsafe.Pointer) {
	prev := h.lock.LockIRQ()
	defer h.lock.UnlockIRQ(prev)

	addr := uintptr(ptr) - headerSize
	if !h.inBounds(addr) {
		klog.Panicf("kheap: free of out-of-range pointer %#x", uintptr(ptr))
	}
	c := ptrAt(addr)
	if c.isFree() {
		klog.Panicf("kheap: double free at %#x", uintptr(ptr))
	}

	nextAddr := addr + uintptr(c.size())
	var next *chunkHeader
	nextInBounds := h.inBounds(nextAddr)
	if nextInBounds {
		next = ptrAt(nextAddr)
	}

	coalescePrev := c.isPrevFree()
	coalesceNext := nextInBounds && next.isFree()

	switch {
	case !coalescePrev && !coalesceNext:
		c.setFree(true)
		h.insert(c)
		c.writeFooter()
		if nextInBounds {
			next.setPrevFree(true)
		}

	case coalescePrev && !coalesceNext:
		prevFooter := (*footer)(unsafe.Pointer(addr - footerSize))
		prevAddr := addr - uintptr(prevFooter.size)
		p := ptrAt(prevAddr)
		p.setSize(p.size() + c.size())
		p.writeFooter()
		if nextInBounds {
			next.setPrevFree(true)
		}

	case !coalescePrev && coalesceNext:
		h.remove(next)
		c.setSize(c.size() + next.size())
		c.setFree(true)
		h.insert(c)
		c.writeFooter()

	default: // coalesce both sides
		prevFooter := (*footer)(unsafe.Pointer(addr - footerSize))
		prevAddr := addr - uintptr(prevFooter.size)
		p := ptrAt(prevAddr)
		h.remove(next)
		p.setSize(p.size() + c.size() + next.size())
		p.writeFooter()
	}
}

// FreeChunkCount returns the number of chunks currently on the freelist,
// used by the heap-correctness/coalescing test properties (§8.5/§8.6).
func (h *Heap) FreeChunkCount() int {
	prev := h.lock.LockIRQ()
	defer h.lock.UnlockIRQ(prev)
	n := 0
	for c := h.freeHead; c != nil; c = c.next {
		n++
	}
	return n
}

// SoleFreeChunkSize returns the size of the single freelist chunk, or
// (0, false) if the freelist does not currently hold exactly one chunk.
func (h *Heap) SoleFreeChunkSize() (uint64, bool) {
	prev := h.lock.LockIRQ()
	defer h.lock.UnlockIRQ(prev)
	if h.freeHead == nil || h.freeHead.next != nil {
		return 0, false
	}
	return h.freeHead.size(), true
}
