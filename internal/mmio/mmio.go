// Package mmio is the small piece of plumbing every MMIO-programmed device
// in this kernel shares: the LAPIC, every IOAPIC, and the HPET (§4.5/§4.6)
// each live at a fixed physical address the boot-time HHDM mapping does not
// necessarily already cover, and each is read/written as a flat register
// file rather than through the VMM's page-table-walk API. Grounded on the
// original implementation's repeated `lapic_rd`/`ioapic_rd`-style pattern of
// `*(volatile T *)(addr + reg + hhdm_offset)`: one explicit HHDM-covering
// map call up front, then plain offset arithmetic off the HHDM pointer.
package mmio

import (
	"sync/atomic"
	"unsafe"

	"github.com/Aster-OS/aster/internal/mem/pmm"
	"github.com/Aster-OS/aster/internal/util"
)

// Mapper installs a single physical page's RW|NX mapping into the kernel's
// HHDM view. Idempotent: mapping an already-mapped page just rewrites the
// same PML1 entry. The real kernel wires this to (*vmm.VMM).Map against the
// kernel pagemap root; host-mode tests substitute a no-op.
type Mapper interface {
	Map(pagePhys uint64)
}

// Window is a live register window reached through the HHDM: base is the
// window's physical address, and every Read/Write offset is added to
// base+hhdmOffset before being dereferenced.
type Window struct {
	base       uint64
	hhdmOffset uint64
}

// New maps every page covering [base, base+size) via mapper and returns the
// resulting Window.
func New(mapper Mapper, hhdmOffset uint64, base uint64, size uint64) Window {
	start := util.Rounddown(base, uint64(pmm.PageSize))
	end := util.Roundup(base+size, uint64(pmm.PageSize))
	for p := start; p < end; p += pmm.PageSize {
		mapper.Map(p)
	}
	return Window{base: base, hhdmOffset: hhdmOffset}
}

func (w Window) ptr32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(w.base + uint64(off) + w.hhdmOffset)))
}

func (w Window) ptr64(off uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(w.base + uint64(off) + w.hhdmOffset)))
}

// Read32 loads a 32-bit register. atomic.Load is used in place of a real
// `volatile` qualifier (Go has none) so the compiler can't fold or reorder
// the access away.
func (w Window) Read32(off uint32) uint32 { return atomic.LoadUint32(w.ptr32(off)) }

// Write32 stores a 32-bit register.
func (w Window) Write32(off uint32, val uint32) { atomic.StoreUint32(w.ptr32(off), val) }

// Read64 loads a 64-bit register.
func (w Window) Read64(off uint32) uint64 { return atomic.LoadUint64(w.ptr64(off)) }

// Write64 stores a 64-bit register.
func (w Window) Write64(off uint32, val uint64) { atomic.StoreUint64(w.ptr64(off), val) }

// Base returns the window's physical base address.
func (w Window) Base() uint64 { return w.base }
