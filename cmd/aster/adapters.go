package main

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/bootinfo"
	"github.com/Aster-OS/aster/internal/mem/pmm"
)

// The collaborator interfaces pmm, vmm, acpi, and mmio each declare are
// identically shaped in spirit ("dereference a physical address through
// the HHDM") but not in signature (pmm.Pa vs raw uint64, a byte slice vs a
// *[512]uint64), so bootinfo.Info.PhysToVirt needs one small adapter per
// interface rather than a single shared type.

// hhdmBytes satisfies pmm.HHDMReader. acpi.Reader's parameter is a raw
// uint64 rather than pmm.Pa, so it is satisfied by the separate acpiReader
// adapter below instead of a shared one.
type hhdmBytes struct{ info *bootinfo.Info }

func (h hhdmBytes) Bytes(p pmm.Pa, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h.info.PhysToVirt(uint64(p)))), n)
}

type acpiReader struct{ info *bootinfo.Info }

func (a acpiReader) Bytes(phys uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a.info.PhysToVirt(phys))), n)
}

// hhdmTable satisfies vmm.HHDM.
type hhdmTable struct{ info *bootinfo.Info }

func (h hhdmTable) Table(p pmm.Pa) *[512]uint64 {
	return (*[512]uint64)(unsafe.Pointer(h.info.PhysToVirt(uint64(p))))
}

// mmioMapper satisfies mmio.Mapper by routing page installation through the
// kernel VMM and pagemap root set up during boot. mmio.Window reads and
// writes through phys+hhdmOffset (see mmio.Mapper's doc comment), so the
// page this installs has to be mapped at that same virtual address.
type mmioMapper struct {
	vm         mmioVMM
	root       pmm.Pa
	hhdmOffset uint64
}

// mmioVMM is the subset of *vmm.VMM mmioMapper needs, kept narrow so this
// file does not have to import internal/mem/vmm just to name the type.
type mmioVMM interface {
	Map(root pmm.Pa, virt uintptr, phys pmm.Pa, flags uint64)
}

func (m mmioMapper) Map(pagePhys uint64) {
	const writeNX = 1<<1 | 1<<63 // vmm.Write | vmm.NX
	virt := uintptr(pagePhys + m.hhdmOffset)
	m.vm.Map(m.root, virt, pmm.Pa(pagePhys), writeNX)
}
