package intr

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
)

// Selector values for the shared GDT (§4.4): null, kernel code/data, user
// code/data, and a single TSS descriptor pair.
const (
	SelectorNull       = 0x00
	SelectorKernelCode = 0x08
	SelectorKernelData = 0x10
	SelectorUserCode   = 0x18 | 3
	SelectorUserData   = 0x20 | 3
	SelectorTSS        = 0x28
)

const (
	descTypeCode  = 1<<7 | 1<<4 | 1<<3 | 1<<1 | 1<<0
	descTypeData  = 1<<7 | 1<<4 | 1<<1 | 1<<0
	descTypeTSS   = 1<<7 | 1<<3 | 1<<0
	flagLongMode  = 1 << 5
)

func dpl(ring uint8) uint8 { return ring << 5 }

// segDescriptor is a plain (non-TSS) 8-byte GDT entry.
type segDescriptor struct {
	limit0_15   uint16
	base0_15    uint16
	base16_23   uint8
	typ         uint8
	limit16_19  uint8
	base24_31   uint8
}

// tssDescriptor is the 16-byte (two-slot) system descriptor a 64-bit TSS
// needs to hold a full 64-bit base address.
type tssDescriptor struct {
	limit0_15  uint16
	base0_15   uint16
	base16_23  uint8
	typ        uint8
	limit16_19 uint8
	base24_31  uint8
	base32_63  uint32
	reserved   uint32
}

// TSS is the x86-64 Task State Segment. Only rsp0 and the IST slots are
// used; iobpOffset points past the end of the structure so there is no I/O
// permission bitmap.
type TSS struct {
	reserved0 uint32
	RSP       [3]uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IOPBOffset uint16
}

const gdtEntries = 7 // null, kcode, kdata, ucode, udata, tss-lo, tss-hi

var (
	gdtLock x86.IRQSpinlock
	gdt     [gdtEntries]segDescriptor
	gdtIdx  int
)

func addSegDescriptor(typ, flags uint8) {
	gdt[gdtIdx] = segDescriptor{typ: typ, limit16_19: flags}
	gdtIdx++
}

// InitGDT populates the shared, CPU-independent part of the GDT: null,
// kernel code/data, user code/data. The TSS descriptor slots are left zero
// until ReloadTSS fills them in for whichever CPU reloads next.
func InitGDT() {
	gdtIdx = 0
	addSegDescriptor(0, 0)
	addSegDescriptor(descTypeCode|dpl(0), flagLongMode)
	addSegDescriptor(descTypeData|dpl(0), flagLongMode)
	addSegDescriptor(descTypeCode|dpl(3), flagLongMode)
	addSegDescriptor(descTypeData|dpl(3), flagLongMode)
	gdtIdx += 2 // reserve the TSS descriptor's two slots

	klog.Infof("GDT initialized")
}

// ReloadSegments loads GDTR on the calling CPU. Data-segment selectors are
// not explicitly reloaded: under the flat 64-bit model a bootloader-handed
// CS with the long-mode bit set behaves identically for addressing purposes
// regardless of its numeric selector, so Limine's own segment setup is left
// in place rather than round-tripping through a far return.
func ReloadSegments() {
	x86.Lgdt(unsafe.Pointer(&gdt[0]), uint16(unsafe.Sizeof(gdt))-1)
}

// ReloadTSS writes tss's descriptor into the shared GDT's TSS slot and
// loads the Task Register. Guarded by a lock since the slot is shared and
// every AP does this during bring-up (mirrors gdt_reload_tss's static
// spinlock).
func ReloadTSS(tss *TSS) {
	prev := gdtLock.LockIRQ()
	defer gdtLock.UnlockIRQ(prev)

	tss.IOPBOffset = uint16(unsafe.Sizeof(TSS{}))

	base := uint64(uintptr(unsafe.Pointer(tss)))
	limit := uint32(unsafe.Sizeof(TSS{})) - 1

	desc := (*tssDescriptor)(unsafe.Pointer(&gdt[5]))
	desc.limit0_15 = uint16(limit)
	desc.base0_15 = uint16(base)
	desc.base16_23 = uint8(base >> 16)
	desc.typ = descTypeTSS
	desc.limit16_19 = uint8(limit >> 16)
	desc.base24_31 = uint8(base >> 24)
	desc.base32_63 = uint32(base >> 32)

	x86.Ltr(SelectorTSS)
}
