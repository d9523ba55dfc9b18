package intr

import (
	"unsafe"

	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
)

const idtDescAttr = 0x8E

// isrTrampolineAddr reads the address of the generated entry trampoline for
// a vector out of the file-private table in isr_table_amd64.s.
func isrTrampolineAddr(vector uint8) uintptr

// idtDescriptor is a 64-bit-mode interrupt gate descriptor.
type idtDescriptor struct {
	addr0_15  uint16
	destCS    uint16
	ist       uint8
	attr      uint8
	addr16_31 uint16
	addr32_63 uint32
	reserved  uint32
}

var idt [vectorCount]idtDescriptor

func setIDTDescriptor(vector uint8, isrAddr uintptr, ist uint8) {
	d := &idt[vector]
	d.addr0_15 = uint16(isrAddr)
	d.destCS = SelectorKernelCode
	d.ist = ist
	d.attr = idtDescAttr
	d.addr16_31 = uint16(isrAddr >> 16)
	d.addr32_63 = uint32(isrAddr >> 32)
}

// InitIDT populates all 256 gate descriptors to point at the generated
// trampolines. The vector table itself (handlers[]) starts out fully
// populated by Init; InitIDT only needs to run once, since the IDT is
// shared across every CPU (§4.4) — each CPU just reloads IDTR afterward.
func InitIDT() {
	for v := 0; v < vectorCount; v++ {
		setIDTDescriptor(uint8(v), isrTrampolineAddr(uint8(v)), 0)
	}
	klog.Infof("IDT initialized")
}

// ReloadIDT loads IDTR on the calling CPU.
func ReloadIDT() {
	x86.Lidt(unsafe.Pointer(&idt[0]), uint16(unsafe.Sizeof(idt))-1)
}
