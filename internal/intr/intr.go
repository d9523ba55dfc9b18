// Package intr owns the shared vector table, the monotonic vector
// allocator, and legacy PIC disablement (§4.4, §6). GDT/IDT construction
// live in gdt.go/idt.go; the raw entry trampolines live in
// isr_stubs_amd64.s.
package intr

import (
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
)

// Handler receives the frame built by the common entry trampoline.
type Handler func(ctx *klog.InterruptContext)

const (
	vectorCount      = 256
	pic1IRQOffset    = 0x20
	pic2IRQOffset    = 0x28
	isaIRQOffset     = 0x30
	isaIRQMax        = 16
	usableStart      = 0x40
	usableEnd        = 0xEE // 0xEF reserved, 0xF0 is the LAPIC spurious vector
)

var (
	lock         x86.IRQSpinlock
	handlers     [vectorCount]Handler
	nextVector   uint16 = usableStart
)

func exceptionHandler(ctx *klog.InterruptContext) {
	klog.PanicInterrupt("Unhandled CPU Exception", ctx)
}

func picSpuriousHandler(ctx *klog.InterruptContext) {
	klog.PanicInterrupt("Unexpected PIC IRQ received", ctx)
}

func unknownHandler(ctx *klog.InterruptContext) {
	klog.PanicInterrupt("Received interrupt with no defined handler", ctx)
}

// Init disables the legacy PIC and installs the default vector table:
// 0..31 panic on exception, the PIC remap range panics on spurious IRQ,
// everything else panics as unhandled until claimed.
func Init() {
	disablePIC()

	for v := 0; v < vectorCount; v++ {
		handlers[v] = unknownHandler
	}
	for v := 0; v < 32; v++ {
		handlers[v] = exceptionHandler
	}
	for irq := 0; irq < 8; irq++ {
		handlers[pic1IRQOffset+irq] = picSpuriousHandler
		handlers[pic2IRQOffset+irq] = picSpuriousHandler
	}

	klog.Infof("Interrupts initialized")
}

// ISAIRQVector returns the vector an ISA IRQ line is wired to.
func ISAIRQVector(isaIRQ uint8) uint8 {
	return isaIRQOffset + isaIRQ
}

// AllocVector hands out the next free vector from the monotonic pool,
// §6's invariant 10: fail-stop once the pool is exhausted, never reclaimed.
func AllocVector() uint8 {
	prev := lock.LockIRQ()
	defer lock.UnlockIRQ(prev)

	if nextVector > usableEnd {
		klog.Panicf("intr: all usable vectors are exhausted")
	}
	v := uint8(nextVector)
	nextVector++
	return v
}

// SetHandler installs the handler for an already-allocated vector.
func SetHandler(vector uint8, h Handler) {
	prev := lock.LockIRQ()
	handlers[vector] = h
	lock.UnlockIRQ(prev)
}

// SetISAIRQHandler installs a handler for an ISA IRQ line (0..15).
func SetISAIRQHandler(isaIRQ uint8, h Handler) {
	if isaIRQ >= isaIRQMax {
		klog.Panicf("intr: isa irq %d out of range", isaIRQ)
	}
	SetHandler(ISAIRQVector(isaIRQ), h)
}

// dispatch is called by the common assembly trampoline (commonISRTrampoline
// in isr_common_amd64.s) with a pointer to the pushed frame. It is exported
// via a //go:linkname-free indirection: asm calls ·dispatch(SB) directly.
func dispatch(ctx *klog.InterruptContext) {
	handlers[ctx.Vector](ctx)
}

func disablePIC() {
	const (
		pic1Command = 0x20
		pic1Data    = 0x21
		pic2Command = 0xA0
		pic2Data    = 0xA1

		icw1Init        = 0x10
		icw1ICW4Present = 0x01
		icw4_8086       = 0x01

		irqSlaveToMaster = 2
	)

	x86.Outb(pic1Command, icw1Init|icw1ICW4Present)
	x86.Outb(pic2Command, icw1Init|icw1ICW4Present)

	x86.Outb(pic1Data, pic1IRQOffset)
	x86.Outb(pic2Data, pic2IRQOffset)

	x86.Outb(pic1Data, 1<<irqSlaveToMaster)
	x86.Outb(pic2Data, irqSlaveToMaster)

	x86.Outb(pic1Data, icw4_8086)
	x86.Outb(pic2Data, icw4_8086)

	// mask everything; IOAPIC takes over all routing
	x86.Outb(pic1Data, 0xFF)
	x86.Outb(pic2Data, 0xFF)

	klog.Infof("Disabled PIC")
}
