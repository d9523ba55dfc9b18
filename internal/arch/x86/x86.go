// Package x86 provides the thin layer of raw x86-64 hardware access the rest
// of the kernel is built on: port I/O, MSR access, descriptor table loads,
// control-register reads, and the context-switch trampoline. Every exported
// function here either has no meaningful implementation in portable Go or
// directly corresponds to a single privileged instruction; it is the
// narrowest possible surface so the rest of the kernel never touches asm
// directly.
//
// The teacher's own equivalent primitives (runtime.Rdtsc, runtime.Sgdt,
// runtime.Install_traphandler, ...) live inside its own fork of the Go
// runtime and are not available outside of it; these stubs are written in
// ordinary Plan9 assembly instead, the way a freestanding-kernel module
// without a forked toolchain must.
package x86

import "unsafe"

// Outb writes an 8-bit value to an I/O port.
func Outb(port uint16, val uint8)

// Inb reads an 8-bit value from an I/O port.
func Inb(port uint16) uint8

// Outw writes a 16-bit value to an I/O port.
func Outw(port uint16, val uint16)

// Inw reads a 16-bit value from an I/O port.
func Inw(port uint16) uint16

// Outl writes a 32-bit value to an I/O port.
func Outl(port uint16, val uint32)

// Inl reads a 32-bit value from an I/O port.
func Inl(port uint16) uint32

// Rdmsr reads a model-specific register.
func Rdmsr(msr uint32) uint64

// Wrmsr writes a model-specific register.
func Wrmsr(msr uint32, val uint64)

// Rdtsc returns the current time-stamp counter value.
func Rdtsc() uint64

// Cpuid executes CPUID for the given leaf/subleaf.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

func cliInsn()
func stiInsn()

// cliImpl/stiImpl are indirected so host-mode tests can substitute no-ops:
// CLI/STI are privileged and fault outside ring 0, so any code path a
// `go test` binary exercises (every IRQSpinlock use, notably) must not
// reach the real instruction. Production code never touches these vars.
var (
	cliImpl = cliInsn
	stiImpl = stiInsn
)

// Cli disables maskable interrupts on the current CPU.
func Cli() { cliImpl() }

// Sti enables maskable interrupts on the current CPU.
func Sti() { stiImpl() }

// SetInterruptHooks overrides the Cli/Sti implementations. Host-mode tests
// call this once (e.g. from TestMain) with no-ops; real boot code never
// calls it, leaving the real instructions wired.
func SetInterruptHooks(cli, sti func()) {
	cliImpl = cli
	stiImpl = sti
}

// ReadFlags returns the current RFLAGS register.
func ReadFlags() uint64

// Hlt halts the current CPU until the next interrupt.
func Hlt()

// PauseHint executes the PAUSE instruction inside spin loops.
func PauseHint()

// Invlpg invalidates the TLB entry covering addr on the current CPU.
func Invlpg(addr uintptr)

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uint64

// ReadCR3 returns the current pagemap root physical address.
func ReadCR3() uint64

// WriteCR3 loads a new pagemap root, flushing the entire TLB.
func WriteCR3(val uint64)

// descPtr mirrors the CPU's packed {limit uint16; base uint64} GDTR/IDTR
// representation; field order and size must match exactly. Go aligns base
// to 8 bytes, so pad moves limit to offset 6 and the 10 bytes starting at
// &limit are the packed pair the instructions read and write.
type descPtr struct {
	pad   [3]uint16
	limit uint16
	base  uint64
}

// Lgdt loads the GDTR from a {base,limit} pair.
func Lgdt(base unsafe.Pointer, limit uint16) {
	d := descPtr{limit: limit, base: uint64(uintptr(base))}
	lgdtAsm(unsafe.Pointer(&d.limit))
}

// Sgdt stores the current GDTR into base/limit.
func Sgdt() (base unsafe.Pointer, limit uint16) {
	var d descPtr
	sgdtAsm(unsafe.Pointer(&d.limit))
	return unsafe.Pointer(uintptr(d.base)), d.limit
}

// Lidt loads the IDTR from a {base,limit} pair.
func Lidt(base unsafe.Pointer, limit uint16) {
	d := descPtr{limit: limit, base: uint64(uintptr(base))}
	lidtAsm(unsafe.Pointer(&d.limit))
}

// Ltr loads the task register with the given GDT selector.
func Ltr(selector uint16)

func lgdtAsm(ptr unsafe.Pointer)
func sgdtAsm(ptr unsafe.Pointer)
func lidtAsm(ptr unsafe.Pointer)

// CtxSwitch saves the callee-saved registers and stack pointer of the
// current thread into *oldSP, then restores the callee-saved registers and
// stack pointer of the thread whose saved sp is newSP. It returns into the
// caller of whichever thread is resumed — the scheduler's fake initial
// stack frame (sched package) arranges for a first "return" to land in the
// thread trampoline.
func CtxSwitch(oldSP *uintptr, newSP uintptr)

const (
	// IA32_APIC_BASE holds the LAPIC MMIO base and the global/x2APIC enable bits.
	IA32_APIC_BASE = 0x1B
	// IA32_GS_BASE / IA32_KERNEL_GS_BASE back the per-CPU record pointer.
	IA32_GS_BASE        = 0xC0000101
	IA32_KERNEL_GS_BASE = 0xC0000102
)

// GetCpuLocal reads the per-CPU pointer out of IA32_KERNEL_GS_BASE. Callers
// must have interrupts disabled, matching the Cpu record access invariant.
func GetCpuLocal() unsafe.Pointer {
	return unsafe.Pointer(uintptr(Rdmsr(IA32_KERNEL_GS_BASE)))
}

// SetCpuLocal installs p as this CPU's per-CPU pointer in IA32_KERNEL_GS_BASE.
func SetCpuLocal(p unsafe.Pointer) {
	Wrmsr(IA32_KERNEL_GS_BASE, uint64(uintptr(p)))
}
