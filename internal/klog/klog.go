// Package klog is the kernel's Logger + Panic + Assert component (§4.7).
// It holds a small set of TTY sinks behind one IRQ-saving spinlock, expands
// log lines once, and fans the result out to every sink whose level
// threshold is met. Panic halts every other CPU via IPI before halting the
// local one.
package klog

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/text/message"

	"github.com/Aster-OS/aster/internal/arch/x86"
)

// Level is a log severity, ordered Fatal (most severe) to Debug (least).
type Level int

const (
	Fatal Level = iota
	Error
	Warn
	Info
	Debug
)

var levelName = [...]string{"FATAL", "ERROR", "WARN", "INFO", "DEBUG"}
var levelColor = [...]string{
	"\033[31m", // red
	"\033[91m", // bright red
	"\033[93m", // yellow
	"\033[92m", // green
	"\033[36m", // cyan
}

const resetColor = "\033[37m"

func (l Level) String() string {
	if int(l) < 0 || int(l) >= len(levelName) {
		return "UNKNOWN"
	}
	return levelName[l]
}

// TTY is a logging sink: a leveled console, serial line, or test buffer.
type TTY interface {
	// PutString writes a fully expanded, already-colored line.
	PutString(s string)
	// Level is the minimum severity this sink accepts.
	Level() Level
	// Flush is called after every log line if DoFlush is true.
	Flush()
	DoFlush() bool
}

const maxSinks = 3

var (
	lock     x86.IRQSpinlock
	sinks    [maxSinks]TTY
	numSinks int
	printer  = message.NewPrinter(message.MatchLanguage("en"))

	// haltVector is the IPI vector installed by the scheduler/MP bring-up
	// code once the APIC is live; 0 before that (panics before APIC init
	// simply skip the remote-halt step).
	haltVector  uint8
	haltVectorSet bool
	ipiAllNoSelf func(vector uint8)
	cpuID        func() int
	stackTrace   func(skip int) string
)

// RegisterTTY adds a sink, matching the original TTY_MAX_COUNT==3 cap — a
// 4th registration is silently dropped rather than panicking, since it is
// not itself a fatal misconfiguration.
func RegisterTTY(t TTY) {
	prev := lock.LockIRQ()
	defer lock.UnlockIRQ(prev)
	if numSinks == maxSinks {
		// Can't use Warnf here: it would re-enter the lock.
		return
	}
	sinks[numSinks] = t
	numSinks++
}

// SetHaltVector installs the vector panic uses to IPI-halt remote CPUs and
// the callback used to broadcast it. Called once by MP bring-up.
func SetHaltVector(vector uint8, ipiAllNoSelfFn func(vector uint8)) {
	haltVector = vector
	haltVectorSet = true
	ipiAllNoSelf = ipiAllNoSelfFn
}

// SetCPUIDFunc wires the logger to the current CPU's id for per-line
// prefixing. Optional: before it is set, lines simply omit the CPU column.
func SetCPUIDFunc(f func() int) { cpuID = f }

// SetStackTraceFunc wires a frame-walking stack-trace formatter (see
// internal/klog/trace.go) used by panic.
func SetStackTraceFunc(f func(skip int) string) { stackTrace = f }

func expand(level Level, format string, args ...interface{}) string {
	msg := printer.Sprintf(format, args...)
	var cpuCol string
	if cpuID != nil {
		cpuCol = fmt.Sprintf("cpu%d ", cpuID())
	}
	return fmt.Sprintf("%s[%s%s%s] %s%s", resetColor, levelColor[level], level, resetColor, cpuCol, msg)
}

// Logf logs at an explicit level.
func Logf(level Level, format string, args ...interface{}) {
	line := expand(level, format, args...)
	prev := lock.LockIRQ()
	for i := 0; i < numSinks; i++ {
		s := sinks[i]
		if level <= s.Level() {
			s.PutString(line)
			s.PutString("\n")
		}
	}
	for i := 0; i < numSinks; i++ {
		if sinks[i].DoFlush() {
			sinks[i].Flush()
		}
	}
	lock.UnlockIRQ(prev)
}

func Fatalf(format string, args ...interface{}) { Logf(Fatal, format, args...) }
func Errorf(format string, args ...interface{}) { Logf(Error, format, args...) }
func Warnf(format string, args ...interface{})  { Logf(Warn, format, args...) }
func Infof(format string, args ...interface{})  { Logf(Info, format, args...) }
func Debugf(format string, args ...interface{}) { Logf(Debug, format, args...) }

// Panicf is the single fail-stop entrypoint for every kernel subsystem
// (§7). It logs a fatal line, IPIs every other CPU to halt, gives them a
// moment to park, prints a stack trace, and then raises an ordinary Go
// panic carrying the same reason.
//
// The final "halt the local CPU" step (§4.7) is deliberately not performed
// here: this package has no recover-free top-level caller of its own, and a
// bare CLI/HLT loop at this call site would make every panic — including
// ones a host-mode test deliberately triggers and recovers from — also
// halt interrupts process-wide. Instead the single top-level entrypoint
// (cmd/aster) recovers this panic and performs the real local halt; that
// split keeps subsystem code testable while preserving "the machine is
// halted after best-effort crash dump" as the bare-metal outcome.
func Panicf(format string, args ...interface{}) {
	reason := fmt.Sprintf(format, args...)
	Fatalf("KERNEL PANIC: %s", reason)

	if haltVectorSet && ipiAllNoSelf != nil {
		ipiAllNoSelf(haltVector)
	}
	for i := 0; i < 1_000_000; i++ {
		x86.PauseHint()
	}

	if stackTrace != nil {
		Fatalf("stack trace:\n%s", stackTrace(2))
	}

	panic(reason)
}

// HaltLocalCPU disables interrupts and parks the current CPU forever. Only
// the top-level bare-metal entrypoint calls this, after recovering a
// Panicf-raised panic.
func HaltLocalCPU() {
	x86.Cli()
	for {
		x86.Hlt()
	}
}

// InterruptContext mirrors the frame the common ISR trampoline pushes
// (§6), used by the exception handler to print a full crash dump.
type InterruptContext struct {
	CR4, CR3, CR2, CR0                             uint64
	R15, R14, R13, R12, R11, R10, R9, R8            uint64
	RBP, RSI, RDI, RDX, RCX, RBX, RAX               uint64
	Vector, ErrorCode                               uint64
	RIP, CS, RFLAGS, RSP, SS                        uint64
}

// PanicInterrupt is Panicf specialized for exception/unhandled-interrupt
// paths: it prints the vector, error code, RIP/CS/RFLAGS/RSP/SS and
// CR0-CR4 (the general-purpose registers in ctx are not printed), plus
// a best-effort disassembly of the faulting instruction via DecodeAt.
func PanicInterrupt(reason string, ctx *InterruptContext) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", reason)
	fmt.Fprintf(&b, "  vector=0x%02x error_code=0x%x\n", ctx.Vector, ctx.ErrorCode)
	fmt.Fprintf(&b, "  rip=0x%016x cs=0x%x rflags=0x%x rsp=0x%016x ss=0x%x\n",
		ctx.RIP, ctx.CS, ctx.RFLAGS, ctx.RSP, ctx.SS)
	fmt.Fprintf(&b, "  cr0=0x%016x cr2=0x%016x cr3=0x%016x cr4=0x%016x\n",
		ctx.CR0, ctx.CR2, ctx.CR3, ctx.CR4)
	if inst := decodeFaultingInstruction(ctx.RIP); inst != "" {
		fmt.Fprintf(&b, "  faulting instruction: %s\n", inst)
	}
	Panicf("%s", b.String())
}

// decodeFaultingInstruction disassembles up to 15 bytes (the longest legal
// x86 instruction) starting at rip, read directly out of the current
// address space: rip is a virtual address already executable in whichever
// mapping faulted, so no HHDM translation is needed. A RIP close enough to
// the end of its page that this over-reads into an unmapped one can itself
// fault — acceptable on a path that is already about to halt the machine.
func decodeFaultingInstruction(rip uint64) string {
	if rip == 0 {
		return ""
	}
	code := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), 15)
	s := DecodeAt(code)
	if s == "?" {
		return ""
	}
	return s
}

// Assert panics with a formatted diagnostic when cond is false, matching
// the original kassert()/kassert_fail() contract: expression text, and the
// call site.
func Assert(cond bool, exprText string, file string, line int, fn string) {
	if cond {
		return
	}
	Errorf("Assertion failed: %s", exprText)
	Errorf("  in function %s", fn)
	Errorf("  in file %s:%d", file, line)
	Panicf("Assertion failed: %s", exprText)
}
