package klog

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// StackTrace walks the call stack starting skip frames up, in the style of
// the teacher's caller.Callerdump, and is wired into Panicf via
// SetStackTraceFunc so every panic carries one.
func StackTrace(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return "(no stack trace available)"
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	first := true
	for {
		fr, more := frames.Next()
		if !first {
			b.WriteString("\t<-")
		}
		fmt.Fprintf(&b, "%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		first = false
		if !more {
			break
		}
	}
	return b.String()
}

// DecodeAt best-effort disassembles the instruction at code[0:] for
// inclusion in an interrupt-context dump when the faulting RIP has no
// symbol information (e.g. a jump into garbage). Returns "?" on failure
// rather than propagating a recoverable error, since this is decoration on
// a panic path, not load-bearing logic.
func DecodeAt(code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "?"
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}
