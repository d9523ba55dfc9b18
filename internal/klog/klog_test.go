package klog

import (
	"strings"
	"testing"
)

// fakeTTY records every PutString call, for assertions on what the logger
// fanned out and at what level.
type fakeTTY struct {
	level  Level
	lines  []string
	flush  int
	flushy bool
}

func (f *fakeTTY) PutString(s string) { f.lines = append(f.lines, s) }
func (f *fakeTTY) Level() Level       { return f.level }
func (f *fakeTTY) Flush()             { f.flush++ }
func (f *fakeTTY) DoFlush() bool      { return f.flushy }

func resetSinks() {
	prev := lock.LockIRQ()
	numSinks = 0
	sinks = [maxSinks]TTY{}
	lock.UnlockIRQ(prev)
	haltVectorSet = false
	ipiAllNoSelf = nil
	cpuID = nil
	stackTrace = nil
}

func TestLogfFiltersByLevel(t *testing.T) {
	resetSinks()
	defer resetSinks()

	warnOnly := &fakeTTY{level: Warn}
	RegisterTTY(warnOnly)

	Infof("should be dropped")
	Warnf("should appear")

	if len(warnOnly.lines) != 2 { // PutString is called twice per line: text + "\n"
		t.Fatalf("expected one logged line (2 PutString calls), got %d calls: %v", len(warnOnly.lines), warnOnly.lines)
	}
	if !strings.Contains(warnOnly.lines[0], "should appear") {
		t.Fatalf("expected the warn line, got %q", warnOnly.lines[0])
	}
}

func TestRegisterTTYCapsAtMaxSinks(t *testing.T) {
	resetSinks()
	defer resetSinks()

	for i := 0; i < maxSinks+2; i++ {
		RegisterTTY(&fakeTTY{level: Debug})
	}
	if numSinks != maxSinks {
		t.Fatalf("numSinks = %d, want %d", numSinks, maxSinks)
	}
}

func TestLogfFlushesOnlySinksThatAskForIt(t *testing.T) {
	resetSinks()
	defer resetSinks()

	flushy := &fakeTTY{level: Debug, flushy: true}
	quiet := &fakeTTY{level: Debug, flushy: false}
	RegisterTTY(flushy)
	RegisterTTY(quiet)

	Infof("line")

	if flushy.flush != 1 {
		t.Fatalf("expected the flush-requesting sink to be flushed once, got %d", flushy.flush)
	}
	if quiet.flush != 0 {
		t.Fatalf("expected the non-flushing sink to never be flushed, got %d", quiet.flush)
	}
}

func recoverPanicf(t *testing.T, f func()) (reason string) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected Panicf to panic")
		}
		reason, _ = r.(string)
	}()
	f()
	return
}

func TestPanicfLogsThenPanics(t *testing.T) {
	resetSinks()
	defer resetSinks()

	sink := &fakeTTY{level: Debug}
	RegisterTTY(sink)

	reason := recoverPanicf(t, func() {
		Panicf("disk on fire: %d", 42)
	})

	if !strings.Contains(reason, "disk on fire: 42") {
		t.Fatalf("panic value = %q, missing formatted reason", reason)
	}
	found := false
	for _, l := range sink.lines {
		if strings.Contains(l, "KERNEL PANIC") && strings.Contains(l, "disk on fire: 42") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a KERNEL PANIC line in the sink, got %v", sink.lines)
	}
}

func TestAssertPassesSilently(t *testing.T) {
	resetSinks()
	defer resetSinks()
	Assert(true, "1 == 1", "x_test.go", 1, "TestAssertPassesSilently")
}

func TestAssertFailureTriggersPanicf(t *testing.T) {
	resetSinks()
	defer resetSinks()

	reason := recoverPanicf(t, func() {
		Assert(1 == 2, "1 == 2", "x_test.go", 7, "someFunc")
	})
	if !strings.Contains(reason, "Assertion failed: 1 == 2") {
		t.Fatalf("panic value = %q", reason)
	}
}

func TestPanicInterruptIncludesRegisterDump(t *testing.T) {
	resetSinks()
	defer resetSinks()

	sink := &fakeTTY{level: Debug}
	RegisterTTY(sink)

	ctx := &InterruptContext{Vector: 13, ErrorCode: 0, RIP: 0, CS: 8, RFLAGS: 0x202, RSP: 0x1000, SS: 0}
	reason := recoverPanicf(t, func() {
		PanicInterrupt("General Protection Fault", ctx)
	})
	if !strings.Contains(reason, "vector=0x0d") {
		t.Fatalf("panic value missing vector dump: %q", reason)
	}
	if strings.Contains(reason, "faulting instruction:") {
		t.Fatalf("a zero RIP should skip instruction decoration: %q", reason)
	}
}

func TestDecodeFaultingInstructionSkipsZeroRIP(t *testing.T) {
	if got := decodeFaultingInstruction(0); got != "" {
		t.Fatalf("decodeFaultingInstruction(0) = %q, want empty", got)
	}
}

func TestStackTraceReturnsNonEmpty(t *testing.T) {
	s := StackTrace(0)
	if !strings.Contains(s, "StackTrace") {
		t.Fatalf("expected the trace to mention its own caller, got %q", s)
	}
}

func TestDecodeAtReturnsPlaceholderOnGarbage(t *testing.T) {
	// 0x0F 0x0F isn't a valid instruction encoding on its own.
	if got := DecodeAt([]byte{0x0f, 0x0f}); got != "?" {
		t.Fatalf("DecodeAt on garbage = %q, want \"?\"", got)
	}
}
