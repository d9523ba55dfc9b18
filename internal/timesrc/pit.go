package timesrc

import (
	"github.com/Aster-OS/aster/internal/apic"
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/intr"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/util"
)

const (
	pitCh0DataPort = 0x40
	pitCommandPort = 0x43

	pitInternalFreqHz = 1193182
	pitDesiredFreqHz  = 1000

	pitISAIRQ = 0
)

// PIT is the legacy 8253/8254 Programmable Interval Timer, the fallback
// time source on platforms with no usable HPET. Its only clock is a tick
// counter driven by its own ISA IRQ0 handler.
type PIT struct {
	ticks util.AtomicCounter
	lapic *apic.LAPIC
}

func (p *PIT) handleIRQ(ctx *klog.InterruptContext) {
	_ = ctx
	p.ticks.Add(1)
	p.lapic.SendEOI()
}

// Init programs channel 0 for mode 2 (rate generator) at 1000Hz, installs
// the IRQ0 handler, and unmasks it through router, matching pit_init
// exactly. lapic is used to acknowledge each tick.
func (p *PIT) Init(router *apic.Router, lapic *apic.LAPIC) {
	p.lapic = lapic

	x86.Outb(pitCommandPort, 0x34)

	divisor := uint16(pitInternalFreqHz / pitDesiredFreqHz)
	if divisor == 1 {
		klog.Panicf("timesrc: PIT frequency divisor collapsed to 1")
	}
	x86.Outb(pitCh0DataPort, uint8(divisor&0xFF))
	x86.Outb(pitCh0DataPort, uint8(divisor>>8))

	vec := intr.ISAIRQVector(pitISAIRQ)
	intr.SetHandler(vec, p.handleIRQ)
	router.UnmaskISAIRQ(pitISAIRQ, vec)

	klog.Debugf("PIT initialized")
}

func (p *PIT) nsToTicks(ns uint64) uint64 { return ns * pitDesiredFreqHz / 1_000_000_000 }
func (p *PIT) ticksToNs(ticks uint64) uint64 { return 1_000_000_000 * ticks / pitDesiredFreqHz }

// NowNs returns the tick counter converted to nanoseconds.
func (p *PIT) NowNs() uint64 {
	return p.ticksToNs(uint64(p.ticks.Load()))
}

// SleepNs busy-waits for the tick counter to advance by ns worth of ticks.
func (p *PIT) SleepNs(ns uint64) {
	toSleep := p.nsToTicks(ns)
	start := uint64(p.ticks.Load())
	end := start + toSleep
	for uint64(p.ticks.Load()) < end {
		x86.PauseHint()
	}
}
