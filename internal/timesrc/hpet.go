package timesrc

import (
	"github.com/Aster-OS/aster/internal/arch/x86"
	"github.com/Aster-OS/aster/internal/klog"
	"github.com/Aster-OS/aster/internal/mmio"
)

// HPET register offsets, matching the generic HPET register block layout
// the original implementation's hpet_t struct describes via padding.
const (
	hpetRegCapabilities = 0x000
	hpetRegConfig       = 0x010
	hpetRegMainCounter  = 0x0F0
)

const hpet64BitCapable = 1 << 13

// HPET is the memory-mapped High Precision Event Timer, used as the free-
// running clock and busy-wait sleep source whenever ACPI advertises one.
type HPET struct {
	win     mmio.Window
	freqHz  uint64
	is64Bit bool
}

// NewHPET maps the HPET register block at addr, derives its tick frequency
// from the capabilities register, and starts the main counter from zero,
// matching hpet_init exactly.
func NewHPET(mapper mmio.Mapper, hhdmOffset uint64, addr uint64) *HPET {
	h := &HPET{win: mmio.New(mapper, hhdmOffset, addr, 0x100)}

	caps := h.win.Read64(hpetRegCapabilities)
	comparators := (caps>>8)&0x1f + 1
	periodFs := caps >> 32
	h.freqHz = 1_000_000_000_000_000 / periodFs
	h.is64Bit = caps&hpet64BitCapable != 0

	klog.Debugf("HPET comparators count: %d", comparators)
	klog.Debugf("HPET 64-bit compatible: %v", h.is64Bit)
	klog.Debugf("HPET frequency: %d Hz", h.freqHz)

	h.win.Write64(hpetRegConfig, 0) // disable main counter
	h.win.Write64(hpetRegMainCounter, 0)
	h.win.Write64(hpetRegConfig, 1) // enable main counter

	klog.Infof("HPET initialized")
	return h
}

func (h *HPET) nsToTicks(ns uint64) uint64 { return ns * h.freqHz / 1_000_000_000 }
func (h *HPET) ticksToNs(ticks uint64) uint64 {
	return ticks/h.freqHz*1_000_000_000 + ticks%h.freqHz*1_000_000_000/h.freqHz
}

// NowNs returns the main counter's value converted to nanoseconds.
func (h *HPET) NowNs() uint64 {
	return h.ticksToNs(h.win.Read64(hpetRegMainCounter))
}

// SleepNs busy-waits until the main counter reaches now+ns, handling the
// 32-bit counter's wraparound the same way hpet_sleep_ns does: wait out the
// wrap, then wait for the post-wrap target.
func (h *HPET) SleepNs(ns uint64) {
	now := h.win.Read64(hpetRegMainCounter)
	target := now + h.nsToTicks(ns)

	if h.is64Bit || target <= 0xFFFFFFFF {
		for h.win.Read64(hpetRegMainCounter) < target {
			x86.PauseHint()
		}
		return
	}

	before := uint32(now)
	for uint32(h.win.Read64(hpetRegMainCounter)) >= before {
		x86.PauseHint()
	}
	targetAfterOverflow := target - 0xFFFFFFFF
	for h.win.Read64(hpetRegMainCounter) < targetAfterOverflow {
		x86.PauseHint()
	}
}
