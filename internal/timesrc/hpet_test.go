package timesrc

import (
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type fakeMapper struct{ mapped []uint64 }

func (f *fakeMapper) Map(p uint64) { f.mapped = append(f.mapped, p) }

// newScratchHPET builds an HPET over real scratch memory pre-seeded with a
// capabilities register describing a 10MHz, 64-bit-capable timer (period =
// 100,000,000 femtoseconds), then lets NewHPET's own reset sequence run.
func newScratchHPET(t *testing.T) (*HPET, []byte) {
	t.Helper()
	buf, err := unix.Mmap(-1, 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("unix.Mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(buf) })

	const fakeBase = 0xFED00000
	hhdmOffset := uint64(uintptr(unsafe.Pointer(&buf[0]))) - fakeBase

	const period = 100_000_000 // fs, => 10MHz
	caps := period<<32 | hpet64BitCapable | (0 << 8)
	*(*uint64)(unsafe.Pointer(&buf[0])) = uint64(caps)

	mapper := &fakeMapper{}
	h := NewHPET(mapper, hhdmOffset, fakeBase)
	return h, buf
}

func TestNewHPETDerivesFrequency(t *testing.T) {
	h, _ := newScratchHPET(t)
	if h.freqHz != 10_000_000 {
		t.Fatalf("freqHz = %d, want 10000000", h.freqHz)
	}
	if !h.is64Bit {
		t.Fatalf("expected is64Bit true from capabilities bit 13")
	}
}

func TestHPETNowNsTracksCounter(t *testing.T) {
	h, _ := newScratchHPET(t)
	h.win.Write64(hpetRegMainCounter, 5_000_000) // 5M ticks @ 10MHz = 500ms
	if got := h.NowNs(); got != 500_000_000 {
		t.Fatalf("NowNs = %d, want 500000000", got)
	}
}

func TestHPET32BitSleepHandlesWraparound(t *testing.T) {
	h, _ := newScratchHPET(t)
	h.is64Bit = false
	// Set the counter near the 32-bit ceiling so the sleep target would
	// overflow, forcing the wraparound branch.
	h.win.Write64(hpetRegMainCounter, 0xFFFFFFF0)

	done := make(chan struct{})
	go func() {
		h.SleepNs(100_000) // 1000 ticks @ 10MHz, target pushes past 0xFFFFFFFF
		close(done)
	}()

	// Drive the counter forward past the wrap and then past the
	// post-wrap target, the way hardware would, until SleepNs returns.
	deadline := time.After(2 * time.Second)
	next := uint64(0xFFFFFFF0)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			next++
			h.win.Write64(hpetRegMainCounter, next&0xFFFFFFFF)
		case <-deadline:
			t.Fatalf("SleepNs never observed the counter wrap around")
		}
	}
}
