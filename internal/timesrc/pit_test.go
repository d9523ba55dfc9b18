package timesrc

import "testing"

// PIT.Init touches real I/O ports (Outb) and an IOAPIC router, so it is not
// exercised from host-mode tests; NowNs/SleepNs only touch the atomic tick
// counter and are driven directly here.

func TestPITNowNsTracksTicks(t *testing.T) {
	var p PIT
	p.ticks.Store(1000) // 1000 ticks @ 1000Hz = 1 second
	if got := p.NowNs(); got != 1_000_000_000 {
		t.Fatalf("NowNs = %d, want 1e9", got)
	}
}

func TestPITSleepNsWaitsForTickCount(t *testing.T) {
	var p PIT
	done := make(chan struct{})
	go func() {
		p.SleepNs(5_000_000) // 5ms -> nsToTicks(5000000) = 5 ticks @ 1000Hz
		close(done)
	}()

	for i := 0; i < 10; i++ {
		p.ticks.Add(1)
	}
	<-done
}
