package sched

import "testing"

func TestExportProfileAccumulatesPerThreadCycles(t *testing.T) {
	dispatchStamp = map[uint16]uint64{}
	cycleTotals = map[uint16]uint64{}

	recordDispatchIn(1, 1000)
	recordDispatchOut(1, 1500) // thread 1 ran for 500 cycles
	recordDispatchIn(2, 1500)
	recordDispatchOut(2, 1800) // thread 2 ran for 300 cycles

	p := ExportProfile()
	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(p.Sample))
	}

	totals := map[string]int64{}
	for _, s := range p.Sample {
		totals[s.Location[0].Line[0].Function.Name] = s.Value[0]
	}
	if totals["thread-1"] != 500 {
		t.Fatalf("expected thread-1 = 500 cycles, got %d", totals["thread-1"])
	}
	if totals["thread-2"] != 300 {
		t.Fatalf("expected thread-2 = 300 cycles, got %d", totals["thread-2"])
	}
}
