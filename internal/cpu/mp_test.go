package cpu

import (
	"testing"
	"time"

	"github.com/Aster-OS/aster/internal/bootinfo"
)

// TestInitBSPPanicsWhenNotFound exercises InitBSP's failure path only: the
// success path calls SetCurrent, which executes WRMSR with no host-mode
// override (see cpu_test.go's TestMain comment), so it cannot run here.
func TestInitBSPPanicsWhenNotFound(t *testing.T) {
	mp := &bootinfo.MPInfo{
		BSPLapic: 99,
		CPUs:     []bootinfo.CPUEntry{{LAPICID: 1}, {LAPICID: 2}},
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected InitBSP to panic when no entry matches BSPLapic")
		}
	}()
	InitBSP(mp)
}

// TestMPInitBuildsRecordsAndWaitsForBarrier drives Init's AP-record
// construction and initialized-CPU barrier without exercising apEntryGo
// (which would call SetCurrent, a privileged WRMSR): APs "report in" by
// bumping initializedCount directly, the same event apEntryGo would
// trigger at the end of real AP bring-up.
func TestMPInitBuildsRecordsAndWaitsForBarrier(t *testing.T) {
	initializedCount.Store(1)
	cpus = nil
	bsp = Cpu{}

	mp := &bootinfo.MPInfo{
		BSPLapic: 10,
		CPUs: []bootinfo.CPUEntry{
			{LAPICID: 10, ACPIID: 0},
			{LAPICID: 11, ACPIID: 1},
			{LAPICID: 12, ACPIID: 2},
		},
	}
	initCpuData(&bsp, 0, mp.CPUs[0].ACPIID, mp.CPUs[0].LAPICID, mp.X2APIC)

	done := make(chan struct{})
	go func() {
		Init(mp)
		close(done)
	}()

	// Give Init a moment to reach its wait loop before the APs "report in".
	time.Sleep(10 * time.Millisecond)
	initializedCount.Add(1)
	initializedCount.Add(1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Init never observed the initialized-CPU barrier reach cpu_count")
	}

	if len(cpus) != 3 {
		t.Fatalf("len(cpus) = %d, want 3", len(cpus))
	}
	if cpus[0] != &bsp {
		t.Fatalf("cpus[0] should alias the BSP record")
	}
	for i := 1; i < 3; i++ {
		if mp.CPUs[i].ExtraArgument == 0 {
			t.Fatalf("CPUs[%d].ExtraArgument not published", i)
		}
		if mp.CPUs[i].GotoAddress == 0 {
			t.Fatalf("CPUs[%d].GotoAddress not published", i)
		}
		if cpus[i] == nil || cpus[i].ID != uint64(i) {
			t.Fatalf("cpus[%d] not built with the expected id", i)
		}
	}
}

func TestMPInitSingleCPUSkipsAPs(t *testing.T) {
	initializedCount.Store(1)
	cpus = nil
	bsp = Cpu{}

	mp := &bootinfo.MPInfo{
		BSPLapic: 5,
		CPUs:     []bootinfo.CPUEntry{{LAPICID: 5}},
	}
	initCpuData(&bsp, 0, 0, 5, false)

	Init(mp)

	if len(cpus) != 1 || cpus[0] != &bsp {
		t.Fatalf("expected the single-CPU fast path to just record the BSP")
	}
}
