package sched

import (
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/Aster-OS/aster/internal/arch/x86"
)

// Per-thread cycle accounting, an optional generalization of the teacher's
// Stats2String debug-counter convention into a real profiling artifact
// (§4.9 supplement): Yield stamps a thread's dispatch-in cycle count and
// folds the elapsed delta into its running total on dispatch-out, and
// ExportProfile turns the accumulated totals into a pprof profile.Profile
// for host-side `go tool pprof` consumption.
var (
	profLock      x86.IRQSpinlock
	dispatchStamp = map[uint16]uint64{}
	cycleTotals   = map[uint16]uint64{}
)

func recordDispatchOut(tid uint16, now uint64) {
	prev := profLock.LockIRQ()
	defer profLock.UnlockIRQ(prev)
	if start, ok := dispatchStamp[tid]; ok {
		cycleTotals[tid] += now - start
	}
}

func recordDispatchIn(tid uint16, now uint64) {
	prev := profLock.LockIRQ()
	defer profLock.UnlockIRQ(prev)
	dispatchStamp[tid] = now
}

// ExportProfile snapshots every thread's accumulated run-time in CPU cycles
// as a pprof profile, one sample per thread.
func ExportProfile() *profile.Profile {
	prev := profLock.LockIRQ()
	totals := make(map[uint16]uint64, len(cycleTotals))
	for tid, cycles := range cycleTotals {
		totals[tid] = cycles
	}
	profLock.UnlockIRQ(prev)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cycles", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cycles", Unit: "count"},
		Period:     1,
	}

	for tid, cycles := range totals {
		fn := &profile.Function{ID: uint64(len(p.Function) + 1), Name: fmt.Sprintf("thread-%d", tid)}
		loc := &profile.Location{ID: uint64(len(p.Location) + 1), Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(cycles)},
			Label:    map[string][]string{"tid": {fmt.Sprintf("%d", tid)}},
		})
	}
	return p
}
