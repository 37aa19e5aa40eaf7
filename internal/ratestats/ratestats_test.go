package ratestats

import (
	"math"
	"testing"
	"testing/quick"
	"time"
)

// evenTimes returns n frame times at fps, each interval alternately
// stretched and shortened by the given fraction.
func evenTimes(n int, fps, wobble float64) []time.Time {
	base := time.Unix(1700000000, 0)
	interval := time.Duration(float64(time.Second) / fps)
	out := make([]time.Time, n)
	t := base
	for i := range out {
		out[i] = t
		d := float64(interval)
		if i%2 == 0 {
			d *= 1 + wobble
		} else {
			d *= 1 - wobble
		}
		t = t.Add(time.Duration(d))
	}
	return out
}

func TestCompute_SteadyStream(t *testing.T) {
	st := Compute(evenTimes(41, 20, 0), 20)

	if st.Frames != 41 {
		t.Fatalf("Frames = %d, want 41", st.Frames)
	}
	if math.Abs(st.FPSMean-20) > 0.01 {
		t.Errorf("FPSMean = %.3f, want 20", st.FPSMean)
	}
	if st.FPSStdDev > 0.01 {
		t.Errorf("FPSStdDev = %.3f, want ~0", st.FPSStdDev)
	}
	if st.JitterMax > 1e-6 {
		t.Errorf("JitterMax = %.6f, want ~0", st.JitterMax)
	}
	if !st.Stable {
		t.Error("steady 20 FPS stream should be stable")
	}
}

func TestCompute_Jittery(t *testing.T) {
	tests := []struct {
		wobble float64
		stable bool
	}{
		{0.05, true},
		{0.10, true},
		{0.30, false},
		{0.50, false},
	}

	for _, tt := range tests {
		st := Compute(evenTimes(60, 10, tt.wobble), 10)
		if st.Stable != tt.stable {
			t.Errorf("wobble %.0f%%: Stable = %v, want %v (stddev %.2f%%, jitter %.2f%%)",
				tt.wobble*100, st.Stable, tt.stable,
				st.FPSStdDev/st.FPSMean*100,
				st.JitterMean*10*100,
			)
		}
	}
}

func TestCompute_EdgeCases(t *testing.T) {
	if st := Compute(nil, 20); st.Frames != 0 || st.Stable {
		t.Errorf("empty: %+v", st)
	}

	one := []time.Time{time.Now()}
	if st := Compute(one, 20); st.Frames != 1 || st.FPSMean != 0 {
		t.Errorf("single frame: %+v", st)
	}

	now := time.Now()
	same := []time.Time{now, now, now}
	if st := Compute(same, 20); st.Stable || st.FPSMean != 0 {
		t.Errorf("zero span: %+v", st)
	}
}

// Property: min ≤ mean-ish ≤ max and every statistic is finite and non-negative.
func TestCompute_Bounds(t *testing.T) {
	f := func(gaps []uint16) bool {
		if len(gaps) < 2 {
			return true
		}
		times := make([]time.Time, len(gaps)+1)
		times[0] = time.Unix(0, 0)
		for i, g := range gaps {
			times[i+1] = times[i].Add(time.Duration(g%1000+1) * time.Millisecond)
		}

		st := Compute(times, 0)
		for _, v := range []float64{st.FPSMean, st.FPSStdDev, st.FPSMin, st.FPSMax, st.JitterMean, st.JitterMax} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return false
			}
		}
		return st.FPSMin <= st.FPSMax && st.JitterMean <= st.JitterMax+1e-12
	}

	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestWindow_Ring(t *testing.T) {
	w := NewWindow(4)
	base := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		w.Add(base.Add(time.Duration(i) * time.Second))
	}
	if got := len(w.Times()); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	for i := 3; i < 10; i++ {
		w.Add(base.Add(time.Duration(i) * time.Second))
	}
	times := w.Times()
	if len(times) != 4 {
		t.Fatalf("len = %d, want 4", len(times))
	}
	for i, tm := range times {
		want := base.Add(time.Duration(6+i) * time.Second)
		if !tm.Equal(want) {
			t.Errorf("times[%d] = %v, want %v", i, tm, want)
		}
	}

	if st := w.Stats(1); math.Abs(st.FPSMean-1) > 1e-9 {
		t.Errorf("FPSMean = %v, want 1", st.FPSMean)
	}

	w.Reset()
	if got := len(w.Times()); got != 0 {
		t.Errorf("after Reset len = %d", got)
	}
}
