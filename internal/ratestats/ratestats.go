// Package ratestats measures publish rate and jitter over a rolling window of
// frame times.
package ratestats

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS. 20 FPS mean → stable if stddev < 3 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected inter-frame interval. 20 FPS (50ms) → jitter < 10ms.
	jitterStabilityThreshold = 0.20
)

// Stats summarizes a set of frame times.
type Stats struct {
	Frames int
	Span   time.Duration

	FPSMean   float64
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64

	// Jitter is the deviation of each interval from the expected interval,
	// in seconds.
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64

	// Stable reports stddev < 15% of mean FPS and mean jitter < 20% of the
	// expected interval.
	Stable bool
}

// Compute derives rate statistics from ordered frame times.
//
// expectedFPS sets the reference interval for jitter; zero uses the measured
// mean rate. Fewer than two frames, or a zero span, yields an unstable
// result with only Frames set.
func Compute(times []time.Time, expectedFPS float64) Stats {
	n := len(times)
	st := Stats{Frames: n}
	if n < 2 {
		return st
	}

	st.Span = times[n-1].Sub(times[0])
	if st.Span <= 0 {
		return st
	}
	st.FPSMean = float64(n-1) / st.Span.Seconds()

	inst := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if dt := times[i].Sub(times[i-1]).Seconds(); dt > 0 {
			inst = append(inst, 1/dt)
		}
	}
	if len(inst) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = inst[0], inst[0]
	for _, fps := range inst {
		st.FPSMin = math.Min(st.FPSMin, fps)
		st.FPSMax = math.Max(st.FPSMax, fps)
	}
	st.FPSStdDev = stddev(inst, st.FPSMean)

	ref := st.FPSMean
	if expectedFPS > 0 {
		ref = expectedFPS
	}
	expected := 1 / ref

	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		st.JitterMax = math.Max(st.JitterMax, j)
	}
	st.JitterMean = mean(jitters)
	st.JitterStdDev = stddev(jitters, st.JitterMean)

	st.Stable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold

	return st
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

// Window keeps the most recent frame times in a fixed ring. Safe for
// concurrent use.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// NewWindow returns a window holding up to size frame times (minimum 2).
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{times: make([]time.Time, size)}
}

// Add records one frame time.
func (w *Window) Add(t time.Time) {
	w.mu.Lock()
	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.next == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

// Times returns the recorded times, oldest first.
func (w *Window) Times() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.full {
		return append([]time.Time(nil), w.times[:w.next]...)
	}
	out := make([]time.Time, 0, len(w.times))
	out = append(out, w.times[w.next:]...)
	return append(out, w.times[:w.next]...)
}

// Stats computes statistics over the current window.
func (w *Window) Stats(expectedFPS float64) Stats {
	return Compute(w.Times(), expectedFPS)
}

// Reset drops every recorded time.
func (w *Window) Reset() {
	w.mu.Lock()
	w.next = 0
	w.full = false
	w.mu.Unlock()
}
