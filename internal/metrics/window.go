package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// recentRateIntervals is how many completed accounting intervals feed the
// windowed rates (rate_5xx, recent RPS).
const recentRateIntervals = 5

// Interval is one closed accounting interval.
type Interval struct {
	Timestamp time.Time
	Length    time.Duration
	Requests  int64
	Failures  int64
	Fives     int64
	RPS       float64
	ActiveVUs int
	Phase     Phase
}

// PhaseStats is the per-phase rollup of the retained intervals. A curve
// can revisit a phase; recurrences fold into the same entry.
type PhaseStats struct {
	Phase    Phase         `json:"phase"`
	Duration time.Duration `json:"duration"`
	Requests int64         `json:"requests"`
	Failures int64         `json:"failures"`
	RPS      float64       `json:"rps"`
	AvgVUs   float64       `json:"avgVus"`
	PeakVUs  int           `json:"peakVus"`
}

// intervalRing keeps a bounded ring of closed intervals plus lock-free
// accumulators for the one currently open. Writers touch only the
// accumulators; the emitter alone closes intervals.
type intervalRing struct {
	mu    sync.RWMutex
	items []*Interval
	head  int
	count int
	max   int

	lastEmit time.Time

	curRequests atomic.Int64
	curFailures atomic.Int64
	curFives    atomic.Int64
}

func newIntervalRing(max int) *intervalRing {
	if max <= 0 {
		max = 3600
	}
	return &intervalRing{
		items:    make([]*Interval, max),
		max:      max,
		lastEmit: time.Now(),
	}
}

// record adds one outcome to the open interval.
func (r *intervalRing) record(failed, fives bool) {
	r.curRequests.Add(1)
	if failed {
		r.curFailures.Add(1)
	}
	if fives {
		r.curFives.Add(1)
	}
}

// emit closes the open interval and appends it to the ring.
func (r *intervalRing) emit(activeVUs int, phase Phase) *Interval {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	length := now.Sub(r.lastEmit)
	if length <= 0 {
		length = time.Second
	}

	requests := r.curRequests.Swap(0)
	iv := &Interval{
		Timestamp: now,
		Length:    length,
		Requests:  requests,
		Failures:  r.curFailures.Swap(0),
		Fives:     r.curFives.Swap(0),
		RPS:       float64(requests) / length.Seconds(),
		ActiveVUs: activeVUs,
		Phase:     phase,
	}

	r.items[r.head] = iv
	r.head = (r.head + 1) % r.max
	if r.count < r.max {
		r.count++
	}
	r.lastEmit = now

	return iv
}

// size returns how many closed intervals the ring holds.
func (r *intervalRing) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// recent returns up to n most recent closed intervals in chronological
// order.
func (r *intervalRing) recent(n int) []*Interval {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return nil
	}

	result := make([]*Interval, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.max) % r.max
		result[n-1-i] = r.items[idx]
	}
	return result
}

// recent5xxRate returns the fraction of responses that were 5xx across the
// last n closed intervals, zero when no traffic completed in the window.
func (r *intervalRing) recent5xxRate(n int) float64 {
	var requests, fives int64
	for _, iv := range r.recent(n) {
		requests += iv.Requests
		fives += iv.Fives
	}
	if requests == 0 {
		return 0
	}
	return float64(fives) / float64(requests)
}

// recentRPS averages throughput over the last n closed intervals.
func (r *intervalRing) recentRPS(n int) float64 {
	ivs := r.recent(n)
	if len(ivs) == 0 {
		return 0
	}
	var sum float64
	for _, iv := range ivs {
		sum += iv.RPS
	}
	return sum / float64(len(ivs))
}

// phaseBreakdown folds the retained intervals into per-phase load
// figures, ordered by first appearance.
func (r *intervalRing) phaseBreakdown() []PhaseStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type accum struct {
		stats PhaseStats
		vuSum int64
		n     int64
	}
	byPhase := make(map[Phase]*accum)
	var order []Phase

	start := (r.head - r.count + r.max) % r.max
	for i := 0; i < r.count; i++ {
		iv := r.items[(start+i)%r.max]
		acc := byPhase[iv.Phase]
		if acc == nil {
			acc = &accum{stats: PhaseStats{Phase: iv.Phase}}
			byPhase[iv.Phase] = acc
			order = append(order, iv.Phase)
		}
		acc.stats.Duration += iv.Length
		acc.stats.Requests += iv.Requests
		acc.stats.Failures += iv.Failures
		if iv.ActiveVUs > acc.stats.PeakVUs {
			acc.stats.PeakVUs = iv.ActiveVUs
		}
		acc.vuSum += int64(iv.ActiveVUs)
		acc.n++
	}

	out := make([]PhaseStats, 0, len(order))
	for _, phase := range order {
		acc := byPhase[phase]
		if acc.n > 0 {
			acc.stats.AvgVUs = float64(acc.vuSum) / float64(acc.n)
		}
		if secs := acc.stats.Duration.Seconds(); secs > 0 {
			acc.stats.RPS = float64(acc.stats.Requests) / secs
		}
		out = append(out, acc.stats)
	}
	return out
}
