// Package verdict turns a finished run into PASS or FAIL. Decide is a pure
// function of the frozen aggregate window, the breach timeline, and the
// snapshot sequence: identical inputs always produce the identical verdict,
// so a stored run can be re-judged offline.
package verdict

import (
	"fmt"
	"time"

	"mangonel/internal/metrics"
	"mangonel/internal/snapshot"
	"mangonel/internal/threshold"
)

// Result is the run outcome.
type Result string

const (
	ResultPass Result = "PASS"
	ResultFail Result = "FAIL"
)

// Bottleneck classifies what the failure composition points at.
type Bottleneck string

const (
	BottleneckNone       Bottleneck = "none"
	BottleneckLatency    Bottleneck = "latency/DB-bound"
	BottleneckCapacity   Bottleneck = "capacity/CPU-bound"
	BottleneckDependency Bottleneck = "external-dependency-bound"
)

// Policy holds the fixed decision parameters. Zero values fall back to the
// defaults, so Policy{} is usable directly.
type Policy struct {
	// BurstTicks is how many consecutive breached steady-phase ticks of the
	// rate_5xx rule count as a sustained burst.
	BurstTicks int
	// MinLeakReadings is the minimum number of usable snapshot readings
	// before a rising trend is treated as a leak.
	MinLeakReadings int
}

// DefaultPolicy returns the standard decision parameters.
func DefaultPolicy() Policy {
	return Policy{BurstTicks: 5, MinLeakReadings: 3}
}

// Evidence pins the first bottleneck: the rule, value, VU population, and
// time of the first failure_rate breach, or of the earliest breach of any
// rule when failure_rate never crossed its limit.
type Evidence struct {
	Rule       string    `json:"rule"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Population int       `json:"population"`
	Time       time.Time `json:"time"`
}

// Verdict is the final judgment for one run.
type Verdict struct {
	Result          Result     `json:"result"`
	Bottleneck      Bottleneck `json:"bottleneck"`
	Reasons         []string   `json:"reasons,omitempty"`
	FirstBottleneck *Evidence  `json:"firstBottleneck,omitempty"`
}

// Passed reports whether the run met every criterion.
func (v Verdict) Passed() bool {
	return v.Result == ResultPass
}

// Decide judges a finished run. The run passes when the failure_rate rule
// never breached, no rate_5xx breach persisted BurstTicks consecutive
// steady-phase ticks, and the snapshot readings do not rise strictly across
// every checkpoint. Anything else fails and gets a bottleneck classification
// from the failure composition.
func Decide(window metrics.Window, timeline []threshold.Breach, snaps []snapshot.Snapshot, policy Policy) Verdict {
	if policy.BurstTicks <= 0 {
		policy.BurstTicks = DefaultPolicy().BurstTicks
	}
	if policy.MinLeakReadings <= 0 {
		policy.MinLeakReadings = DefaultPolicy().MinLeakReadings
	}

	var reasons []string

	if b := firstBreachOf(timeline, threshold.MetricFailureRate); b != nil {
		reasons = append(reasons, fmt.Sprintf(
			"rule %q breached at %s with %d live VUs (failure_rate %.4f)",
			b.Rule, b.Start.Format(time.RFC3339), b.StartVUs, b.Value))
	}

	if b := sustainedBurst(timeline, policy.BurstTicks); b != nil {
		reasons = append(reasons, fmt.Sprintf(
			"rule %q held for %d consecutive steady-phase ticks (burst limit %d)",
			b.Rule, b.SteadyTicks, policy.BurstTicks))
	}

	if rising, first, last, n := risingTrend(snaps, policy.MinLeakReadings); rising {
		reasons = append(reasons, fmt.Sprintf(
			"resource reading rose strictly across all %d checkpoints (%.0f to %.0f), possible leak",
			n, first, last))
	}

	if len(reasons) == 0 {
		return Verdict{Result: ResultPass, Bottleneck: BottleneckNone}
	}

	ev := firstEvidence(timeline)
	return Verdict{
		Result:          ResultFail,
		Bottleneck:      classify(window, ev),
		Reasons:         reasons,
		FirstBottleneck: ev,
	}
}

// classify picks the bottleneck label by fixed precedence over the groups
// composing the failure: timeouts point at slow downstream work,
// connection-level errors and plain 5xx at an elevated population point at
// capacity, gateway statuses point at a dependency behind the target. A
// failure with no failed outcomes (leak-only) lands in the capacity family.
func classify(w metrics.Window, ev *Evidence) Bottleneck {
	if w.Failed == 0 {
		return BottleneckCapacity
	}

	gateway := w.StatusCounts[502] + w.StatusCounts[504]
	capacity := w.TransportErrors + (w.Server5xx - gateway)
	timeouts := w.Timeouts

	switch {
	case timeouts > 0 && timeouts >= capacity && timeouts >= gateway:
		return BottleneckLatency
	case capacity > 0 && capacity >= gateway && elevatedPopulation(ev, w.PeakVUs):
		return BottleneckCapacity
	case gateway > 0:
		return BottleneckDependency
	default:
		return BottleneckCapacity
	}
}

// elevatedPopulation reports whether the first breach happened at or above
// half the peak population, rounded up.
func elevatedPopulation(ev *Evidence, peak int) bool {
	if ev == nil || peak <= 0 {
		return false
	}
	return ev.Population >= (peak+1)/2
}

// firstBreachOf returns the earliest breach of the given metric, or nil.
func firstBreachOf(timeline []threshold.Breach, metric string) *threshold.Breach {
	var first *threshold.Breach
	for i := range timeline {
		b := &timeline[i]
		if b.Metric != metric {
			continue
		}
		if first == nil || b.Start.Before(first.Start) {
			first = b
		}
	}
	return first
}

// sustainedBurst returns the first rate_5xx breach that stayed up for at
// least k consecutive steady-phase ticks, or nil.
func sustainedBurst(timeline []threshold.Breach, k int) *threshold.Breach {
	var first *threshold.Breach
	for i := range timeline {
		b := &timeline[i]
		if b.Metric != threshold.MetricRate5xx || b.SteadyTicks < k {
			continue
		}
		if first == nil || b.Start.Before(first.Start) {
			first = b
		}
	}
	return first
}

// risingTrend reports whether the usable snapshot readings rise strictly
// across every checkpoint. Unavailable slots are skipped; fewer than min
// usable readings is inconclusive, never a leak.
func risingTrend(snaps []snapshot.Snapshot, min int) (rising bool, first, last float64, n int) {
	var usable []float64
	for _, s := range snaps {
		if s.Unavailable {
			continue
		}
		usable = append(usable, s.Reading)
	}
	if len(usable) < min {
		return false, 0, 0, len(usable)
	}
	for i := 1; i < len(usable); i++ {
		if usable[i] <= usable[i-1] {
			return false, 0, 0, len(usable)
		}
	}
	return true, usable[0], usable[len(usable)-1], len(usable)
}

// firstEvidence derives the first-bottleneck evidence from the timeline:
// the earliest failure_rate breach, else the earliest breach of any rule,
// else nil for a leak-only failure.
func firstEvidence(timeline []threshold.Breach) *Evidence {
	b := firstBreachOf(timeline, threshold.MetricFailureRate)
	if b == nil {
		for i := range timeline {
			if b == nil || timeline[i].Start.Before(b.Start) {
				b = &timeline[i]
			}
		}
	}
	if b == nil {
		return nil
	}
	return &Evidence{
		Rule:       b.Rule,
		Metric:     b.Metric,
		Value:      b.Value,
		Population: b.StartVUs,
		Time:       b.Start,
	}
}
