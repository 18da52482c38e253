// Package threshold checks configured limits against the live aggregate on
// every control tick. Each rule is an edge-triggered state machine: armed
// until its metric crosses the limit, breached until the metric recovers,
// then armed again. Every contiguous violation becomes one Breach on the
// timeline.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mangonel/internal/metrics"
)

// Metrics the threshold grammar accepts.
const (
	MetricFailureRate = "failure_rate"
	MetricRate5xx     = "rate_5xx"
	MetricP50         = "p50"
	MetricP90         = "p90"
	MetricP95         = "p95"
	MetricP99         = "p99"
)

// Rule is one parsed threshold expression, e.g. "p95 < 500ms" or
// "failure_rate < 0.02". Latency limits are held in milliseconds.
type Rule struct {
	Raw    string  `json:"raw"`
	Metric string  `json:"metric"`
	Op     string  `json:"op"`
	Limit  float64 `json:"limit"`
}

var exprRe = regexp.MustCompile(`^(\w+)\s*(<=|>=|<|>)\s*(.+)$`)

// ParseRule parses a "<metric> <op> <limit>" expression.
func ParseRule(expr string) (*Rule, error) {
	matches := exprRe.FindStringSubmatch(strings.TrimSpace(expr))
	if len(matches) != 4 {
		return nil, fmt.Errorf("invalid threshold expression %q, want \"<metric> <op> <limit>\"", expr)
	}
	metric, op, limitStr := matches[1], matches[2], strings.TrimSpace(matches[3])

	rule := &Rule{Raw: strings.TrimSpace(expr), Metric: metric, Op: op}

	switch metric {
	case MetricFailureRate, MetricRate5xx:
		limit, err := strconv.ParseFloat(limitStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q for %s: %w", limitStr, metric, err)
		}
		rule.Limit = limit

	case MetricP50, MetricP90, MetricP95, MetricP99:
		// Duration form first; a bare number means milliseconds.
		if d, err := time.ParseDuration(limitStr); err == nil {
			rule.Limit = float64(d) / float64(time.Millisecond)
		} else if ms, err := strconv.ParseFloat(limitStr, 64); err == nil {
			rule.Limit = ms
		} else {
			return nil, fmt.Errorf("invalid latency limit %q for %s", limitStr, metric)
		}

	default:
		return nil, fmt.Errorf("unknown threshold metric %q", metric)
	}

	return rule, nil
}

// Sample is one control-tick reading of the aggregate. Latencies are in
// milliseconds.
type Sample struct {
	Time        time.Time
	FailureRate float64
	Rate5xx     float64
	P50         float64
	P90         float64
	P95         float64
	P99         float64
	VUs         int
	Phase       metrics.Phase
}

// SampleFromWindow converts an aggregate view into an evaluator sample.
func SampleFromWindow(w metrics.Window, at time.Time) Sample {
	return Sample{
		Time:        at,
		FailureRate: w.FailureRate,
		Rate5xx:     w.Rate5xx,
		P50:         float64(w.Latency.P50) / float64(time.Millisecond),
		P90:         float64(w.Latency.P90) / float64(time.Millisecond),
		P95:         float64(w.Latency.P95) / float64(time.Millisecond),
		P99:         float64(w.Latency.P99) / float64(time.Millisecond),
		VUs:         w.ActiveVUs,
		Phase:       w.Phase,
	}
}

func (s Sample) value(metric string) float64 {
	switch metric {
	case MetricFailureRate:
		return s.FailureRate
	case MetricRate5xx:
		return s.Rate5xx
	case MetricP50:
		return s.P50
	case MetricP90:
		return s.P90
	case MetricP95:
		return s.P95
	case MetricP99:
		return s.P99
	default:
		return 0
	}
}

// Breach is one contiguous violation of a rule. End stays zero while the
// breach is ongoing. SteadyTicks is the longest run of consecutive
// breached ticks observed during a steady phase, which the verdict uses
// for sustained-burst detection.
type Breach struct {
	Rule        string        `json:"rule"`
	Metric      string        `json:"metric"`
	Value       float64       `json:"value"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end,omitempty"`
	StartVUs    int           `json:"startVUs"`
	Phase       metrics.Phase `json:"phase"`
	Ticks       int           `json:"ticks"`
	SteadyTicks int           `json:"steadyTicks"`
}

// Ongoing reports whether the breach was still open when observed last.
func (b Breach) Ongoing() bool {
	return b.End.IsZero()
}

// EventType marks a breach edge.
type EventType int

const (
	// EventBreachStart fires on the tick a rule first crosses its limit.
	EventBreachStart EventType = iota
	// EventBreachEnd fires on the tick the metric recovers.
	EventBreachEnd
)

func (t EventType) String() string {
	switch t {
	case EventBreachStart:
		return "breach-start"
	case EventBreachEnd:
		return "breach-end"
	default:
		return "unknown"
	}
}

// Event is one breach edge, returned from Observe as it happens.
type Event struct {
	Type  EventType
	Rule  string
	Time  time.Time
	Value float64
}

// RuleStatus summarizes one rule at the end of a run.
type RuleStatus struct {
	Rule     string  `json:"rule"`
	Metric   string  `json:"metric"`
	Breaches int     `json:"breaches"`
	Ongoing  bool    `json:"ongoing"`
	Worst    float64 `json:"worst"`
}

type ruleState struct {
	rule      *Rule
	breached  bool
	current   *Breach
	steadyRun int
	breaches  int
	worst     float64
	seen      bool
}

// Evaluator tracks armed/breached state for a rule set.
type Evaluator struct {
	mu       sync.Mutex
	rules    []*ruleState
	timeline []*Breach
	logger   *zap.Logger
}

// New parses every expression and builds the evaluator. A parse failure
// aborts the run before any worker starts.
func New(exprs []string, logger *zap.Logger) (*Evaluator, error) {
	e := &Evaluator{logger: logger}
	for _, expr := range exprs {
		rule, err := ParseRule(expr)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, &ruleState{rule: rule})
	}
	return e, nil
}

// Observe evaluates every rule against one sample and returns the breach
// edges this tick produced. Called once per control tick.
func (e *Evaluator) Observe(s Sample) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, rs := range e.rules {
		v := s.value(rs.rule.Metric)
		rs.observeWorst(v)
		violated := !compare(v, rs.rule.Op, rs.rule.Limit)

		switch {
		case violated && !rs.breached:
			rs.breached = true
			rs.breaches++
			b := &Breach{
				Rule:     rs.rule.Raw,
				Metric:   rs.rule.Metric,
				Value:    v,
				Start:    s.Time,
				StartVUs: s.VUs,
				Phase:    s.Phase,
				Ticks:    1,
			}
			if s.Phase == metrics.PhaseSteady {
				b.SteadyTicks = 1
				rs.steadyRun = 1
			} else {
				rs.steadyRun = 0
			}
			rs.current = b
			e.timeline = append(e.timeline, b)
			events = append(events, Event{Type: EventBreachStart, Rule: rs.rule.Raw, Time: s.Time, Value: v})
			e.logger.Warn("threshold breached",
				zap.String("rule", rs.rule.Raw),
				zap.Float64("value", v),
				zap.Int("vus", s.VUs),
				zap.String("phase", string(s.Phase)),
			)

		case violated && rs.breached:
			rs.current.Ticks++
			if s.Phase == metrics.PhaseSteady {
				rs.steadyRun++
				if rs.steadyRun > rs.current.SteadyTicks {
					rs.current.SteadyTicks = rs.steadyRun
				}
			} else {
				rs.steadyRun = 0
			}

		case !violated && rs.breached:
			rs.breached = false
			rs.current.End = s.Time
			events = append(events, Event{Type: EventBreachEnd, Rule: rs.rule.Raw, Time: s.Time, Value: v})
			e.logger.Info("threshold recovered",
				zap.String("rule", rs.rule.Raw),
				zap.Float64("value", v),
				zap.Int("ticks", rs.current.Ticks),
			)
			rs.current = nil
			rs.steadyRun = 0
		}
	}
	return events
}

func (rs *ruleState) observeWorst(v float64) {
	if !rs.seen {
		rs.worst = v
		rs.seen = true
		return
	}
	switch rs.rule.Op {
	case "<", "<=":
		if v > rs.worst {
			rs.worst = v
		}
	case ">", ">=":
		if v < rs.worst {
			rs.worst = v
		}
	}
}

// Timeline returns every breach in start order. Ongoing breaches have a
// zero End.
func (e *Evaluator) Timeline() []Breach {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Breach, len(e.timeline))
	for i, b := range e.timeline {
		out[i] = *b
	}
	return out
}

// Statuses summarizes every rule for the run summary.
func (e *Evaluator) Statuses() []RuleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RuleStatus, len(e.rules))
	for i, rs := range e.rules {
		out[i] = RuleStatus{
			Rule:     rs.rule.Raw,
			Metric:   rs.rule.Metric,
			Breaches: rs.breaches,
			Ongoing:  rs.breached,
			Worst:    rs.worst,
		}
	}
	return out
}

// Breached reports whether any rule is currently in a breach.
func (e *Evaluator) Breached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rs := range e.rules {
		if rs.breached {
			return true
		}
	}
	return false
}

// Rules returns the parsed rule set.
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Rule, len(e.rules))
	for i, rs := range e.rules {
		out[i] = *rs.rule
	}
	return out
}

// compare reports whether actual satisfies the rule against the limit.
func compare(actual float64, op string, limit float64) bool {
	switch op {
	case "<":
		return actual < limit
	case "<=":
		return actual <= limit
	case ">":
		return actual > limit
	case ">=":
		return actual >= limit
	default:
		return false
	}
}
