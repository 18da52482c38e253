package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"mangonel/internal/config"
	"mangonel/internal/engine"
	"mangonel/internal/loadgen"
	"mangonel/internal/metrics"
	"mangonel/internal/snapshot"
	"mangonel/internal/threshold"
	"mangonel/internal/verdict"
)

var reportStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// sampleSummary is a failing run with one breach, one leak-free snapshot
// pair, and a capacity verdict.
func sampleSummary() *engine.Summary {
	return &engine.Summary{
		Name:      "checkout-soak",
		StartTime: reportStart,
		EndTime:   reportStart.Add(2 * time.Minute),
		Duration:  config.Duration(2 * time.Minute),
		Scenarios: []engine.ScenarioReport{
			{Name: "browse", Planned: config.Duration(2 * time.Minute), MaxTarget: 40, Requests: 12000},
		},
		Metrics: metrics.Window{
			Start:        reportStart,
			End:          reportStart.Add(2 * time.Minute),
			Elapsed:      2 * time.Minute,
			Total:        12000,
			Failed:       600,
			FailureRate:  0.05,
			Server5xx:    600,
			StatusCounts: map[int]int64{200: 11400, 503: 600},
			Latency: metrics.LatencyStats{
				Min:   2 * time.Millisecond,
				Max:   900 * time.Millisecond,
				Mean:  40 * time.Millisecond,
				P50:   30 * time.Millisecond,
				P90:   120 * time.Millisecond,
				P95:   200 * time.Millisecond,
				P99:   600 * time.Millisecond,
				Count: 12000,
			},
			Bytes:   4 << 20,
			RPS:     100,
			PeakVUs: 40,
			Phase:   metrics.PhaseDone,
		},
		Rules: []threshold.RuleStatus{
			{Rule: "failure_rate < 0.02", Metric: threshold.MetricFailureRate, Breaches: 1, Worst: 0.05},
			{Rule: "p95 < 2s", Metric: threshold.MetricP95, Breaches: 0, Worst: 200},
		},
		Breaches: []threshold.Breach{
			{
				Rule:        "failure_rate < 0.02",
				Metric:      threshold.MetricFailureRate,
				Value:       0.05,
				Start:       reportStart.Add(30 * time.Second),
				End:         reportStart.Add(90 * time.Second),
				StartVUs:    40,
				Phase:       metrics.PhaseSteady,
				Ticks:       600,
				SteadyTicks: 600,
			},
		},
		Snapshots: []snapshot.Snapshot{
			{Label: "early", Offset: 20 * time.Second, Time: reportStart.Add(20 * time.Second), Reading: 52428800},
			{Label: "final", AtEnd: true, Time: reportStart.Add(2 * time.Minute), Reading: 52430000},
		},
		PhaseBreakdown: []metrics.PhaseStats{
			{Phase: metrics.PhaseRampUp, Duration: 30 * time.Second, Requests: 2400, RPS: 80, AvgVUs: 21, PeakVUs: 40},
			{Phase: metrics.PhaseSteady, Duration: 90 * time.Second, Requests: 9600, Failures: 600, RPS: 106.7, AvgVUs: 40, PeakVUs: 40},
		},
		Verdict: verdict.Verdict{
			Result:     verdict.ResultFail,
			Bottleneck: verdict.BottleneckCapacity,
			Reasons:    []string{"failure_rate < 0.02 breached during steady state"},
			FirstBottleneck: &verdict.Evidence{
				Rule:       "failure_rate < 0.02",
				Metric:     threshold.MetricFailureRate,
				Value:      0.05,
				Population: 40,
				Time:       reportStart.Add(30 * time.Second),
			},
		},
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})
	c.PrintSummary(sampleSummary())
	out := buf.String()

	for _, want := range []string{
		"checkout-soak",
		"FAIL",
		"duration:   2m00s",
		"requests:   12,000 (100.0/s)",
		"failed:     600 (5.00%)",
		"peak vus:   40",
		"data read:  4.0 MiB",
		"latency",
		"p95  200ms",
		"scenarios",
		"browse",
		"phases",
		"ramp-up    30.0s",
		"2,400 reqs (80.0/s), avg 21.0 vus",
		"9,600 reqs (106.7/s), avg 40.0 vus, 600 failed",
		"thresholds",
		"✗ failure_rate < 0.02",
		"1 breaches, worst 5.00%",
		"✓ p95 < 2s",
		"worst 200ms",
		"breach timeline",
		"from 30.0s to 1m30s",
		"at 40 vus (steady)",
		"snapshots",
		"early",
		"(20.0s) 52428800",
		"final",
		"(end) 52430000",
		"verdict: FAIL",
		"bottleneck: capacity/CPU-bound",
		"first hit: failure_rate < 0.02 with 5.00% at 40 vus",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary output missing %q\n%s", want, out)
		}
	}
}

func TestPrintSummary_Quiet(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true, Quiet: true})
	c.PrintSummary(sampleSummary())
	if got := buf.String(); got != "FAIL\n" {
		t.Errorf("quiet output = %q, want FAIL", got)
	}

	buf.Reset()
	passing := sampleSummary()
	passing.Verdict = verdict.Verdict{Result: verdict.ResultPass, Bottleneck: verdict.BottleneckNone}
	c.PrintSummary(passing)
	if got := buf.String(); got != "PASS\n" {
		t.Errorf("quiet output = %q, want PASS", got)
	}
}

func TestPrintSummary_PassHidesFailureDetail(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})

	passing := sampleSummary()
	passing.Breaches = nil
	passing.Rules = []threshold.RuleStatus{
		{Rule: "failure_rate < 0.1", Metric: threshold.MetricFailureRate, Worst: 0.05},
	}
	passing.Verdict = verdict.Verdict{Result: verdict.ResultPass, Bottleneck: verdict.BottleneckNone}
	c.PrintSummary(passing)
	out := buf.String()

	if !strings.Contains(out, "verdict: PASS") {
		t.Errorf("missing pass verdict:\n%s", out)
	}
	if strings.Contains(out, "bottleneck") {
		t.Errorf("passing run should not name a bottleneck:\n%s", out)
	}
	if strings.Contains(out, "breach timeline") {
		t.Errorf("no breaches, no timeline section:\n%s", out)
	}
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})
	c.PrintHeader("checkout-soak", "nightly checkout capacity run")
	out := buf.String()
	if !strings.Contains(out, "checkout-soak") || !strings.Contains(out, "nightly checkout capacity run") {
		t.Errorf("header missing name or description:\n%s", out)
	}

	buf.Reset()
	quiet := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true, Quiet: true})
	quiet.PrintHeader("checkout-soak", "")
	if buf.Len() != 0 {
		t.Errorf("quiet header printed %q", buf.String())
	}
}

func TestTick(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})
	c.Tick(LiveStats{
		Elapsed:     30 * time.Second,
		Total:       time.Minute,
		Progress:    0.5,
		ActiveVUs:   20,
		TargetVUs:   40,
		Requests:    1500,
		RPS:         49.8,
		Failed:      3,
		FailureRate: 0.002,
		P95:         120 * time.Millisecond,
	})
	out := buf.String()

	for _, want := range []string{"[30.0s]", "50%", "vus 20/40", "reqs 1,500", "rps 49.8", "failed 3 (0.20%)", "p95 120ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("tick output missing %q: %q", want, out)
		}
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("tick should be a single line: %q", out)
	}
}

func TestUpdate_NonTTYIsSilent(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})
	if c.IsTTY() {
		t.Fatal("buffer writer must not be a TTY")
	}
	c.Update(LiveStats{Progress: 0.5})
	if buf.Len() != 0 {
		t.Errorf("Update wrote %q to a non-TTY", buf.String())
	}
}

func TestStatsFromRun(t *testing.T) {
	window := metrics.Window{
		Total:       900,
		Failed:      9,
		FailureRate: 0.01,
		RPS:         30,
		RecentRPS:   28,
		Latency:     metrics.LatencyStats{P95: 80 * time.Millisecond, Count: 900},
	}
	progress := []loadgen.Stats{
		{Scenario: "short", Elapsed: 30 * time.Second, Total: 30 * time.Second, Progress: 1.0, TargetVUs: 5, ActiveVUs: 0, Stage: 2},
		{Scenario: "long", Elapsed: 30 * time.Second, Total: 2 * time.Minute, Progress: 0.25, TargetVUs: 40, ActiveVUs: 38, Stage: 0, StageName: "ramp"},
	}

	stats := StatsFromRun(window, progress)

	if stats.ActiveVUs != 38 || stats.TargetVUs != 45 {
		t.Errorf("vus = %d/%d, want 38/45", stats.ActiveVUs, stats.TargetVUs)
	}
	if stats.Total != 2*time.Minute {
		t.Errorf("Total = %v, want the longest curve", stats.Total)
	}
	if stats.Progress != 0.25 {
		t.Errorf("Progress = %v, want 0.25 from the longest curve", stats.Progress)
	}
	if stats.Stage != "ramp" {
		t.Errorf("Stage = %q, want ramp", stats.Stage)
	}
	if stats.Requests != 900 || stats.RPS != 28 {
		t.Errorf("requests = %d rps = %v, want the windowed rate, not the lifetime one", stats.Requests, stats.RPS)
	}
	if stats.P95 != 80*time.Millisecond {
		t.Errorf("P95 = %v, want 80ms", stats.P95)
	}
}

func TestStatsFromRun_UnnamedStage(t *testing.T) {
	stats := StatsFromRun(metrics.Window{}, []loadgen.Stats{
		{Scenario: "main", Total: time.Minute, Progress: 0.1, Stage: 1},
	})
	if stats.Stage != "stage 2" {
		t.Errorf("Stage = %q, want fallback number", stats.Stage)
	}
}

func TestRenderBar(t *testing.T) {
	tests := []struct {
		progress float64
		filled   int
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 5},
		{1, 10},
		{1.7, 10},
	}
	for _, tt := range tests {
		bar := renderBar(tt.progress, 10)
		if got := strings.Count(bar, barFilled); got != tt.filled {
			t.Errorf("renderBar(%v) filled = %d, want %d", tt.progress, got, tt.filled)
		}
		if got := strings.Count(bar, barEmpty); got != 10-tt.filled {
			t.Errorf("renderBar(%v) empty = %d, want %d", tt.progress, got, 10-tt.filled)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0ms"},
		{250 * time.Millisecond, "250ms"},
		{time.Second, "1.0s"},
		{90 * time.Second, "1m30s"},
		{61 * time.Minute, "1h01m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatLatency(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0ms"},
		{450 * time.Microsecond, "450µs"},
		{12 * time.Millisecond, "12ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}
	for _, tt := range tests {
		if got := formatLatency(tt.d); got != tt.want {
			t.Errorf("formatLatency(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1200, "-1,200"},
	}
	for _, tt := range tests {
		if got := formatCount(tt.n); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{4 << 20, "4.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatMetricValue(t *testing.T) {
	tests := []struct {
		metric string
		value  float64
		want   string
	}{
		{threshold.MetricFailureRate, 0.05, "5.00%"},
		{threshold.MetricRate5xx, 0.012, "1.20%"},
		{threshold.MetricP95, 200, "200ms"},
		{threshold.MetricP99, 1500, "1.50s"},
		{"unknown", 3.25, "3.25"},
	}
	for _, tt := range tests {
		if got := formatMetricValue(tt.metric, tt.value); got != tt.want {
			t.Errorf("formatMetricValue(%s, %v) = %q, want %q", tt.metric, tt.value, got, tt.want)
		}
	}
}
