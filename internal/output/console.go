// Package output renders run progress and results for terminals and
// machine consumers. The console renderer keeps a redrawing live display
// on TTYs and falls back to line-oriented ticks when piped, so CI logs
// stay readable.
package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"mangonel/internal/engine"
	"mangonel/internal/loadgen"
	"mangonel/internal/metrics"
	"mangonel/internal/snapshot"
	"mangonel/internal/threshold"
	"mangonel/internal/verdict"
)

// ANSI sequences for the live display.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K\r"

	ruleChar  = "─"
	barFilled = "█"
	barEmpty  = "░"

	headerWidth = 56
	barWidth    = 30
)

// LiveStats is one frame of the live progress display.
type LiveStats struct {
	Elapsed     time.Duration
	Total       time.Duration
	Progress    float64
	Stage       string
	ActiveVUs   int
	TargetVUs   int
	Requests    int64
	RPS         float64
	Failed      int64
	FailureRate float64
	P95         time.Duration
}

// StatsFromRun folds the shared metric window and the per-scenario
// progress into one display frame. VU counts sum across scenarios; the
// progress bar follows the longest scenario curve, which is the one that
// decides when the run ends. The displayed rate is the recent windowed
// one, not the lifetime average.
func StatsFromRun(window metrics.Window, progress []loadgen.Stats) LiveStats {
	stats := LiveStats{
		Requests:    window.Total,
		RPS:         window.RecentRPS,
		Failed:      window.Failed,
		FailureRate: window.FailureRate,
		P95:         window.Latency.P95,
	}
	for _, p := range progress {
		stats.ActiveVUs += p.ActiveVUs
		stats.TargetVUs += p.TargetVUs
		if p.Total >= stats.Total {
			stats.Total = p.Total
			stats.Elapsed = p.Elapsed
			stats.Progress = p.Progress
			if p.StageName != "" {
				stats.Stage = p.StageName
			} else {
				stats.Stage = fmt.Sprintf("stage %d", p.Stage+1)
			}
		}
	}
	return stats
}

// Console renders run progress and the final report.
type Console struct {
	w      io.Writer
	scheme *ColorScheme
	isTTY  bool
	quiet  bool

	mu    sync.Mutex
	lines int
}

// ConsoleConfig configures the renderer.
type ConsoleConfig struct {
	// Writer defaults to os.Stdout.
	Writer io.Writer
	// NoColor disables all color output.
	NoColor bool
	// Quiet suppresses everything except the final verdict line.
	Quiet bool
}

// NewConsole creates a console renderer.
func NewConsole(cfg ConsoleConfig) *Console {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	scheme := DefaultColorScheme()
	if cfg.NoColor {
		scheme = NoColorScheme()
	}
	return &Console{
		w:      w,
		scheme: scheme,
		isTTY:  writerIsTerminal(w),
		quiet:  cfg.Quiet,
	}
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsTTY reports whether the writer is a terminal. Callers use it to
// choose between Update and Tick.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run banner.
func (c *Console) PrintHeader(name, description string) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rule := strings.Repeat(ruleChar, headerWidth)
	c.println(c.scheme.Dim.Sprint(rule))
	if description != "" {
		c.println(fmt.Sprintf("%s  %s", c.scheme.Value.Sprint(name), c.scheme.Dim.Sprint(description)))
	} else {
		c.println(c.scheme.Value.Sprint(name))
	}
	c.println(c.scheme.Dim.Sprint(rule))
	c.println("")
}

// Update redraws the live display in place. It is a no-op when the
// writer is not a terminal; use Tick there instead.
func (c *Console) Update(stats LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLive(stats)
	c.lines = len(lines)
	for _, line := range lines {
		c.println(line)
	}
}

// Tick prints a one-line progress update for non-terminal writers.
func (c *Console) Tick(stats LiveStats) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.println(fmt.Sprintf("[%s] %3.0f%%  vus %d/%d  reqs %s  rps %.1f  failed %d (%.2f%%)  p95 %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TargetVUs,
		formatCount(stats.Requests),
		stats.RPS,
		stats.Failed,
		stats.FailureRate*100,
		formatLatency(stats.P95)))
}

// clearLive erases the previous live frame. Caller holds the lock.
func (c *Console) clearLive() {
	if c.lines == 0 {
		return
	}
	c.print(fmt.Sprintf(cursorUp, c.lines))
	for i := 0; i < c.lines; i++ {
		c.print(clearLine + "\n")
	}
	c.print(fmt.Sprintf(cursorUp, c.lines))
	c.lines = 0
}

func (c *Console) renderLive(stats LiveStats) []string {
	bar := renderBar(stats.Progress, barWidth)
	percent := fmt.Sprintf("%3.0f%%", stats.Progress*100)
	timing := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Total))

	lines := []string{
		fmt.Sprintf("%s %s  %s",
			c.scheme.Pass.Sprint(bar),
			c.scheme.Value.Sprint(percent),
			c.scheme.Dim.Sprint(timing)),
	}
	if stats.Stage != "" {
		lines = append(lines, fmt.Sprintf("stage: %s", c.scheme.Highlight.Sprint(stats.Stage)))
	}

	failColor := c.scheme.Pass
	if stats.FailureRate > 0.01 {
		failColor = c.scheme.Warn
	}
	if stats.FailureRate > 0.05 {
		failColor = c.scheme.Fail
	}
	lines = append(lines, fmt.Sprintf("vus %s/%d  reqs %s  rps %s  failed %s  p95 %s",
		c.scheme.Label.Sprint(strconv.Itoa(stats.ActiveVUs)),
		stats.TargetVUs,
		c.scheme.Label.Sprint(formatCount(stats.Requests)),
		c.scheme.Label.Sprintf("%.1f", stats.RPS),
		failColor.Sprintf("%d (%.1f%%)", stats.Failed, stats.FailureRate*100),
		c.scheme.Label.Sprint(formatLatency(stats.P95))))

	return lines
}

// PrintSummary renders the final report. In quiet mode only the verdict
// is printed.
func (c *Console) PrintSummary(summary *engine.Summary) {
	if summary == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if summary.Passed() {
			c.println(c.scheme.Pass.Sprint("PASS"))
		} else {
			c.println(c.scheme.Fail.Sprint("FAIL"))
		}
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	verdictColor := c.scheme.Pass
	if !summary.Passed() {
		verdictColor = c.scheme.Fail
	}

	rule := strings.Repeat(ruleChar, headerWidth)
	c.println("")
	c.println(c.scheme.Dim.Sprint(rule))
	c.println(fmt.Sprintf("%s  %s",
		c.scheme.Value.Sprint(summary.Name),
		verdictColor.Sprint(string(summary.Verdict.Result))))
	c.println(c.scheme.Dim.Sprint(rule))
	c.println("")

	w := summary.Metrics
	c.println(fmt.Sprintf("duration:   %s", formatDuration(time.Duration(summary.Duration))))
	c.println(fmt.Sprintf("requests:   %s (%.1f/s)", formatCount(w.Total), w.RPS))

	failColor := c.scheme.Pass
	if w.FailureRate > 0 {
		failColor = c.scheme.Warn
	}
	if w.FailureRate >= 0.05 {
		failColor = c.scheme.Fail
	}
	c.println(fmt.Sprintf("failed:     %s", failColor.Sprintf("%d (%.2f%%)", w.Failed, w.FailureRate*100)))
	c.println(fmt.Sprintf("peak vus:   %d", w.PeakVUs))
	c.println(fmt.Sprintf("data read:  %s", formatBytes(w.Bytes)))
	c.println("")

	c.printLatency(w.Latency)
	c.printScenarios(summary.Scenarios)
	c.printPhases(summary.PhaseBreakdown)
	c.printRules(summary.Rules)
	c.printBreaches(summary.Breaches, w.Start)
	c.printSnapshots(summary.Snapshots)
	c.printVerdict(summary.Verdict)

	if summary.Error != "" {
		c.println("")
		c.println(fmt.Sprintf("%s run error: %s", c.scheme.Fail.Sprint("✗"), summary.Error))
	}
}

func (c *Console) printLatency(lat metrics.LatencyStats) {
	if lat.Count == 0 {
		return
	}
	c.println(c.scheme.Value.Sprint("latency"))
	rows := []struct {
		name string
		d    time.Duration
	}{
		{"min", lat.Min},
		{"p50", lat.P50},
		{"p90", lat.P90},
		{"p95", lat.P95},
		{"p99", lat.P99},
		{"max", lat.Max},
	}
	for _, row := range rows {
		c.println(fmt.Sprintf("  %-4s %s", row.name, formatLatency(row.d)))
	}
	c.println("")
}

func (c *Console) printScenarios(reports []engine.ScenarioReport) {
	if len(reports) == 0 {
		return
	}
	c.println(c.scheme.Value.Sprint("scenarios"))
	for _, rep := range reports {
		line := fmt.Sprintf("  %-16s %s reqs, up to %d vus over %s",
			rep.Name,
			formatCount(rep.Requests),
			rep.MaxTarget,
			formatDuration(time.Duration(rep.Planned)))
		if rep.Error != "" {
			line += "  " + c.scheme.Fail.Sprint(rep.Error)
		}
		c.println(line)
	}
	c.println("")
}

func (c *Console) printPhases(phases []metrics.PhaseStats) {
	if len(phases) == 0 {
		return
	}
	c.println(c.scheme.Value.Sprint("phases"))
	for _, ph := range phases {
		line := fmt.Sprintf("  %-10s %-8s %s reqs (%.1f/s), avg %.1f vus",
			ph.Phase,
			formatDuration(ph.Duration),
			formatCount(ph.Requests),
			ph.RPS,
			ph.AvgVUs)
		if ph.Failures > 0 {
			line += ", " + c.scheme.Warn.Sprintf("%s failed", formatCount(ph.Failures))
		}
		c.println(line)
	}
	c.println("")
}

func (c *Console) printRules(rules []threshold.RuleStatus) {
	if len(rules) == 0 {
		return
	}
	c.println(c.scheme.Value.Sprint("thresholds"))
	for _, rule := range rules {
		icon := c.scheme.Pass.Sprint("✓")
		detail := fmt.Sprintf("worst %s", formatMetricValue(rule.Metric, rule.Worst))
		if rule.Breaches > 0 {
			icon = c.scheme.Fail.Sprint("✗")
			detail = fmt.Sprintf("%d breaches, worst %s", rule.Breaches, formatMetricValue(rule.Metric, rule.Worst))
			if rule.Ongoing {
				detail += ", still breached at end"
			}
		}
		c.println(fmt.Sprintf("  %s %-24s %s", icon, rule.Rule, c.scheme.Dim.Sprint(detail)))
	}
	c.println("")
}

func (c *Console) printBreaches(breaches []threshold.Breach, start time.Time) {
	if len(breaches) == 0 {
		return
	}
	c.println(c.scheme.Value.Sprint("breach timeline"))
	for _, b := range breaches {
		span := fmt.Sprintf("from %s", formatDuration(b.Start.Sub(start)))
		if b.Ongoing() {
			span += " to end of run"
		} else {
			span += fmt.Sprintf(" to %s", formatDuration(b.End.Sub(start)))
		}
		c.println(fmt.Sprintf("  %s %-24s %s %s at %d vus (%s)",
			c.scheme.Fail.Sprint("✗"),
			b.Rule,
			formatMetricValue(b.Metric, b.Value),
			span,
			b.StartVUs,
			b.Phase))
	}
	c.println("")
}

func (c *Console) printSnapshots(snaps []snapshot.Snapshot) {
	if len(snaps) == 0 {
		return
	}
	c.println(c.scheme.Value.Sprint("snapshots"))
	for _, s := range snaps {
		when := formatDuration(s.Offset)
		if s.AtEnd {
			when = "end"
		}
		if s.Unavailable {
			c.println(fmt.Sprintf("  %s %-12s (%s) unavailable: %s",
				c.scheme.Warn.Sprint("!"), s.Label, when, s.Error))
			continue
		}
		c.println(fmt.Sprintf("  %s %-12s (%s) %s",
			c.scheme.Dim.Sprint("·"), s.Label, when, formatReading(s.Reading)))
	}
	c.println("")
}

func (c *Console) printVerdict(v verdict.Verdict) {
	if v.Result == verdict.ResultPass {
		c.println(c.scheme.Pass.Sprint("verdict: PASS"))
		return
	}
	c.println(c.scheme.Fail.Sprint("verdict: FAIL"))
	c.println(fmt.Sprintf("  bottleneck: %s", c.scheme.Highlight.Sprint(string(v.Bottleneck))))
	for _, reason := range v.Reasons {
		c.println("  - " + reason)
	}
	if ev := v.FirstBottleneck; ev != nil {
		c.println(c.scheme.Dim.Sprintf("  first hit: %s with %s at %d vus",
			ev.Rule, formatMetricValue(ev.Metric, ev.Value), ev.Population))
	}
}

func (c *Console) print(s string) {
	fmt.Fprint(c.w, s)
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.w, s)
}

// renderBar renders the progress bar, clamping progress to [0, 1].
func renderBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(barFilled, filled) + strings.Repeat(barEmpty, width-filled) + "]"
}

// formatDuration formats wall-clock spans for display.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

// formatLatency formats request latencies, which span microseconds to
// seconds.
func formatLatency(d time.Duration) string {
	switch {
	case d <= 0:
		return "0ms"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatCount formats a count with thousands separators.
func formatCount(n int64) string {
	str := strconv.FormatInt(n, 10)
	neg := false
	if strings.HasPrefix(str, "-") {
		neg = true
		str = str[1:]
	}
	if len(str) > 3 {
		var b strings.Builder
		offset := len(str) % 3
		if offset > 0 {
			b.WriteString(str[:offset])
		}
		for i := offset; i < len(str); i += 3 {
			if b.Len() > 0 {
				b.WriteString(",")
			}
			b.WriteString(str[i : i+3])
		}
		str = b.String()
	}
	if neg {
		return "-" + str
	}
	return str
}

// formatBytes formats a byte count in binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatMetricValue formats an observed threshold value in the unit of
// its metric: rates as percentages, percentile values as latencies (the
// evaluator tracks those in milliseconds).
func formatMetricValue(metric string, v float64) string {
	switch metric {
	case threshold.MetricFailureRate, threshold.MetricRate5xx:
		return fmt.Sprintf("%.2f%%", v*100)
	case threshold.MetricP50, threshold.MetricP90, threshold.MetricP95, threshold.MetricP99:
		return formatLatency(time.Duration(v * float64(time.Millisecond)))
	}
	return strconv.FormatFloat(v, 'g', 4, 64)
}

// formatReading prints a collaborator reading without exponent notation,
// since readings are usually byte or object counts.
func formatReading(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
