package engine

import (
	"time"

	"mangonel/internal/config"
	"mangonel/internal/metrics"
	"mangonel/internal/snapshot"
	"mangonel/internal/threshold"
	"mangonel/internal/verdict"
)

// Summary is the structured artifact of one run: final aggregates, the
// full breach timeline, the snapshot sequence, and the verdict.
type Summary struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
	Duration    config.Duration `json:"duration"`

	Scenarios      []ScenarioReport       `json:"scenarios"`
	Metrics        metrics.Window         `json:"metrics"`
	Rules          []threshold.RuleStatus `json:"rules,omitempty"`
	Breaches       []threshold.Breach     `json:"breaches,omitempty"`
	Snapshots      []snapshot.Snapshot    `json:"snapshots,omitempty"`
	Phases         []metrics.PhaseChange  `json:"phases,omitempty"`
	PhaseBreakdown []metrics.PhaseStats   `json:"phaseBreakdown,omitempty"`
	Verdict        verdict.Verdict        `json:"verdict"`

	// Error is set when a scenario ended abnormally, e.g. the run timeout
	// cut it short. The summary and verdict are still complete.
	Error string `json:"error,omitempty"`
}

// Passed reports whether the verdict came out PASS.
func (s *Summary) Passed() bool {
	return s.Verdict.Passed()
}

// ScenarioReport describes how one scenario ran.
type ScenarioReport struct {
	Name      string          `json:"name"`
	Planned   config.Duration `json:"planned"`
	MaxTarget int             `json:"maxTarget"`
	Requests  int64           `json:"requests"`
	Error     string          `json:"error,omitempty"`
}
