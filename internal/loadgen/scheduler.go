package loadgen

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mangonel/internal/config"
	"mangonel/internal/httpclient"
	"mangonel/internal/metrics"
)

// SchedulerConfig wires one scenario to the shared run infrastructure.
type SchedulerConfig struct {
	// Name is the scenario key from the run configuration
	Name string

	// Scenario is the load profile to execute
	Scenario *config.Scenario

	// Settings are the run-wide settings
	Settings config.Settings

	// Globals are run-wide substitution variables
	Globals map[string]string

	// Client executes requests; shared across scenarios so connection
	// pools are run-wide
	Client *httpclient.Client

	// Agg receives outcomes, population and phase updates
	Agg *metrics.Aggregator

	// Budget caps the global VU population
	Budget *Budget

	// PhaseAuthority marks the one scheduler that publishes phase
	// transitions; with concurrent scenarios the engine grants it to the
	// longest curve
	PhaseAuthority bool

	Logger *zap.Logger
}

// Scheduler runs one scenario: every control tick it interpolates the
// target VU count from the staged curve, resizes the pool, and publishes
// the phase.
type Scheduler struct {
	name     string
	spec     *config.Scenario
	tick     time.Duration
	graceful time.Duration
	pool     *Pool
	agg      *metrics.Aggregator
	phaseSrc bool
	logger   *zap.Logger

	start        atomic.Int64 // unix nanos, 0 until Run begins
	targetVUs    atomic.Int32
	currentStage atomic.Int32
}

// NewScheduler builds the scheduler and its VU pool for one scenario.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	timeout := cfg.Scenario.Timeout.GetDuration(0)
	if timeout <= 0 {
		timeout = cfg.Settings.Timeout.GetDuration(config.DefaultTimeout)
	}

	var limiter *rate.Limiter
	if cfg.Scenario.MaxRate > 0 {
		burst := int(cfg.Scenario.MaxRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Scenario.MaxRate), burst)
	}

	headers := make(map[string]string, len(cfg.Settings.Headers)+len(cfg.Scenario.Request.Headers))
	for k, v := range cfg.Settings.Headers {
		headers[k] = v
	}
	for k, v := range cfg.Scenario.Request.Headers {
		headers[k] = v
	}

	vuCfg := VUConfig{
		Scenario: cfg.Name,
		Request:  cfg.Scenario.Request,
		Think:    cfg.Scenario.Think,
		Timeout:  timeout,
		Headers:  headers,
		Client:   cfg.Client,
		Sink:     cfg.Agg,
		Limiter:  limiter,
		Resolver: NewResolver(cfg.Settings.BaseURL, cfg.Globals, cfg.Scenario.Variables),
		Logger:   cfg.Logger,
	}
	spawn := func(id int) *VU {
		return NewVU(id, vuCfg)
	}

	return &Scheduler{
		name:     cfg.Name,
		spec:     cfg.Scenario,
		tick:     cfg.Settings.ControlTick.GetDuration(config.DefaultControlTick),
		graceful: cfg.Settings.GracefulStop.GetDuration(config.DefaultGracefulStop),
		pool:     NewPool(spawn, cfg.Agg, cfg.Budget, cfg.Logger),
		agg:      cfg.Agg,
		phaseSrc: cfg.PhaseAuthority,
		logger:   cfg.Logger.With(zap.String("scenario", cfg.Name)),
	}
}

// Run walks the target curve until it is exhausted or the context is
// cancelled, then drains the pool. The error is non-nil only when the
// context ended the run early.
func (s *Scheduler) Run(ctx context.Context) error {
	total := s.TotalDuration()
	for i, stage := range s.spec.Stages {
		if stage.Duration.GetDuration(0) <= 0 {
			s.logger.Warn("skipping zero-duration stage",
				zap.Int("stage", i),
				zap.Int("target", stage.Target),
			)
		}
	}
	if total <= 0 {
		s.logger.Warn("scenario has no runnable stages")
		return nil
	}

	startTime := time.Now()
	s.start.Store(startTime.UnixNano())
	s.logger.Info("scenario starting",
		zap.Duration("total", total),
		zap.Int("stages", len(s.spec.Stages)),
		zap.Int("peakTarget", s.MaxTarget()),
	)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.pool.Drain(s.graceful)
			return ctx.Err()

		case now := <-ticker.C:
			elapsed := now.Sub(startTime)
			if elapsed >= total {
				clean := s.pool.Drain(s.graceful)
				if !clean {
					s.logger.Warn("graceful stop window expired, in-flight requests aborted",
						zap.Duration("graceful", s.graceful))
				}
				if s.phaseSrc {
					s.agg.SetPhase(metrics.PhaseDone)
				}
				s.logger.Info("scenario complete", zap.Duration("elapsed", elapsed))
				return nil
			}

			target, stageIdx := s.targetAt(elapsed)
			s.targetVUs.Store(int32(target))
			s.currentStage.Store(int32(stageIdx))
			s.pool.Resize(ctx, target)
			if s.phaseSrc {
				s.agg.SetPhase(s.phaseAt(stageIdx))
			}
		}
	}
}

// targetAt interpolates the VU target for a point on the curve. Stages
// run back to back; within a stage the target moves linearly from the
// previous stage's target to this stage's. Zero-duration stages are
// skipped entirely.
func (s *Scheduler) targetAt(elapsed time.Duration) (int, int) {
	var stageStart time.Duration
	prev := 0
	lastIdx := 0
	lastTarget := 0

	for i, stage := range s.spec.Stages {
		d := stage.Duration.GetDuration(0)
		if d <= 0 {
			continue
		}
		stageEnd := stageStart + d

		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(d)
			if progress < 0 {
				progress = 0
			}
			if progress > 1 {
				progress = 1
			}
			target := float64(prev) + float64(stage.Target-prev)*progress
			return int(math.Round(target)), i
		}

		prev = stage.Target
		stageStart = stageEnd
		lastIdx = i
		lastTarget = stage.Target
	}

	// Past the end of the curve.
	return lastTarget, lastIdx
}

// phaseAt derives the phase from how the current stage moves the target
// relative to where the previous runnable stage left it.
func (s *Scheduler) phaseAt(idx int) metrics.Phase {
	stages := s.spec.Stages
	if idx < 0 || idx >= len(stages) {
		return metrics.PhaseDone
	}

	prev := 0
	for i := idx - 1; i >= 0; i-- {
		if stages[i].Duration.GetDuration(0) > 0 {
			prev = stages[i].Target
			break
		}
	}

	switch {
	case stages[idx].Target > prev:
		return metrics.PhaseRampUp
	case stages[idx].Target < prev:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// TotalDuration is the run time of the whole curve.
func (s *Scheduler) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range s.spec.Stages {
		d := stage.Duration.GetDuration(0)
		if d > 0 {
			total += d
		}
	}
	return total
}

// MaxTarget is the highest stage target on the curve.
func (s *Scheduler) MaxTarget() int {
	max := 0
	for _, stage := range s.spec.Stages {
		if stage.Target > max {
			max = stage.Target
		}
	}
	return max
}

// Stats is a point-in-time view of scheduler progress.
type Stats struct {
	Scenario  string        `json:"scenario"`
	Elapsed   time.Duration `json:"elapsed"`
	Total     time.Duration `json:"total"`
	Progress  float64       `json:"progress"`
	TargetVUs int           `json:"targetVUs"`
	ActiveVUs int           `json:"activeVUs"`
	Stage     int           `json:"stage"`
	StageName string        `json:"stageName,omitempty"`
}

// Stats reports current progress for the console renderer.
func (s *Scheduler) Stats() Stats {
	var elapsed time.Duration
	if nanos := s.start.Load(); nanos > 0 {
		elapsed = time.Since(time.Unix(0, nanos))
	}
	total := s.TotalDuration()

	progress := 0.0
	if total > 0 {
		progress = float64(elapsed) / float64(total)
		if progress > 1 {
			progress = 1
		}
	}

	idx := int(s.currentStage.Load())
	name := ""
	if idx >= 0 && idx < len(s.spec.Stages) {
		name = s.spec.Stages[idx].Name
	}

	return Stats{
		Scenario:  s.name,
		Elapsed:   elapsed,
		Total:     total,
		Progress:  progress,
		TargetVUs: int(s.targetVUs.Load()),
		ActiveVUs: s.pool.Len(),
		Stage:     idx,
		StageName: name,
	}
}
