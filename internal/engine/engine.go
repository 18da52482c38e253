// Package engine assembles and drives one run: it wires the shared HTTP
// client, per-scenario schedulers, the aggregator, the threshold evaluator,
// and the snapshot coordinator, executes every scenario concurrently, and
// produces the summary with its verdict. An Engine is scoped to a single
// run; build a new one per run.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mangonel/internal/config"
	"mangonel/internal/httpclient"
	"mangonel/internal/loadgen"
	"mangonel/internal/metrics"
	"mangonel/internal/snapshot"
	"mangonel/internal/threshold"
	"mangonel/internal/verdict"
)

// Engine orchestrates one run.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *httpclient.Client
	evaluator *threshold.Evaluator
	budget    *loadgen.Budget
	policy    verdict.Policy

	mu         sync.Mutex
	ran        bool
	agg        *metrics.Aggregator
	schedulers []*loadgen.Scheduler
}

// New validates the configuration and wires the components that exist for
// the whole run. Configuration problems are fatal here, before any worker
// starts.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run configuration: %w", err)
	}

	evaluator, err := threshold.New(cfg.Thresholds, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold rule: %w", err)
	}

	client := httpclient.New(httpclient.Config{
		Timeout:             cfg.Settings.Timeout.GetDuration(config.DefaultTimeout),
		MaxIdleConns:        cfg.Settings.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Settings.MaxIdleConnsPerHost,
		InsecureSkipVerify:  cfg.Settings.InsecureSkipVerify,
		UserAgent:           cfg.Settings.UserAgent,
	})

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		evaluator: evaluator,
		budget:    loadgen.NewBudget(cfg.Settings.MaxVUs),
		policy:    verdict.Policy{BurstTicks: cfg.Verdict.BurstTicks},
	}, nil
}

// Run executes every scenario concurrently and blocks until all have
// drained, the run timeout fires, or ctx is cancelled. The summary and
// verdict are produced in every case; the error reports a scenario that
// ended abnormally.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine already ran, build a new one per run")
	}
	e.ran = true
	e.mu.Unlock()

	startTime := time.Now()

	runCtx := ctx
	var cancelRun context.CancelFunc
	if d := e.cfg.Settings.RunTimeout.GetDuration(0); d > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, d)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	agg := metrics.New(metrics.Config{
		FailureStatus:       e.cfg.Settings.Failure.StatusAtOrAbove,
		IgnoreNetworkErrors: e.cfg.Settings.Failure.IgnoreNetworkErrors,
		IgnoreTimeouts:      e.cfg.Settings.Failure.IgnoreTimeouts,
	}, e.logger)
	schedulers := e.buildSchedulers(agg)
	coord := e.buildCoordinator()

	e.mu.Lock()
	e.agg = agg
	e.schedulers = schedulers
	e.mu.Unlock()

	var stopMetrics func(context.Context) error
	if addr := e.cfg.Settings.MetricsAddr; addr != "" {
		stop, err := metrics.ServeMetrics(addr, agg, e.logger)
		if err != nil {
			e.logger.Warn("metrics endpoint unavailable", zap.String("addr", addr), zap.Error(err))
		} else {
			stopMetrics = stop
		}
	}

	// Control loops live until the scenarios drain, not until runCtx
	// ends, so a normal completion still stops them.
	loopCtx, stopLoops := context.WithCancel(runCtx)
	defer stopLoops()

	var coordDone chan struct{}
	if coord != nil {
		coordDone = make(chan struct{})
		go func() {
			defer close(coordDone)
			coord.Run(loopCtx)
		}()
	}

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		ticker := time.NewTicker(e.cfg.Settings.ControlTick.GetDuration(config.DefaultControlTick))
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				e.evaluator.Observe(threshold.SampleFromWindow(agg.View(), now))
			}
		}
	}()

	e.logger.Info("run starting",
		zap.String("name", e.cfg.Name),
		zap.Int("scenarios", len(schedulers)),
		zap.Int("maxVUs", e.cfg.Settings.MaxVUs),
	)

	var (
		wg           sync.WaitGroup
		errMu        sync.Mutex
		firstErr     error
		scenarioErrs = make(map[string]string)
	)
	for _, sched := range schedulers {
		wg.Add(1)
		go func(sched *loadgen.Scheduler) {
			defer wg.Done()
			name := sched.Stats().Scenario
			if err := sched.Run(runCtx); err != nil {
				errMu.Lock()
				scenarioErrs[name] = err.Error()
				if firstErr == nil {
					firstErr = fmt.Errorf("scenario %s: %w", name, err)
				}
				errMu.Unlock()
			}
		}(sched)
	}
	wg.Wait()

	stopLoops()
	<-controlDone
	if coordDone != nil {
		<-coordDone
	}
	if coord != nil {
		coord.Finish(context.Background())
	}

	agg.SetPhase(metrics.PhaseDone)
	window := agg.Freeze()

	var snaps []snapshot.Snapshot
	if coord != nil {
		snaps = coord.Snapshots()
	}
	timeline := e.evaluator.Timeline()
	final := verdict.Decide(window, timeline, snaps, e.policy)

	if stopMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := stopMetrics(shutdownCtx); err != nil {
			e.logger.Warn("metrics endpoint shutdown", zap.Error(err))
		}
		cancel()
	}

	endTime := time.Now()
	summary := &Summary{
		Name:           e.cfg.Name,
		Description:    e.cfg.Description,
		StartTime:      startTime,
		EndTime:        endTime,
		Duration:       config.Duration(endTime.Sub(startTime)),
		Scenarios:      e.scenarioReports(schedulers, window, scenarioErrs),
		Metrics:        window,
		Rules:          e.evaluator.Statuses(),
		Breaches:       timeline,
		Snapshots:      snaps,
		Phases:         agg.PhaseHistory(),
		PhaseBreakdown: agg.PhaseBreakdown(),
		Verdict:        final,
	}
	if firstErr != nil {
		summary.Error = firstErr.Error()
	}

	e.logger.Info("run finished",
		zap.String("verdict", string(final.Result)),
		zap.String("bottleneck", string(final.Bottleneck)),
		zap.Int64("requests", window.Total),
		zap.Float64("failure_rate", window.FailureRate),
	)

	return summary, firstErr
}

// View returns the live aggregate window; ok is false before Run started.
func (e *Engine) View() (metrics.Window, bool) {
	e.mu.Lock()
	agg := e.agg
	e.mu.Unlock()
	if agg == nil {
		return metrics.Window{}, false
	}
	return agg.View(), true
}

// Progress returns per-scenario scheduler stats for live rendering.
func (e *Engine) Progress() []loadgen.Stats {
	e.mu.Lock()
	schedulers := e.schedulers
	e.mu.Unlock()

	stats := make([]loadgen.Stats, 0, len(schedulers))
	for _, sched := range schedulers {
		stats = append(stats, sched.Stats())
	}
	return stats
}

// buildSchedulers constructs one scheduler per scenario in name order.
// Phase authority goes to the longest curve so concurrent scenarios do not
// fight over the published run phase.
func (e *Engine) buildSchedulers(agg *metrics.Aggregator) []*loadgen.Scheduler {
	names := make([]string, 0, len(e.cfg.Scenarios))
	for name := range e.cfg.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	authority := ""
	var longest time.Duration
	for _, name := range names {
		if total := plannedDuration(e.cfg.Scenarios[name]); total > longest {
			longest = total
			authority = name
		}
	}

	schedulers := make([]*loadgen.Scheduler, 0, len(names))
	for _, name := range names {
		schedulers = append(schedulers, loadgen.NewScheduler(loadgen.SchedulerConfig{
			Name:           name,
			Scenario:       e.cfg.Scenarios[name],
			Settings:       e.cfg.Settings,
			Globals:        e.cfg.Variables,
			Client:         e.client,
			Agg:            agg,
			Budget:         e.budget,
			PhaseAuthority: name == authority,
			Logger:         e.logger,
		}))
	}
	return schedulers
}

// buildCoordinator wires the snapshot schedule, or returns nil when the run
// has no collaborator or no checkpoints.
func (e *Engine) buildCoordinator() *snapshot.Coordinator {
	if e.cfg.Snapshot == nil || len(e.cfg.Checkpoints) == 0 {
		return nil
	}

	probe := snapshot.NewProbe(snapshot.ProbeConfig{
		URL:     e.cfg.Snapshot.URL,
		Path:    e.cfg.Snapshot.Path,
		Timeout: e.cfg.Snapshot.Timeout.GetDuration(config.DefaultSnapshotTimeout),
		Headers: e.cfg.Snapshot.Headers,
	}, e.logger)

	checkpoints := make([]snapshot.Checkpoint, 0, len(e.cfg.Checkpoints))
	for _, cp := range e.cfg.Checkpoints {
		checkpoints = append(checkpoints, snapshot.Checkpoint{
			Label: cp.Label,
			At:    cp.At.GetDuration(0),
			AtEnd: cp.AtEnd,
		})
	}
	return snapshot.NewCoordinator(probe, checkpoints, e.logger)
}

func (e *Engine) scenarioReports(schedulers []*loadgen.Scheduler, w metrics.Window, errs map[string]string) []ScenarioReport {
	reports := make([]ScenarioReport, 0, len(schedulers))
	for _, sched := range schedulers {
		name := sched.Stats().Scenario
		reports = append(reports, ScenarioReport{
			Name:      name,
			Planned:   config.Duration(sched.TotalDuration()),
			MaxTarget: sched.MaxTarget(),
			Requests:  w.ScenarioCounts[name],
			Error:     errs[name],
		})
	}
	return reports
}

func plannedDuration(sc *config.Scenario) time.Duration {
	var total time.Duration
	for _, stage := range sc.Stages {
		if d := stage.Duration.GetDuration(0); d > 0 {
			total += d
		}
	}
	return total
}
