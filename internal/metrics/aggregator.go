// Package metrics aggregates request outcomes from all workers into one
// streaming view: totals, failure rate, a status-code histogram, and
// bounded-memory latency percentiles.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"mangonel/internal/httpclient"
)

// Phase labels where the run is on its target curve. Schedulers publish
// transitions; breach events record the phase live at the crossing.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// Outcome is one request's contribution to the aggregate. Produced once
// per request by a worker, consumed here, and not retained individually.
type Outcome struct {
	Time      time.Time
	Scenario  string
	VU        int
	Iteration int64
	Status    int
	Latency   time.Duration
	Bytes     int64
	Class     httpclient.Class
}

// Config tunes the aggregator.
type Config struct {
	// QueueSize bounds the ingest channel (default 4096). Publishing
	// blocks when full; outcomes are never dropped.
	QueueSize int

	// FailureStatus marks responses with status >= this value as
	// failures (default 500)
	FailureStatus int

	// IgnoreNetworkErrors and IgnoreTimeouts relax the failure rule
	IgnoreNetworkErrors bool
	IgnoreTimeouts      bool

	// Histogram range in microseconds plus significant figures.
	// Defaults: 1us to 1h at 3 significant figures, which bounds the
	// percentile error at 0.1% of the recorded value.
	HistogramMin     int64
	HistogramMax     int64
	HistogramSigFigs int

	// IntervalLength is the accounting interval for windowed rates
	// (default 1s); MaxIntervals bounds the ring (default 3600)
	IntervalLength time.Duration
	MaxIntervals   int
}

// DefaultConfig returns the aggregator defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:        4096,
		FailureStatus:    500,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
		IntervalLength:   time.Second,
		MaxIntervals:     3600,
	}
}

// PhaseChange records one phase transition.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// Aggregator ingests outcomes through a bounded channel and folds them
// into monotonically growing aggregate state.
//
// One consumer goroutine applies outcomes, so the histogram and status
// map have a single writer; counters are atomics so live readers (the
// evaluator tick, the console, the Prometheus collector) never contend
// with the hot path. Publishing backpressure is visible through
// BlockedPublishes and QueueDepth.
type Aggregator struct {
	cfg Config

	hist   *hdrhistogram.Histogram
	histMu sync.Mutex

	total        atomic.Int64
	failed       atomic.Int64
	bytes        atomic.Int64
	timeouts     atomic.Int64
	transport    atomic.Int64
	server5xx    atomic.Int64
	statusMu     sync.RWMutex
	statusHist   map[int]int64
	scenarioHist map[string]int64

	activeVUs atomic.Int32
	peakVUs   atomic.Int32

	phaseMu      sync.RWMutex
	currentPhase Phase
	phaseHistory []PhaseChange

	ring *intervalRing

	in             chan Outcome
	blockedPublish atomic.Int64
	consumerDone   chan struct{}
	emitterStop    chan struct{}
	emitterDone    chan struct{}
	freezeOnce     sync.Once
	frozen         *Window
	startTime      time.Time
	logger         *zap.Logger
}

// New builds an Aggregator and starts its consumer and interval emitter.
// Callers must Freeze it when the run ends.
func New(cfg Config, logger *zap.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FailureStatus <= 0 {
		cfg.FailureStatus = def.FailureStatus
	}
	if cfg.HistogramMin <= 0 {
		cfg.HistogramMin = def.HistogramMin
	}
	if cfg.HistogramMax <= 0 {
		cfg.HistogramMax = def.HistogramMax
	}
	if cfg.HistogramSigFigs <= 0 {
		cfg.HistogramSigFigs = def.HistogramSigFigs
	}
	if cfg.IntervalLength <= 0 {
		cfg.IntervalLength = def.IntervalLength
	}
	if cfg.MaxIntervals <= 0 {
		cfg.MaxIntervals = def.MaxIntervals
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Aggregator{
		cfg:          cfg,
		hist:         hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
		statusHist:   make(map[int]int64),
		scenarioHist: make(map[string]int64),
		currentPhase: PhaseInit,
		ring:         newIntervalRing(cfg.MaxIntervals),
		in:           make(chan Outcome, cfg.QueueSize),
		consumerDone: make(chan struct{}),
		emitterStop:  make(chan struct{}),
		emitterDone:  make(chan struct{}),
		startTime:    time.Now(),
		logger:       logger,
	}

	go a.consume()
	go a.runEmitter()

	return a
}

// Ingest publishes one outcome. The fast path is a non-blocking send;
// when the queue is full the publish blocks (and is counted) rather than
// dropping the outcome. Must not be called after Freeze.
func (a *Aggregator) Ingest(o Outcome) {
	select {
	case a.in <- o:
		return
	default:
	}
	a.blockedPublish.Add(1)
	a.in <- o
}

// consume is the single writer for histogram and status-map state.
func (a *Aggregator) consume() {
	defer close(a.consumerDone)
	for o := range a.in {
		a.apply(o)
	}
}

func (a *Aggregator) apply(o Outcome) {
	micros := o.Latency.Microseconds()
	if micros < a.cfg.HistogramMin {
		micros = a.cfg.HistogramMin
	}
	if micros > a.cfg.HistogramMax {
		micros = a.cfg.HistogramMax
	}

	a.histMu.Lock()
	if err := a.hist.RecordValue(micros); err != nil {
		a.logger.Warn("failed to record latency", zap.Error(err), zap.Int64("micros", micros))
	}
	a.histMu.Unlock()

	a.total.Add(1)
	a.bytes.Add(o.Bytes)

	failed := a.isFailure(o)
	if failed {
		a.failed.Add(1)
	}

	is5xx := o.Status >= 500 && o.Status <= 599
	if is5xx {
		a.server5xx.Add(1)
	}
	switch o.Class {
	case httpclient.ClassTimeout:
		a.timeouts.Add(1)
	case httpclient.ClassTransport:
		a.transport.Add(1)
	}

	a.statusMu.Lock()
	if o.Status > 0 {
		a.statusHist[o.Status]++
	}
	if o.Scenario != "" {
		a.scenarioHist[o.Scenario]++
	}
	a.statusMu.Unlock()

	a.ring.record(failed, is5xx)
}

func (a *Aggregator) isFailure(o Outcome) bool {
	switch o.Class {
	case httpclient.ClassTimeout:
		return !a.cfg.IgnoreTimeouts
	case httpclient.ClassTransport:
		return !a.cfg.IgnoreNetworkErrors
	}
	return o.Status >= a.cfg.FailureStatus
}

// runEmitter closes one accounting interval per IntervalLength so windowed
// rates stay current even when no requests complete.
func (a *Aggregator) runEmitter() {
	defer close(a.emitterDone)

	ticker := time.NewTicker(a.cfg.IntervalLength)
	defer ticker.Stop()

	for {
		select {
		case <-a.emitterStop:
			return
		case <-ticker.C:
			a.ring.emit(a.ActiveVUs(), a.CurrentPhase())
		}
	}
}

// SetActiveVUs updates the live population gauge and its high-water mark.
func (a *Aggregator) SetActiveVUs(count int) {
	a.activeVUs.Store(int32(count))
	a.raisePeak(int32(count))
}

// AddActiveVUs adjusts the population gauge by delta. Worker pools call
// this as VU goroutines start and exit, so concurrent scenarios share one
// accurate global count.
func (a *Aggregator) AddActiveVUs(delta int) {
	now := a.activeVUs.Add(int32(delta))
	a.raisePeak(now)
}

func (a *Aggregator) raisePeak(count int32) {
	for {
		peak := a.peakVUs.Load()
		if count <= peak {
			return
		}
		if a.peakVUs.CompareAndSwap(peak, count) {
			return
		}
	}
}

// ActiveVUs returns the live VU population.
func (a *Aggregator) ActiveVUs() int {
	return int(a.activeVUs.Load())
}

// PeakVUs returns the highest live population seen this run.
func (a *Aggregator) PeakVUs() int {
	return int(a.peakVUs.Load())
}

// SetPhase records a phase transition. Same-phase calls are ignored so
// schedulers can publish every tick.
func (a *Aggregator) SetPhase(phase Phase) {
	a.phaseMu.Lock()
	defer a.phaseMu.Unlock()

	if a.currentPhase == phase {
		return
	}
	a.currentPhase = phase
	a.phaseHistory = append(a.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  a.total.Load(),
	})
}

// CurrentPhase returns the live phase.
func (a *Aggregator) CurrentPhase() Phase {
	a.phaseMu.RLock()
	defer a.phaseMu.RUnlock()
	return a.currentPhase
}

// PhaseHistory returns a copy of all phase transitions so far.
func (a *Aggregator) PhaseHistory() []PhaseChange {
	a.phaseMu.RLock()
	defer a.phaseMu.RUnlock()

	result := make([]PhaseChange, len(a.phaseHistory))
	copy(result, a.phaseHistory)
	return result
}

// PhaseBreakdown rolls the retained accounting intervals up by phase.
// Complete only after Freeze, which closes the final interval.
func (a *Aggregator) PhaseBreakdown() []PhaseStats {
	return a.ring.phaseBreakdown()
}

// QueueDepth returns how many outcomes sit unconsumed in the ingest
// channel.
func (a *Aggregator) QueueDepth() int {
	return len(a.in)
}

// BlockedPublishes returns how many Ingest calls had to block because the
// queue was full.
func (a *Aggregator) BlockedPublishes() int64 {
	return a.blockedPublish.Load()
}

// View samples the live aggregate. Safe to call at any rate; the hot
// ingest path is never blocked by readers.
func (a *Aggregator) View() Window {
	return a.window(time.Time{})
}

// Freeze closes ingestion, drains every queued outcome, stops the interval
// emitter, and returns the final immutable Window. All workers must have
// stopped publishing first. Subsequent calls return the same Window.
func (a *Aggregator) Freeze() Window {
	a.freezeOnce.Do(func() {
		close(a.in)
		<-a.consumerDone
		close(a.emitterStop)
		<-a.emitterDone
		a.ring.emit(a.ActiveVUs(), a.CurrentPhase())

		w := a.window(time.Now())
		a.frozen = &w
		a.logger.Debug("aggregate frozen",
			zap.Int64("total", w.Total),
			zap.Int64("failed", w.Failed),
			zap.Float64("failure_rate", w.FailureRate),
		)
	})
	return *a.frozen
}

func (a *Aggregator) window(end time.Time) Window {
	a.histMu.Lock()
	latency := LatencyStats{
		Min:    time.Duration(a.hist.Min()) * time.Microsecond,
		Max:    time.Duration(a.hist.Max()) * time.Microsecond,
		Mean:   time.Duration(a.hist.Mean()) * time.Microsecond,
		StdDev: time.Duration(a.hist.StdDev()) * time.Microsecond,
		P50:    time.Duration(a.hist.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(a.hist.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(a.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(a.hist.ValueAtQuantile(99)) * time.Microsecond,
		Count:  a.hist.TotalCount(),
	}
	a.histMu.Unlock()

	a.statusMu.RLock()
	statuses := make(map[int]int64, len(a.statusHist))
	for code, n := range a.statusHist {
		statuses[code] = n
	}
	scenarios := make(map[string]int64, len(a.scenarioHist))
	for name, n := range a.scenarioHist {
		scenarios[name] = n
	}
	a.statusMu.RUnlock()

	total := a.total.Load()
	failed := a.failed.Load()

	failureRate := 0.0
	if total > 0 {
		failureRate = float64(failed) / float64(total)
	}

	elapsed := time.Since(a.startTime)
	if !end.IsZero() {
		elapsed = end.Sub(a.startTime)
	}
	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(total) / elapsed.Seconds()
	}

	// Before the first interval closes the rolling rate falls back to
	// the lifetime rate.
	recent := rps
	if a.ring.size() > 0 {
		recent = a.ring.recentRPS(recentRateIntervals)
	}

	return Window{
		Start:           a.startTime,
		End:             end,
		Elapsed:         elapsed,
		Total:           total,
		Failed:          failed,
		FailureRate:     failureRate,
		Timeouts:        a.timeouts.Load(),
		TransportErrors: a.transport.Load(),
		Server5xx:       a.server5xx.Load(),
		StatusCounts:    statuses,
		ScenarioCounts:  scenarios,
		Latency:         latency,
		Bytes:           a.bytes.Load(),
		RPS:             rps,
		RecentRPS:       recent,
		Rate5xx:         a.ring.recent5xxRate(recentRateIntervals),
		ActiveVUs:       a.ActiveVUs(),
		PeakVUs:         a.PeakVUs(),
		Phase:           a.CurrentPhase(),
	}
}

// Window is the aggregate over a run: live samples share the shape of the
// final frozen window, which alone has End set.
type Window struct {
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end,omitempty"`
	Elapsed time.Duration `json:"elapsed"`

	Total           int64            `json:"total"`
	Failed          int64            `json:"failed"`
	FailureRate     float64          `json:"failureRate"`
	Timeouts        int64            `json:"timeouts"`
	TransportErrors int64            `json:"transportErrors"`
	Server5xx       int64            `json:"server5xx"`
	StatusCounts    map[int]int64    `json:"statusCounts"`
	ScenarioCounts  map[string]int64 `json:"scenarioCounts,omitempty"`
	Latency         LatencyStats     `json:"latency"`
	Bytes           int64            `json:"bytes"`
	RPS             float64          `json:"rps"`
	RecentRPS       float64          `json:"recentRps"`
	Rate5xx         float64          `json:"rate5xx"`
	ActiveVUs       int              `json:"activeVUs"`
	PeakVUs         int              `json:"peakVUs"`
	Phase           Phase            `json:"phase"`
}

// LatencyStats carries the streaming percentile estimates. The estimator
// is approximate with bounded memory: values are accurate to 3 significant
// figures over 1us to 1h.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}
