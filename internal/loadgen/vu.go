// Package loadgen drives virtual users against the target system. A
// scheduler per scenario walks the staged target curve on the control tick
// and scales a pool of VU workers; each worker loops request iterations
// and publishes outcomes to the aggregator.
package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mangonel/internal/config"
	"mangonel/internal/httpclient"
	"mangonel/internal/metrics"
)

// VUState is the lifecycle state of a virtual user.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently iterating.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU was asked to stop after the
	// current iteration.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VUConfig carries everything a VU needs to run iterations. The same
// value is shared by every VU in a pool; all fields are read-only after
// construction.
type VUConfig struct {
	// Scenario tags every outcome this VU publishes
	Scenario string

	// Request is the template executed each iteration
	Request config.RequestSpec

	// Think paces the gap between iterations, may be nil
	Think *config.ThinkConfig

	// Timeout bounds each request
	Timeout time.Duration

	// Headers are merged into every request, template values resolved
	Headers map[string]string

	// Client executes the requests
	Client *httpclient.Client

	// Sink receives one outcome per request
	Sink *metrics.Aggregator

	// Limiter caps the scenario's aggregate request rate, may be nil
	Limiter *rate.Limiter

	// Resolver substitutes {{placeholder}} tokens
	Resolver *Resolver

	Logger *zap.Logger
}

// VU is a single simulated user. It owns no connections itself; the
// shared client pools them. Lifecycle transitions are lock-free so the
// scheduler can scale thousands of VUs without contention.
type VU struct {
	ID  int
	cfg VUConfig

	state     atomic.Int32
	stopCh    chan struct{}
	doneCh    chan struct{}
	iteration atomic.Int64
}

// NewVU creates a virtual user in the idle state.
func NewVU(id int, cfg VUConfig) *VU {
	return &VU{
		ID:     id,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (vu *VU) State() VUState {
	return VUState(vu.state.Load())
}

// Iteration returns how many iterations this VU has started.
func (vu *VU) Iteration() int64 {
	return vu.iteration.Load()
}

// Run loops iterations until the context is cancelled or a stop is
// requested. A stop request takes effect between iterations or during
// think time; cancelling ctx also aborts the request in flight. Either
// way the outcome of the last request is published before Run returns.
func (vu *VU) Run(ctx context.Context) {
	defer vu.MarkStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case <-vu.stopCh:
			return
		default:
		}

		if err := vu.RunIteration(ctx); err != nil {
			return
		}

		vu.think(ctx)
	}
}

// RunIteration executes one request iteration: rate gate, placeholder
// resolution, request, outcome publish. Returns an error only when the
// iteration could not run because the VU is stopping or the context is
// done.
func (vu *VU) RunIteration(ctx context.Context) error {
	state := vu.State()
	if state == VUStateStopping || state == VUStateStopped {
		return fmt.Errorf("vu %d is %s", vu.ID, state)
	}
	vu.state.Store(int32(VUStateRunning))
	iter := vu.iteration.Add(1)

	if vu.cfg.Limiter != nil {
		if err := vu.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req := vu.buildRequest(iter)
	res := vu.cfg.Client.Do(ctx, req)

	vu.cfg.Sink.Ingest(metrics.Outcome{
		Time:      time.Now(),
		Scenario:  vu.cfg.Scenario,
		VU:        vu.ID,
		Iteration: iter,
		Status:    res.Status,
		Latency:   res.Latency,
		Bytes:     res.BytesRead,
		Class:     res.Class,
	})

	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	return nil
}

// buildRequest resolves the template against this iteration's values.
func (vu *VU) buildRequest(iter int64) httpclient.Request {
	vals := vu.cfg.Resolver.Iteration(vu.ID, iter)

	var headers map[string]string
	if len(vu.cfg.Headers) > 0 {
		headers = make(map[string]string, len(vu.cfg.Headers))
		for k, v := range vu.cfg.Headers {
			headers[k] = vu.cfg.Resolver.Apply(v, vals)
		}
	}

	return httpclient.Request{
		Method:  vu.cfg.Request.Method,
		URL:     vu.cfg.Resolver.ResolveURL(vu.cfg.Request.URL, vals),
		Headers: headers,
		Body:    vu.cfg.Resolver.Apply(vu.cfg.Request.Body, vals),
		Timeout: vu.cfg.Timeout,
	}
}

// think waits between iterations according to the scenario pacing, or
// until stopped.
func (vu *VU) think(ctx context.Context) {
	wait := thinkDuration(vu.cfg.Think)
	if wait <= 0 {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-vu.stopCh:
	case <-timer.C:
	}
}

// thinkDuration picks the pause for one iteration gap.
func thinkDuration(think *config.ThinkConfig) time.Duration {
	if think == nil || think.Type == config.ThinkNone {
		return 0
	}
	switch think.Type {
	case config.ThinkConstant:
		return think.Duration.GetDuration(0)
	case config.ThinkRandom:
		min := think.Min.GetDuration(0)
		diff := think.Max.GetDuration(0) - min
		if diff > 0 {
			return min + time.Duration(rand.Int63n(int64(diff)))
		}
		return min
	}
	return 0
}

// RequestStop signals the VU to stop once the current iteration finishes.
// It never aborts the request in flight; only cancelling the VU's context
// does that. Safe to call more than once and from any goroutine.
func (vu *VU) RequestStop() {
	for {
		state := vu.state.Load()
		if state == int32(VUStateStopping) || state == int32(VUStateStopped) {
			return
		}
		if vu.state.CompareAndSwap(state, int32(VUStateStopping)) {
			close(vu.stopCh)
			return
		}
	}
}

// MarkStopped marks the VU as fully stopped. Called when the VU goroutine
// exits.
func (vu *VU) MarkStopped() {
	vu.state.Store(int32(VUStateStopped))
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}

// Done is closed once the VU has fully stopped.
func (vu *VU) Done() <-chan struct{} {
	return vu.doneCh
}

// WaitForStop blocks until the VU stops or the timeout expires. Returns
// true if the VU stopped in time.
func (vu *VU) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}
