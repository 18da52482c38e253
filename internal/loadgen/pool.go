package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mangonel/internal/metrics"
)

// Budget caps the live VU population across every scenario in a run.
// Pools acquire slots before spawning; a slot returns to the budget only
// when its worker has fully exited, so stopping VUs still count against
// the ceiling until they are gone.
type Budget struct {
	available atomic.Int64
	max       int64
}

// NewBudget creates a budget of max concurrent VUs.
func NewBudget(max int) *Budget {
	b := &Budget{max: int64(max)}
	b.available.Store(int64(max))
	return b
}

// Acquire grants up to n slots and returns how many were granted.
func (b *Budget) Acquire(n int) int {
	for {
		avail := b.available.Load()
		if avail <= 0 {
			return 0
		}
		grant := int64(n)
		if grant > avail {
			grant = avail
		}
		if b.available.CompareAndSwap(avail, avail-grant) {
			return int(grant)
		}
	}
}

// Release returns n slots to the budget.
func (b *Budget) Release(n int) {
	b.available.Add(int64(n))
}

// Max returns the budget ceiling.
func (b *Budget) Max() int {
	return int(b.max)
}

// Pool owns the live VU set for one scenario. The scheduler resizes it
// toward the interpolated target each control tick; scale-down always
// retires the most recently spawned VUs first.
type Pool struct {
	spawn  func(id int) *VU
	sink   *metrics.Aggregator
	budget *Budget
	logger *zap.Logger

	mu        sync.Mutex
	vus       []*VU
	nextID    int
	wg        sync.WaitGroup
	workerCtx context.Context
	stopAll   context.CancelFunc

	starved atomic.Bool
}

// NewPool creates an empty pool. spawn constructs one VU per call with a
// pool-unique id.
func NewPool(spawn func(id int) *VU, sink *metrics.Aggregator, budget *Budget, logger *zap.Logger) *Pool {
	return &Pool{
		spawn:  spawn,
		sink:   sink,
		budget: budget,
		logger: logger,
	}
}

// Len returns the current pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vus)
}

// Resize scales the pool toward target within the global VU budget and
// returns the resulting size. Shrinking requests stops; the retired VUs
// finish their current iteration in the background and keep their budget
// slot until they exit.
func (p *Pool) Resize(ctx context.Context, target int) int {
	if target < 0 {
		target = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.vus)
	switch {
	case target > current:
		want := target - current
		grant := p.budget.Acquire(want)
		if grant < want {
			// Log the first starved tick, not every one of them.
			if p.starved.CompareAndSwap(false, true) {
				p.logger.Warn("vu budget exhausted, holding below target",
					zap.Int("target", target),
					zap.Int("granted", current+grant),
					zap.Int("budget", p.budget.Max()),
				)
			}
		} else {
			p.starved.Store(false)
		}
		if grant > 0 && p.workerCtx == nil {
			p.workerCtx, p.stopAll = context.WithCancel(ctx)
		}
		for i := 0; i < grant; i++ {
			p.nextID++
			vu := p.spawn(p.nextID)
			p.vus = append(p.vus, vu)
			p.wg.Add(1)
			go p.runVU(p.workerCtx, vu)
		}

	case target < current:
		for i := current - 1; i >= target; i-- {
			p.vus[i].RequestStop()
		}
		p.vus = p.vus[:target]
	}

	return len(p.vus)
}

// runVU hosts one VU goroutine. The population gauge and the budget slot
// settle before the WaitGroup releases, so a joined pool has accounted
// for every worker.
func (p *Pool) runVU(ctx context.Context, vu *VU) {
	defer p.wg.Done()
	defer p.budget.Release(1)
	p.sink.AddActiveVUs(1)
	defer p.sink.AddActiveVUs(-1)
	vu.Run(ctx)
}

// Drain stops every VU, waits up to graceful for current iterations to
// finish, then force-cancels whatever is still in flight. Every worker
// has exited by the time Drain returns; it returns false when the force
// path was needed.
func (p *Pool) Drain(graceful time.Duration) bool {
	p.mu.Lock()
	for _, vu := range p.vus {
		vu.RequestStop()
	}
	p.vus = nil
	stopAll := p.stopAll
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(graceful)
	defer timer.Stop()

	clean := false
	select {
	case <-done:
		clean = true
	case <-timer.C:
	}

	// Abort anything still in flight and join every worker. A VU records
	// its final outcome before exiting, so the sink has gone quiet once
	// the join returns.
	if stopAll != nil {
		stopAll()
	}
	<-done
	return clean
}
