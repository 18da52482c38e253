package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checkpoint is one scheduled snapshot: either a fixed offset from run
// start or an end-of-run slot.
type Checkpoint struct {
	Label string
	At    time.Duration
	AtEnd bool
}

// Coordinator fires the checkpoint schedule against a probe and keeps the
// readings in order. Timed checkpoints run during the load; end-of-run
// slots are taken by Finish once the curves have drained.
type Coordinator struct {
	probe  *Probe
	timed  []Checkpoint
	atEnd  []Checkpoint
	logger *zap.Logger

	mu    sync.Mutex
	taken []Snapshot
}

// NewCoordinator splits the schedule into timed and end-of-run slots.
// Timed slots fire in offset order regardless of configuration order.
func NewCoordinator(probe *Probe, checkpoints []Checkpoint, logger *zap.Logger) *Coordinator {
	c := &Coordinator{probe: probe, logger: logger}
	for _, cp := range checkpoints {
		if cp.AtEnd {
			c.atEnd = append(c.atEnd, cp)
		} else {
			c.timed = append(c.timed, cp)
		}
	}
	sort.SliceStable(c.timed, func(i, j int) bool {
		return c.timed[i].At < c.timed[j].At
	})
	return c
}

// Run fires the timed checkpoints, sleeping between offsets. It returns
// when the schedule is exhausted or the context ends; checkpoints the
// context cut off are recorded as unavailable so the sequence keeps its
// expected length.
func (c *Coordinator) Run(ctx context.Context) {
	start := time.Now()
	for i, cp := range c.timed {
		wait := cp.At - time.Since(start)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.markRemaining(c.timed[i:], "run ended before checkpoint")
				return
			case <-timer.C:
			}
		}

		snap := c.probe.Take(ctx, cp.Label)
		snap.Offset = cp.At
		c.append(snap)
	}
}

// Finish takes every end-of-run snapshot. Called after the scenarios have
// drained, before the verdict.
func (c *Coordinator) Finish(ctx context.Context) {
	for _, cp := range c.atEnd {
		snap := c.probe.Take(ctx, cp.Label)
		snap.AtEnd = true
		c.append(snap)
	}
}

// Snapshots returns the readings taken so far, in schedule order.
func (c *Coordinator) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, len(c.taken))
	copy(out, c.taken)
	return out
}

func (c *Coordinator) append(snap Snapshot) {
	c.mu.Lock()
	c.taken = append(c.taken, snap)
	c.mu.Unlock()
}

func (c *Coordinator) markRemaining(missed []Checkpoint, reason string) {
	for _, cp := range missed {
		c.logger.Warn("checkpoint skipped", zap.String("label", cp.Label), zap.String("reason", reason))
		c.append(Snapshot{
			Label:       cp.Label,
			Offset:      cp.At,
			Time:        time.Now(),
			Unavailable: true,
			Error:       reason,
		})
	}
}
