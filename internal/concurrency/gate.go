// Package concurrency provides the two global counting semaphores named in
// the resource model: one bounding concurrent LLM calls, one bounding
// concurrent tool executions. Generalized from the teacher's LaneManager
// (internal/agenthub/lane.go), which gates named lanes by MaxConcurrent,
// down to two fixed pools since the domain names exactly two resource
// classes rather than N named lanes.
package concurrency

import (
	"context"
	"time"

	"github.com/loomwork/loom/internal/logging"
)

// Gate is a counting semaphore with logging when acquisition must wait —
// mirroring the teacher's "lane wait exceeded" warning without the
// queue/drain machinery a named-lane system needs.
type Gate struct {
	slots    chan struct{}
	name     string
	warnAfter time.Duration
}

// NewGate constructs a Gate with the given capacity. capacity <= 0 means
// unlimited (Acquire never blocks).
func NewGate(name string, capacity int) *Gate {
	g := &Gate{name: name, warnAfter: 2 * time.Second}
	if capacity > 0 {
		g.slots = make(chan struct{}, capacity)
	}
	return g
}

// Acquire blocks until a slot is free or ctx is done. Unlimited gates
// return immediately.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.slots == nil {
		return nil
	}
	start := time.Now()
	warned := false
	timer := time.NewTimer(g.warnAfter)
	defer timer.Stop()
	for {
		select {
		case g.slots <- struct{}{}:
			return nil
		case <-timer.C:
			if !warned {
				logging.Warnf("concurrency: %s gate saturated, waited %s so far", g.name, time.Since(start))
				warned = true
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees a slot acquired via Acquire.
func (g *Gate) Release() {
	if g.slots == nil {
		return
	}
	<-g.slots
}
