// Package schedule wraps robfig/cron to give the "schedule" external-input
// source named in the orchestrator's data flow a concrete implementation: a
// thin adapter that emits an external-input event onto the bus on each tick.
package schedule

import (
	"github.com/robfig/cron/v3"

	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/logging"
)

// Emitter is the subset of bus.Bus the Scheduler needs, kept narrow so
// tests can fake it without spinning up a real bus.
type Emitter interface {
	Emit(evt events.Event) error
}

// Scheduler ticks on cron expressions and emits TypeScheduleTick events
// carrying each registered entry's payload.
type Scheduler struct {
	cron *cron.Cron
	bus  Emitter
}

// New constructs a Scheduler that emits onto bus.
func New(bus Emitter) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		bus:  bus,
	}
}

// AddTick registers a cron expression; on every match, an event carrying
// payload is emitted with the given source. Returns the entry ID so the
// caller can later remove it.
func (s *Scheduler) AddTick(spec string, source string, payload any) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		evt := events.New(events.TypeScheduleTick, source, payload)
		if err := s.bus.Emit(evt); err != nil {
			logging.Errorf("schedule: emit failed for %s: %v", source, err)
		}
	})
}

// Remove cancels a previously registered tick.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins running the cron scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
