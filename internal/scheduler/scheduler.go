// Package scheduler fires source sync triggers on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"schemaflow/internal/sourcesync"
)

// Defaults: twice a day, wall-clock Dublin time.
const (
	DefaultSpec     = "0 */12 * * *"
	DefaultTimezone = "Europe/Dublin"
)

// Logger is the minimal logging interface used by the scheduler.
type Logger interface {
	Printf(format string, v ...any)
}

// Trigger starts a sync run; *sourcesync.Syncer implements it.
type Trigger interface {
	Trigger(ctx context.Context) sourcesync.TriggerResult
}

// Scheduler calls Trigger on every tick of a five-field cron spec.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	logger  Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New parses spec in timezone. Empty arguments take the defaults. ctx bounds
// every run started by a tick.
func New(ctx context.Context, spec, timezone string, t Trigger, logger Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: timezone %q: %w", timezone, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		trigger: t,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: spec %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) fire() {
	res := s.trigger.Trigger(s.ctx)
	if s.logger != nil {
		s.logger.Printf("stage=schedule trigger=%s", res)
	}
}

// Next reports when the next tick fires; zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Start runs the schedule in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule, cancels runs started by ticks and waits for a
// tick in progress to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
}
