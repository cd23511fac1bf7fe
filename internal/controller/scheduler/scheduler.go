// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler fires cron triggers. Each tick processes every due
// trigger once: cron math happens here, while locking and enqueueing
// stay inside the backend transaction.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/metrics"
	"github.com/wirl-lang/wirld/internal/log"
)

// DefaultTick is how often due triggers are checked.
const DefaultTick = 15 * time.Second

// TemplateLookup resolves a template name to its workflow hash. It is
// called at fire time so a trigger whose template has been removed
// deactivates instead of enqueueing an unrunnable run.
type TemplateLookup func(name string) (string, error)

// Config contains scheduler configuration.
type Config struct {
	// Tick is the polling interval. Default: DefaultTick.
	Tick time.Duration

	// Lookup resolves template names at fire time.
	Lookup TemplateLookup

	// Logger for scheduler events. Default: slog.Default.
	Logger *slog.Logger
}

// Scheduler periodically fires due triggers.
type Scheduler struct {
	store  backend.TriggerStore
	lookup TemplateLookup
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a new scheduler.
func New(store backend.TriggerStore, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		store:  store,
		lookup: cfg.Lookup,
		tick:   tick,
		logger: log.WithComponent(logger, "scheduler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.tick.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("trigger processing failed", log.Error(err))
			}
		}
	}
}

// Tick processes all due triggers at the given instant. A trigger whose
// next_run_at fell multiple periods behind (daemon downtime) fires once
// and advances past now, collapsing the missed occurrences.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	return s.store.ProcessDueTriggers(ctx, now, func(trigger *backend.Trigger) backend.TriggerFiring {
		return s.fire(trigger, now)
	})
}

func (s *Scheduler) fire(trigger *backend.Trigger, now time.Time) backend.TriggerFiring {
	expr, err := ParseCron(trigger.CronExpression)
	if err != nil {
		return backend.TriggerFiring{Err: fmt.Errorf("invalid cron expression: %w", err)}
	}

	// The next fire advances from the previous next_run_at, so two
	// pollers sharing an instant compute the same successor. A trigger
	// that fell behind (daemon downtime) collapses to the next fire
	// after now instead of replaying every missed occurrence.
	base := now
	if trigger.NextRunAt != nil {
		base = *trigger.NextRunAt
	}
	tz := timezoneOrUTC(trigger.Timezone)
	next, err := expr.NextInZone(base, tz)
	if err != nil {
		return backend.TriggerFiring{Err: err}
	}
	if !next.After(now) {
		next, err = expr.NextInZone(now, tz)
		if err != nil {
			return backend.TriggerFiring{Err: err}
		}
	}

	var hash string
	if s.lookup != nil {
		hash, err = s.lookup(trigger.TemplateName)
		if err != nil {
			return backend.TriggerFiring{Err: fmt.Errorf("template %s: %w", trigger.TemplateName, err)}
		}
	}

	run := &backend.Run{
		ID:           uuid.NewString(),
		TemplateName: trigger.TemplateName,
		WorkflowHash: hash,
		Status:       backend.StatusQueued,
		Inputs:       trigger.InputsTemplate,
		TriggerID:    trigger.ID,
	}
	metrics.RecordTriggerFired(trigger.TemplateName)
	s.logger.Info("trigger fired",
		log.TriggerKey, trigger.ID,
		log.RunIDKey, run.ID,
		log.WorkflowKey, trigger.TemplateName,
		"next_run_at", next.Format(time.RFC3339))
	return backend.TriggerFiring{Run: run, NextRunAt: next}
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

// ValidateTrigger checks a trigger's cron expression and timezone and
// computes its first next_run_at.
func ValidateTrigger(trigger *backend.Trigger, now time.Time) error {
	expr, err := ParseCron(trigger.CronExpression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	next, err := expr.NextInZone(now, timezoneOrUTC(trigger.Timezone))
	if err != nil {
		return err
	}
	trigger.NextRunAt = &next
	return nil
}
