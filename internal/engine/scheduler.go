package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers scheduled configs on their cron expressions. A tick
// that lands while the config's previous job is still active is skipped
// and logged, never queued behind it.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	log    *slog.Logger
}

// NewScheduler registers one cron entry per config that declares a
// schedule. Standard 5-field cron syntax.
func NewScheduler(ctx context.Context, e *Engine, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{engine: e, cron: cron.New(), log: log}

	configs, err := e.store.ListScheduledConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	for _, cfg := range configs {
		cfg := cfg
		_, err := s.cron.AddFunc(cfg.Schedule, func() { s.tick(ctx, cfg.ID, cfg.Name) })
		if err != nil {
			return nil, fmt.Errorf("scheduler: config %q schedule %q: %w", cfg.Name, cfg.Schedule, err)
		}
		log.Info("schedule registered", "config", cfg.ID, "name", cfg.Name, "schedule", cfg.Schedule)
	}
	return s, nil
}

func (s *Scheduler) tick(ctx context.Context, configID, name string) {
	jobID, err := s.engine.TriggerSync(ctx, configID)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.log.Info("scheduled run skipped, previous job still active", "config", configID, "name", name)
	case err != nil:
		s.log.Error("scheduled trigger failed", "config", configID, "name", name, "error", err)
	default:
		s.log.Info("scheduled run triggered", "config", configID, "name", name, "job", jobID)
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedules and waits for in-flight ticks; running jobs are
// unaffected.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
