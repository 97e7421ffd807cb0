package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
)

// Scheduler registers the configured schedules with robfig/cron. When a
// schedule fires it calls triggerFn, which submits one scan per repository,
// and records the run time.
type Scheduler struct {
	cron      *cron.Cron
	triggerFn func(context.Context, config.ScheduleConfig) []string
	broadcast func(SSEEvent)

	mu      sync.Mutex
	entries map[string]*scheduleEntry // schedule name → entry
}

type scheduleEntry struct {
	cfg     config.ScheduleConfig
	id      cron.EntryID
	lastRun time.Time
}

func newScheduler(schedules []config.ScheduleConfig, triggerFn func(context.Context, config.ScheduleConfig) []string, broadcast func(SSEEvent)) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		triggerFn: triggerFn,
		broadcast: broadcast,
		entries:   make(map[string]*scheduleEntry, len(schedules)),
	}
	for _, sc := range schedules {
		if err := s.register(sc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// register adds a schedule to the cron instance.
func (s *Scheduler) register(sc config.ScheduleConfig) error {
	if _, dup := s.entries[sc.Name]; dup {
		return apperr.Errorf(apperr.Validation, "duplicate schedule name %q", sc.Name)
	}
	entry := &scheduleEntry{cfg: sc}
	id, err := s.cron.AddFunc(sc.Expr, func() {
		s.run(context.Background(), entry, "schedule.fired")
	})
	if err != nil {
		return apperr.E(apperr.Validation, "schedule "+sc.Name, fmt.Errorf("invalid cron expression %q: %w", sc.Expr, err))
	}
	entry.id = id
	s.entries[sc.Name] = entry
	return nil
}

// Start starts the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("gateway scheduler started", "schedules_loaded", len(s.entries))
}

// Stop halts the cron runner. Running jobs are not waited for; the scans
// they submitted belong to the registry.
func (s *Scheduler) Stop() { s.cron.Stop() }

// List returns every schedule ordered by name.
func (s *Scheduler) List() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := ScheduleStatus{
			Name:     e.cfg.Name,
			Expr:     e.cfg.Expr,
			Repos:    append([]string(nil), e.cfg.Repos...),
			Scanners: append([]string(nil), e.cfg.Scanners...),
		}
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			st.NextRunAt = next.UTC().Format(time.RFC3339)
		}
		if !e.lastRun.IsZero() {
			st.LastRunAt = e.lastRun.UTC().Format(time.RFC3339)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TriggerNow fires the named schedule immediately and returns the submitted
// scan ids.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) ([]string, error) {
	s.mu.Lock()
	entry, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.Errorf(apperr.NotFound, "schedule %q not found", name)
	}
	return s.run(ctx, entry, "schedule.triggered"), nil
}

func (s *Scheduler) run(ctx context.Context, entry *scheduleEntry, eventType string) []string {
	s.mu.Lock()
	entry.lastRun = time.Now()
	s.mu.Unlock()

	ids := s.triggerFn(ctx, entry.cfg)
	slog.Info("gateway: schedule ran", "name", entry.cfg.Name, "scans", len(ids))
	payload := map[string]any{"name": entry.cfg.Name, "scan_ids": ids}
	if eventType == "schedule.triggered" {
		payload["manual"] = true
	}
	s.broadcast(SSEEvent{Type: eventType, Payload: payload})
	return ids
}
