package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hived/internal/store"
)

// Submitter turns an objective into work; the swarm coordinator satisfies it.
type Submitter interface {
	SubmitObjective(objective string) ([]string, error)
}

// Runner polls the store for due objectives and submits them. Objectives
// survive restarts because the store is the source of truth.
type Runner struct {
	db       store.Backend
	sub      Submitter
	interval time.Duration
}

func NewRunner(db store.Backend, sub Submitter, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{db: db, sub: sub, interval: interval}
}

// Add registers a recurring objective and computes its first run.
func (r *Runner) Add(name, objective, expr string) (store.ScheduledObjective, error) {
	sched, err := Parse(expr)
	if err != nil {
		return store.ScheduledObjective{}, err
	}
	next, err := sched.NextRun(time.Now())
	if err != nil {
		return store.ScheduledObjective{}, fmt.Errorf("first run: %w", err)
	}

	o := &store.ScheduledObjective{
		ID:        uuid.New().String(),
		Name:      name,
		Objective: objective,
		Schedule:  expr,
		Status:    "active",
		NextRunAt: &next,
		CreatedAt: time.Now(),
	}
	if err := r.db.SaveObjective(o); err != nil {
		return store.ScheduledObjective{}, fmt.Errorf("save objective: %w", err)
	}
	slog.Info("scheduled objective added", "name", name, "schedule", expr, "next_run", next)
	return *o, nil
}

func (r *Runner) List() ([]store.ScheduledObjective, error) {
	return r.db.ListObjectives()
}

func (r *Runner) Remove(id string) error {
	return r.db.DeleteObjective(id)
}

// Pause keeps the objective but stops it from firing until resumed.
func (r *Runner) Pause(id string) error {
	return r.db.UpdateObjectiveStatus(id, "paused")
}

func (r *Runner) Resume(id string) error {
	return r.db.UpdateObjectiveStatus(id, "active")
}

// RunDue fires every objective whose next run is at or before now and
// returns how many were submitted.
func (r *Runner) RunDue(now time.Time) int {
	due, err := r.db.DueObjectives(now)
	if err != nil {
		slog.Warn("query due objectives failed", "error", err)
		return 0
	}

	fired := 0
	for _, o := range due {
		lastStatus := "ok"
		lastError := ""
		if _, err := r.sub.SubmitObjective(o.Objective); err != nil {
			lastStatus = "error"
			lastError = err.Error()
			slog.Warn("scheduled objective failed", "name", o.Name, "error", err)
		} else {
			fired++
			slog.Info("scheduled objective fired", "name", o.Name)
		}

		sched, err := Parse(o.Schedule)
		if err != nil {
			// Schedule stored before a format change; park it
			slog.Warn("unparseable stored schedule", "name", o.Name, "schedule", o.Schedule, "error", err)
			_ = r.db.UpdateObjectiveStatus(o.ID, "invalid")
			continue
		}
		next, err := sched.NextRun(now)
		if err != nil {
			// One-shot objectives are done after firing
			_ = r.db.UpdateObjectiveRun(o.ID, lastStatus, lastError, nil)
			_ = r.db.UpdateObjectiveStatus(o.ID, "done")
			continue
		}
		if err := r.db.UpdateObjectiveRun(o.ID, lastStatus, lastError, &next); err != nil {
			slog.Warn("update objective run failed", "name", o.Name, "error", err)
		}
	}
	return fired
}

// Run polls until the context ends.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.RunDue(now)
		}
	}
}
