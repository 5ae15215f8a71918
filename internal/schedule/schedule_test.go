package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/hived/internal/store"
)

func TestParseCron(t *testing.T) {
	s, err := Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected cron, got %s", s.Kind)
	}

	ref := time.Date(2026, 8, 25, 10, 2, 0, 0, time.UTC)
	next, err := s.NextRun(ref)
	if err != nil {
		t.Fatal(err)
	}
	if next.Minute() != 5 {
		t.Errorf("expected next tick at :05, got %v", next)
	}
}

func TestParseInterval(t *testing.T) {
	s, err := Parse("@every 15m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindInterval || s.Interval != 15*time.Minute {
		t.Errorf("unexpected schedule %+v", s)
	}

	ref := time.Now()
	next, _ := s.NextRun(ref)
	if next.Sub(ref) != 15*time.Minute {
		t.Errorf("expected ref+15m, got %v", next.Sub(ref))
	}
}

func TestParseOnce(t *testing.T) {
	at := time.Now().Add(time.Hour).Truncate(time.Second)
	s, err := Parse("@at " + at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next, err := s.NextRun(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(at) {
		t.Errorf("expected %v, got %v", at, next)
	}

	if _, err := s.NextRun(at.Add(time.Second)); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted after the shot, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"", "whenever", "@every soon", "@at teatime", "* * *"} {
		if _, err := Parse(expr); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("Parse(%q): expected ErrInvalidSchedule, got %v", expr, err)
		}
	}
}

type fakeSubmitter struct {
	objectives []string
	err        error
}

func (f *fakeSubmitter) SubmitObjective(objective string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.objectives = append(f.objectives, objective)
	return []string{"task-1"}, nil
}

func TestRunnerFiresDueObjectives(t *testing.T) {
	db := store.NewMemStore()
	sub := &fakeSubmitter{}
	r := NewRunner(db, sub, time.Second)

	if _, err := r.Add("nightly", "test the release", "@every 1h"); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Not due yet
	if fired := r.RunDue(time.Now()); fired != 0 {
		t.Errorf("expected nothing due, fired %d", fired)
	}

	if fired := r.RunDue(time.Now().Add(2 * time.Hour)); fired != 1 {
		t.Fatalf("expected 1 fired, got %d", fired)
	}
	if len(sub.objectives) != 1 || sub.objectives[0] != "test the release" {
		t.Errorf("unexpected submissions %v", sub.objectives)
	}

	// Rescheduled, not exhausted
	list, _ := r.List()
	if len(list) != 1 || list[0].NextRunAt == nil {
		t.Fatalf("expected rescheduled objective, got %+v", list)
	}
	if list[0].LastStatus != "ok" {
		t.Errorf("expected last status ok, got %q", list[0].LastStatus)
	}
}

func TestRunnerOneShotCompletes(t *testing.T) {
	db := store.NewMemStore()
	sub := &fakeSubmitter{}
	r := NewRunner(db, sub, time.Second)

	at := time.Now().Add(time.Minute)
	if _, err := r.Add("once", "implement the fix", "@at "+at.Format(time.RFC3339)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if fired := r.RunDue(at.Add(time.Second)); fired != 1 {
		t.Fatalf("expected 1 fired, got %d", fired)
	}
	list, _ := r.List()
	if len(list) != 1 || list[0].Status != "done" {
		t.Errorf("expected one-shot marked done, got %+v", list)
	}
	// It never fires again
	if fired := r.RunDue(at.Add(time.Hour)); fired != 0 {
		t.Errorf("one-shot fired twice")
	}
}

func TestRunnerRecordsSubmitErrors(t *testing.T) {
	db := store.NewMemStore()
	sub := &fakeSubmitter{err: errors.New("swarm is shutting down")}
	r := NewRunner(db, sub, time.Second)

	if _, err := r.Add("doomed", "analyze the logs", "@every 1m"); err != nil {
		t.Fatal(err)
	}
	if fired := r.RunDue(time.Now().Add(time.Hour)); fired != 0 {
		t.Errorf("failed submission must not count as fired, got %d", fired)
	}
	list, _ := r.List()
	if list[0].LastStatus != "error" || list[0].LastError == "" {
		t.Errorf("expected error recorded, got %+v", list[0])
	}
}

func TestPauseAndResume(t *testing.T) {
	db := store.NewMemStore()
	sub := &fakeSubmitter{}
	r := NewRunner(db, sub, time.Second)

	o, err := r.Add("paused", "document the API", "@every 1m")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Pause(o.ID); err != nil {
		t.Fatal(err)
	}
	if fired := r.RunDue(time.Now().Add(time.Hour)); fired != 0 {
		t.Errorf("paused objective fired")
	}

	if err := r.Resume(o.ID); err != nil {
		t.Fatal(err)
	}
	if fired := r.RunDue(time.Now().Add(time.Hour)); fired != 1 {
		t.Errorf("resumed objective did not fire")
	}
}
