package swarm

import (
	"strings"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hived/internal/scheduler"
)

// phases in canonical pipeline order. Each detected phase depends on the
// nearest detected phase earlier in the pipeline.
var phases = []struct {
	name     string
	keywords []string
	priority int
}{
	{"research", []string{"research", "investigate", "explore", "survey"}, 70},
	{"analyze", []string{"analyze", "analyse", "assess", "evaluate", "measure"}, 65},
	{"design", []string{"design", "architect", "plan", "model"}, 60},
	{"implement", []string{"implement", "build", "create", "develop", "code", "write"}, 50},
	{"test", []string{"test", "verify", "validate", "qa"}, 40},
	{"review", []string{"review", "audit", "critique"}, 30},
	{"document", []string{"document", "describe", "readme"}, 20},
}

// Decompose splits an objective into phase tasks with inferred dependencies.
// The split is deterministic: the same objective always yields the same
// phases in the same order. An objective matching no phase becomes a single
// general task.
func Decompose(objective string) []*scheduler.Task {
	lowered := strings.ToLower(objective)

	var tasks []*scheduler.Task
	prev := ""
	for _, p := range phases {
		if !containsAny(lowered, p.keywords) {
			continue
		}
		t := &scheduler.Task{
			ID:          uuid.New().String(),
			Type:        p.name,
			Description: p.name + ": " + objective,
			Priority:    p.priority,
		}
		if prev != "" {
			t.DependsOn = []string{prev}
		}
		tasks = append(tasks, t)
		prev = t.ID
	}

	if len(tasks) == 0 {
		tasks = append(tasks, &scheduler.Task{
			ID:          uuid.New().String(),
			Type:        "general",
			Description: objective,
			Priority:    50,
		})
	}
	return tasks
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
