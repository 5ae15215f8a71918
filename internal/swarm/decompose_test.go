package swarm

import "testing"

func TestDecomposePipeline(t *testing.T) {
	tasks := Decompose("design, implement, and test a login API")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	types := []string{tasks[0].Type, tasks[1].Type, tasks[2].Type}
	want := []string{"design", "implement", "test"}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, types)
		}
	}

	if len(tasks[0].DependsOn) != 0 {
		t.Errorf("first phase must have no dependencies, got %v", tasks[0].DependsOn)
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != tasks[0].ID {
		t.Errorf("implement must depend on design")
	}
	if len(tasks[2].DependsOn) != 1 || tasks[2].DependsOn[0] != tasks[1].ID {
		t.Errorf("test must depend on implement")
	}

	// Earlier phases carry higher priority
	if tasks[0].Priority <= tasks[1].Priority || tasks[1].Priority <= tasks[2].Priority {
		t.Errorf("expected descending priorities, got %d %d %d",
			tasks[0].Priority, tasks[1].Priority, tasks[2].Priority)
	}
}

func TestDecomposeIsDeterministicInShape(t *testing.T) {
	a := Decompose("research then build a crawler")
	b := Decompose("research then build a crawler")
	if len(a) != len(b) {
		t.Fatalf("decomposition shape changed: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Type != b[i].Type {
			t.Errorf("phase %d differs: %s vs %s", i, a[i].Type, b[i].Type)
		}
	}
}

func TestDecomposeFallback(t *testing.T) {
	tasks := Decompose("fix the flaky thing")
	if len(tasks) != 1 {
		t.Fatalf("expected single generic task, got %d", len(tasks))
	}
	if tasks[0].Type != "general" {
		t.Errorf("expected general, got %s", tasks[0].Type)
	}
	if len(tasks[0].DependsOn) != 0 {
		t.Errorf("generic task must have no dependencies")
	}
}

func TestChooseTopology(t *testing.T) {
	cases := []struct {
		hint      string
		maxAgents int
		want      Topology
	}{
		{"a sequential pipeline of stages", 16, TopologyRing},
		{"open-ended research brainstorm", 16, TopologyMesh},
		{"simple centralized control", 16, TopologyStar},
		{"", 3, TopologyStar},
		{"", 16, TopologyHierarchical},
	}
	for _, tc := range cases {
		if got := chooseTopology(tc.hint, tc.maxAgents); got != tc.want {
			t.Errorf("chooseTopology(%q, %d) = %s, want %s", tc.hint, tc.maxAgents, got, tc.want)
		}
	}
}
