package memory

import (
	"sort"
	"sync"
	"time"
)

const (
	// traceCapacity bounds the raw access trace between analysis passes.
	traceCapacity = 4096
	// coAccessWindow is how many consecutive accesses count as "together".
	coAccessWindow = 4
	// maxTrackedKeys bounds the co-access graph.
	maxTrackedKeys = 2048
)

type access struct {
	key string
	at  time.Time
}

// patternTracker learns which keys are accessed together. The raw trace is
// folded into a co-access count graph by analyze; predict reads the graph.
type patternTracker struct {
	mu    sync.Mutex
	trace []access
	graph map[string]map[string]int
}

func newPatternTracker() *patternTracker {
	return &patternTracker{
		graph: make(map[string]map[string]int),
	}
}

func (p *patternTracker) record(namespace, key string, at time.Time) {
	qualified := namespace + "/" + key
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.trace) >= traceCapacity {
		// Fold before the trace overflows
		p.analyzeLocked()
	}
	p.trace = append(p.trace, access{key: qualified, at: at})
}

func (p *patternTracker) analyze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.analyzeLocked()
}

// analyzeLocked counts pairs of distinct keys that appear within the
// co-access window of each other, then consumes the trace. A short tail is
// kept so windows spanning two passes are not lost.
func (p *patternTracker) analyzeLocked() {
	for i, a := range p.trace {
		for j := i + 1; j < len(p.trace) && j-i < coAccessWindow; j++ {
			b := p.trace[j]
			if a.key == b.key {
				continue
			}
			p.bump(a.key, b.key)
			p.bump(b.key, a.key)
		}
	}

	tail := coAccessWindow - 1
	if len(p.trace) > tail {
		p.trace = append(p.trace[:0], p.trace[len(p.trace)-tail:]...)
	}
	p.pruneLocked()
}

func (p *patternTracker) bump(from, to string) {
	m := p.graph[from]
	if m == nil {
		m = make(map[string]int)
		p.graph[from] = m
	}
	m[to]++
}

// pruneLocked drops the weakest keys once the graph outgrows its bound.
func (p *patternTracker) pruneLocked() {
	if len(p.graph) <= maxTrackedKeys {
		return
	}
	type weighted struct {
		key   string
		total int
	}
	keys := make([]weighted, 0, len(p.graph))
	for k, m := range p.graph {
		total := 0
		for _, n := range m {
			total += n
		}
		keys = append(keys, weighted{k, total})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].total < keys[j].total })
	for _, w := range keys[:len(keys)-maxTrackedKeys] {
		delete(p.graph, w.key)
	}
}

// predict returns up to n keys co-accessed with key, strongest first. The key
// may be bare or namespace-qualified; a bare key matches any namespace.
func (p *patternTracker) predict(key string, n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	neighbors := p.graph[key]
	if neighbors == nil {
		// Bare key lookup: merge every qualified variant
		merged := make(map[string]int)
		for k, m := range p.graph {
			if suffixKey(k) != key {
				continue
			}
			for to, count := range m {
				merged[to] += count
			}
		}
		neighbors = merged
	}
	if len(neighbors) == 0 {
		return nil
	}

	type ranked struct {
		key   string
		count int
	}
	out := make([]ranked, 0, len(neighbors))
	for k, count := range neighbors {
		out = append(out, ranked{k, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	keys := make([]string, len(out))
	for i, r := range out {
		keys[i] = r.key
	}
	return keys
}

func suffixKey(qualified string) string {
	for i := 0; i < len(qualified); i++ {
		if qualified[i] == '/' {
			return qualified[i+1:]
		}
	}
	return qualified
}
