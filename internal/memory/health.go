package memory

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Recommendation struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Health is a point-in-time assessment of the memory subsystem.
type Health struct {
	Score           int              `json:"score"` // 0..100
	HitRate         float64          `json:"hit_rate"`
	MeanLatency     time.Duration    `json:"mean_latency"`
	Utilization     float64          `json:"utilization"`
	Entries         int              `json:"entries"`
	Bytes           int64            `json:"bytes"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Health scores the subsystem from hit rate, retrieval latency and capacity
// utilization. A store with no traffic yet scores from utilization alone.
func (s *Store) Health() Health {
	s.mu.Lock()
	hits, misses := s.hits, s.misses
	retrieves, nanos := s.retrieves, s.retrieveNanos
	entries := len(s.entries)
	bytes := s.bytes
	s.mu.Unlock()

	h := Health{Entries: entries, Bytes: bytes}

	hitRate := 1.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	h.HitRate = hitRate

	if retrieves > 0 {
		h.MeanLatency = time.Duration(nanos / retrieves)
	}

	entryUtil := float64(entries) / float64(s.cfg.MaxEntries)
	byteUtil := float64(bytes) / float64(s.cfg.MaxBytes)
	h.Utilization = entryUtil
	if byteUtil > entryUtil {
		h.Utilization = byteUtil
	}

	latencyFactor := 1.0 - float64(h.MeanLatency)/float64(100*time.Millisecond)
	if latencyFactor < 0 {
		latencyFactor = 0
	}

	score := hitRate*50 + (1-h.Utilization)*30 + latencyFactor*20
	if score < 0 {
		score = 0
	}
	h.Score = int(score)

	h.Recommendations = s.recommend(h)
	return h
}

func (s *Store) recommend(h Health) []Recommendation {
	var recs []Recommendation

	switch {
	case h.HitRate < 0.2:
		recs = append(recs, Recommendation{
			Category: "hit-rate",
			Severity: SeverityCritical,
			Detail:   "most lookups miss; review key naming or raise TTLs",
		})
	case h.HitRate < 0.5:
		recs = append(recs, Recommendation{
			Category: "hit-rate",
			Severity: SeverityWarning,
			Detail:   "hit rate below 50%; entries may be evicted or expiring too early",
		})
	}

	switch {
	case h.Utilization > 0.95:
		recs = append(recs, Recommendation{
			Category: "capacity",
			Severity: SeverityCritical,
			Detail:   "memory nearly full; eviction pressure will discard useful entries",
		})
	case h.Utilization > 0.8:
		recs = append(recs, Recommendation{
			Category: "capacity",
			Severity: SeverityWarning,
			Detail:   "utilization above 80%; consider raising caps or shortening TTLs",
		})
	}

	switch {
	case h.MeanLatency > 50*time.Millisecond:
		recs = append(recs, Recommendation{
			Category: "latency",
			Severity: SeverityCritical,
			Detail:   "retrieval latency is high; large compressed values dominate reads",
		})
	case h.MeanLatency > 10*time.Millisecond:
		recs = append(recs, Recommendation{
			Category: "latency",
			Severity: SeverityWarning,
			Detail:   "retrieval latency above 10ms; check value sizes",
		})
	}

	return recs
}
