// Package memory is the swarm's shared memory: namespace-scoped key/value
// storage with TTL, transparent zstd compression, LRU plus memory-pressure
// eviction, and access-pattern learning for prefetch hints.
package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/hived/internal/config"
	"github.com/mtzanidakis/hived/internal/store"
)

var (
	ErrNotFound = errors.New("memory entry not found")
	// ErrCapacity is returned only when eviction cannot free enough space
	// for an insert; hitting the caps alone triggers eviction, not an error.
	ErrCapacity = errors.New("memory capacity exhausted")
)

// Namespaces used by the core itself. Callers may introduce their own.
const (
	NamespaceAgentState      = "agent-state"
	NamespaceCollectiveFacts = "collective-facts"
	NamespaceLearnedPatterns = "learned-patterns"
)

type entry struct {
	namespace   string
	key         string
	value       []byte
	compressed  bool
	owner       string
	expiresAt   time.Time // zero = never
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	elem        *list.Element
}

func (e *entry) size() int64 {
	return int64(len(e.value))
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type Store struct {
	mu      sync.Mutex
	cfg     config.MemoryConfig
	entries map[string]*entry
	lru     *list.List // front = most recently used
	bytes   int64

	db       store.Backend
	patterns *patternTracker

	hits          int64
	misses        int64
	retrieves     int64
	retrieveNanos int64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func entryKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func New(cfg config.MemoryConfig, db store.Backend) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		db:       db,
		patterns: newPatternTracker(),
		enc:      enc,
		dec:      dec,
	}
	s.rehydrate()
	return s, nil
}

// rehydrate reloads persisted entries after a restart, oldest access first
// so LRU order survives.
func (s *Store) rehydrate() {
	if s.db == nil {
		return
	}
	records, err := s.db.ListMemoryEntries()
	if err != nil {
		slog.Warn("memory rehydrate failed", "error", err)
		return
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastAccess.Before(records[j].LastAccess)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, r := range records {
		e := &entry{
			namespace:   r.Namespace,
			key:         r.Key,
			value:       r.Value,
			compressed:  r.Compressed,
			owner:       r.Owner,
			createdAt:   r.CreatedAt,
			lastAccess:  r.LastAccess,
			accessCount: r.AccessCount,
		}
		if r.ExpiresAt != nil {
			e.expiresAt = *r.ExpiresAt
		}
		if e.expired(now) {
			_ = s.db.DeleteMemoryEntry(r.Namespace, r.Key)
			continue
		}
		if len(s.entries) >= s.cfg.MaxEntries || s.bytes+e.size() > s.cfg.MaxBytes {
			continue
		}
		k := entryKey(r.Namespace, r.Key)
		s.entries[k] = e
		e.elem = s.lru.PushFront(e)
		s.bytes += e.size()
	}
	if len(s.entries) > 0 {
		slog.Info("memory rehydrated", "entries", len(s.entries), "bytes", s.bytes)
	}
}

// Store inserts or replaces an entry. Values larger than the compression
// threshold are zstd-compressed before residency accounting. ttl == 0 uses
// the configured default; a negative ttl disables expiry. Eviction runs
// before the insert so the caps hold at every return.
func (s *Store) Store(key string, value []byte, namespace string, ttl time.Duration) error {
	return s.StoreOwned(key, value, namespace, ttl, "")
}

func (s *Store) StoreOwned(key string, value []byte, namespace string, ttl time.Duration, owner string) error {
	stored := value
	compressed := false
	if s.cfg.CompressThreshold > 0 && len(value) > s.cfg.CompressThreshold {
		c := s.enc.EncodeAll(value, nil)
		if len(c) < len(value) {
			stored = c
			compressed = true
		}
	}
	size := int64(len(stored))
	if size > s.cfg.MaxBytes {
		return fmt.Errorf("%w: value of %d bytes exceeds cap", ErrCapacity, size)
	}

	now := time.Now()
	e := &entry{
		namespace:  namespace,
		key:        key,
		value:      stored,
		compressed: compressed,
		owner:      owner,
		createdAt:  now,
		lastAccess: now,
	}
	switch {
	case ttl == 0 && s.cfg.DefaultTTL > 0:
		e.expiresAt = now.Add(s.cfg.DefaultTTL)
	case ttl > 0:
		e.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	k := entryKey(namespace, key)
	if old, ok := s.entries[k]; ok {
		s.removeLocked(old, false)
	}
	if err := s.makeRoomLocked(size, now); err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries[k] = e
	e.elem = s.lru.PushFront(e)
	s.bytes += size
	s.patterns.record(namespace, key, now)
	rec := e.snapshotLocked()
	s.mu.Unlock()

	s.persist(rec)
	return nil
}

// makeRoomLocked frees space for an insert of the given size: TTL sweep
// first, then LRU eviction for the entry cap, then a memory-pressure pass
// that drops the largest-and-coldest entries for the byte cap.
func (s *Store) makeRoomLocked(size int64, now time.Time) error {
	s.sweepExpiredLocked(now)

	for len(s.entries) >= s.cfg.MaxEntries {
		if !s.evictLRULocked() {
			return fmt.Errorf("%w: entry cap reached and nothing evictable", ErrCapacity)
		}
	}

	for s.bytes+size > s.cfg.MaxBytes {
		if !s.evictPressureLocked(now) {
			return fmt.Errorf("%w: byte cap reached and nothing evictable", ErrCapacity)
		}
	}
	return nil
}

func (s *Store) sweepExpiredLocked(now time.Time) {
	for _, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(e, true)
		}
	}
}

func (s *Store) evictLRULocked() bool {
	back := s.lru.Back()
	if back == nil {
		return false
	}
	s.removeLocked(back.Value.(*entry), true)
	return true
}

// evictPressureLocked drops the entry with the highest size × coldness
// product.
func (s *Store) evictPressureLocked(now time.Time) bool {
	var victim *entry
	var worst float64
	for _, e := range s.entries {
		coldness := now.Sub(e.lastAccess).Seconds() + 1
		score := float64(e.size()) * coldness / float64(e.accessCount+1)
		if victim == nil || score > worst {
			victim = e
			worst = score
		}
	}
	if victim == nil {
		return false
	}
	s.removeLocked(victim, true)
	return true
}

func (s *Store) removeLocked(e *entry, deletePersisted bool) {
	delete(s.entries, entryKey(e.namespace, e.key))
	if e.elem != nil {
		s.lru.Remove(e.elem)
	}
	s.bytes -= e.size()
	if deletePersisted && s.db != nil {
		if err := s.db.DeleteMemoryEntry(e.namespace, e.key); err != nil {
			slog.Warn("delete persisted memory entry failed", "namespace", e.namespace, "key", e.key, "error", err)
		}
	}
}

// Retrieve returns the decompressed value and refreshes recency. An expired
// entry is removed and reported as not found.
func (s *Store) Retrieve(key, namespace string) ([]byte, error) {
	start := time.Now()

	s.mu.Lock()
	e, ok := s.entries[entryKey(namespace, key)]
	if !ok || e.expired(start) {
		if ok {
			s.removeLocked(e, true)
		}
		s.misses++
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	e.accessCount++
	e.lastAccess = start
	s.lru.MoveToFront(e.elem)
	s.patterns.record(namespace, key, start)
	value := e.value
	compressed := e.compressed
	s.hits++
	s.mu.Unlock()

	var out []byte
	var err error
	if compressed {
		out, err = s.dec.DecodeAll(value, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s/%s: %w", namespace, key, err)
		}
	} else {
		out = make([]byte, len(value))
		copy(out, value)
	}

	s.mu.Lock()
	s.retrieves++
	s.retrieveNanos += time.Since(start).Nanoseconds()
	s.mu.Unlock()

	return out, nil
}

// Search returns the keys matching a glob-style pattern, sorted. An empty
// namespace searches every namespace and qualifies keys as "namespace/key".
func (s *Store) Search(pattern, namespace string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []string
	for _, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if namespace != "" && e.namespace != namespace {
			continue
		}
		if !matchPattern(pattern, e.key) {
			continue
		}
		if namespace == "" {
			out = append(out, e.namespace+"/"+e.key)
		} else {
			out = append(out, e.key)
		}
	}
	sort.Strings(out)
	return out
}

// matchPattern matches glob-style patterns where * spans any run of
// characters, separators included, and ? matches exactly one. A pattern
// without wildcards falls back to substring matching.
func matchPattern(pattern, key string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return strings.Contains(key, pattern)
	}
	p, k := 0, 0
	star, mark := -1, 0
	for k < len(key) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == key[k]):
			p++
			k++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = k
			p++
		case star >= 0:
			p = star + 1
			mark++
			k = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

func (s *Store) Delete(key, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey(namespace, key)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	s.removeLocked(e, true)
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// PredictNextAccess returns keys frequently accessed together with the given
// key, best first, for prefetching.
func (s *Store) PredictNextAccess(key string) []string {
	return s.patterns.predict(key, 5)
}

// Analyze runs one access-pattern analysis pass.
func (s *Store) Analyze() {
	s.patterns.analyze()
}

// Run drives background maintenance: TTL sweeping and access-pattern
// analysis on the configured interval.
func (s *Store) Run(ctx context.Context) {
	interval := s.cfg.AnalyzeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweepExpiredLocked(time.Now())
			s.mu.Unlock()
			s.patterns.analyze()
		}
	}
}

// Flush persists every resident entry; called on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	records := make([]*store.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		records = append(records, e.snapshotLocked())
	}
	s.mu.Unlock()

	for _, rec := range records {
		s.persist(rec)
	}
	return nil
}

// snapshotLocked copies the entry into its persistence record. Callers hold
// s.mu; Retrieve mutates the stats fields under the same lock.
func (e *entry) snapshotLocked() *store.MemoryEntry {
	rec := &store.MemoryEntry{
		Namespace:   e.namespace,
		Key:         e.key,
		Value:       e.value,
		Compressed:  e.compressed,
		Owner:       e.owner,
		CreatedAt:   e.createdAt,
		LastAccess:  e.lastAccess,
		AccessCount: e.accessCount,
	}
	if !e.expiresAt.IsZero() {
		exp := e.expiresAt
		rec.ExpiresAt = &exp
	}
	return rec
}

func (s *Store) persist(rec *store.MemoryEntry) {
	if s.db == nil {
		return
	}
	if err := s.db.SaveMemoryEntry(rec); err != nil {
		slog.Warn("persist memory entry failed", "namespace", rec.Namespace, "key", rec.Key, "error", err)
	}
}
