// Package correlation implements the Correlation Cache (§4.8): a
// striped-lock map from job id to correlation id, threading a single
// causal identity across every event produced for a job. The map has no
// size bound: an entry is removed only by TakeOrGenerate or Forget.
package correlation

import (
	"sync"

	"github.com/google/uuid"
)

const shardCount = 32

// Cache is a job-id -> correlation-id table. All operations are safe for
// concurrent use; each key hashes to one of a fixed number of shards so
// unrelated jobs never contend on the same mutex (no single process-wide
// lock, per SPEC_FULL §5's shared-resource policy).
type Cache struct {
	shards [shardCount]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]string
}

// New constructs an empty correlation cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]string)
	}
	return c
}

func (c *Cache) shardFor(jobID string) *shard {
	var h uint32
	for i := 0; i < len(jobID); i++ {
		h = h*31 + uint32(jobID[i])
	}
	return &c.shards[h%shardCount]
}

// Remember inserts or replaces the correlation id for jobID.
func (c *Cache) Remember(jobID, corr string) {
	s := c.shardFor(jobID)
	s.mu.Lock()
	s.m[jobID] = corr
	s.mu.Unlock()
}

// RememberIfAbsent inserts corr for jobID only if no entry exists yet, and
// returns the id that is now stored (either the new one or the pre-existing
// one).
func (c *Cache) RememberIfAbsent(jobID, corr string) string {
	s := c.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[jobID]; ok {
		return existing
	}
	s.m[jobID] = corr
	return corr
}

// Fetch peeks at the correlation id for jobID without generating one.
func (c *Cache) Fetch(jobID string) (string, bool) {
	s := c.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[jobID]
	return v, ok
}

// FetchOrGenerate returns the existing correlation id for jobID, or
// synthesises and stores a fresh uuid v7 if none exists.
func (c *Cache) FetchOrGenerate(jobID string) string {
	s := c.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[jobID]; ok {
		return v
	}
	v := newCorrelationID()
	s.m[jobID] = v
	return v
}

// TakeOrGenerate behaves like FetchOrGenerate but removes the entry on
// read. It is used on terminal events: once a job reaches a terminal
// state its correlation entry is no longer needed (§3 lifecycle).
func (c *Cache) TakeOrGenerate(jobID string) string {
	s := c.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[jobID]; ok {
		delete(s.m, jobID)
		return v
	}
	return newCorrelationID()
}

// Forget removes the entry for jobID without returning it.
func (c *Cache) Forget(jobID string) {
	s := c.shardFor(jobID)
	s.mu.Lock()
	delete(s.m, jobID)
	s.mu.Unlock()
}

// Len returns the total number of tracked entries; used by tests and
// diagnostics only.
func (c *Cache) Len() int {
	total := 0
	for i := range c.shards {
		c.shards[i].mu.Lock()
		total += len(c.shards[i].m)
		c.shards[i].mu.Unlock()
	}
	return total
}

func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
