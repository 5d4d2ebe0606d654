// Package budget implements the Budget Manager (§4.3): a process-wide
// semaphore per workload class gating worker pickup.
package budget

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/scanwright/scanorch/internal/metrics"
)

// Class identifies a workload class with its own concurrency budget.
type Class string

const (
	ClassLibraryScan        Class = "library_scan"
	ClassMediaAnalysis      Class = "media_analysis"
	ClassMetadataEnrichment Class = "metadata_enrichment"
	ClassIndexing           Class = "indexing"
	ClassImageFetch         Class = "image_fetch"
)

// Token represents a held permit; it must be released exactly once.
type Token struct {
	class Class
	sem   *semaphore.Weighted
}

// Manager is the process-wide budget manager: one weighted semaphore per
// workload class.
type Manager struct {
	sems map[Class]*semaphore.Weighted
}

// Limits maps each workload class to its configured concurrency cap.
type Limits map[Class]int

// New builds a Manager from the configured per-class limits.
func New(limits Limits) *Manager {
	m := &Manager{sems: make(map[Class]*semaphore.Weighted, len(limits))}
	for class, limit := range limits {
		if limit <= 0 {
			limit = 1
		}
		m.sems[class] = semaphore.NewWeighted(int64(limit))
	}
	return m
}

func (m *Manager) semFor(class Class) (*semaphore.Weighted, error) {
	sem, ok := m.sems[class]
	if !ok {
		return nil, fmt.Errorf("budget: unknown workload class %q", class)
	}
	return sem, nil
}

// Acquire blocks until a token for class is available or ctx is done.
func (m *Manager) Acquire(ctx context.Context, class Class) (Token, error) {
	sem, err := m.semFor(class)
	if err != nil {
		return Token{}, err
	}
	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return Token{}, err
	}
	metrics.BudgetWait.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	return Token{class: class, sem: sem}, nil
}

// HasBudget is a non-blocking preflight so worker loops avoid a wasted
// scheduler reservation when no budget is available.
func (m *Manager) HasBudget(class Class) bool {
	sem, err := m.semFor(class)
	if err != nil {
		return false
	}
	if sem.TryAcquire(1) {
		sem.Release(1)
		return true
	}
	return false
}

// Release returns the token to its semaphore. Releasing a zero-value Token
// is a no-op, which makes "release on every exit path, even error ones"
// safe to write unconditionally.
func (m *Manager) Release(tok Token) {
	if tok.sem == nil {
		return
	}
	tok.sem.Release(1)
}
