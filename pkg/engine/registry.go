package engine

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-runner/pkg/domain"
)

// RunDirRemover deletes a run's working directory on eviction.
type RunDirRemover interface {
	RemoveRunDir(runID string) error
}

// RegistryConfig holds dependencies for creating a Registry.
type RegistryConfig struct {
	Artifacts RunDirRemover
	Metrics   MetricsRecorder
	Logger    *slog.Logger
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// Registry is the in-memory catalogue of runs. The map is guarded only for
// membership changes; each run carries its own lock so status queries and
// the owning task of one run never contend with other runs.
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*runEntry
	seq       atomic.Uint64
	artifacts RunDirRemover
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
}

type runEntry struct {
	mu  sync.RWMutex
	run domain.Run
	seq uint64
	// finished is set once the owning task has returned.
	finished bool
	cancel   atomic.Bool
	done     chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		runs:      make(map[string]*runEntry),
		artifacts: cfg.Artifacts,
		metrics:   metrics,
		logger:    logger,
		now:       now,
	}
}

func (r *Registry) add(run domain.Run) *runEntry {
	entry := &runEntry{
		run:  run,
		seq:  r.seq.Add(1),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.runs[run.ID] = entry
	r.mu.Unlock()
	return entry
}

func (r *Registry) lookup(id string) (*runEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.runs[id]
	return entry, ok
}

// Get returns a detail snapshot of the run.
func (r *Registry) Get(id string) (domain.Run, bool) {
	entry, ok := r.lookup(id)
	if !ok {
		return domain.Run{}, false
	}
	return entry.snapshot().Detail(), true
}

// List returns summaries of the most recently started runs first, bounded by
// limit. A non-positive limit returns every run. Runs that have not started
// yet are ordered by submission time.
func (r *Registry) List(limit int) []domain.RunSummary {
	r.mu.RLock()
	entries := make([]*runEntry, 0, len(r.runs))
	for _, entry := range r.runs {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	type item struct {
		summary domain.RunSummary
		key     time.Time
		seq     uint64
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		entry.mu.RLock()
		summary := entry.run.Summary()
		entry.mu.RUnlock()
		key := summary.StartedAt
		if key.IsZero() {
			key = summary.SubmittedAt
		}
		items = append(items, item{summary: summary, key: key, seq: entry.seq})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].key.Equal(items[j].key) {
			return items[i].key.After(items[j].key)
		}
		return items[i].seq > items[j].seq
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]domain.RunSummary, len(items))
	for i, it := range items {
		out[i] = it.summary
	}
	return out
}

// Cancel routes a cancel request to the run. It succeeds only while the run
// is running; the owning task stops scheduling nodes once it observes the
// request, and a node already in flight is left to finish.
func (r *Registry) Cancel(id string) bool {
	entry, ok := r.lookup(id)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.run.Status != domain.RunRunning {
		return false
	}
	entry.run.Status = domain.RunCancelled
	entry.cancel.Store(true)
	return true
}

// Done returns a channel closed once the run's task has finished.
func (r *Registry) Done(id string) (<-chan struct{}, bool) {
	entry, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return entry.done, true
}

// Len reports how many runs are held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// GC evicts runs that finished more than maxAge ago and deletes their working
// directories. Runs whose task is still active are never evicted, including
// cancelled runs waiting for an in-flight node.
func (r *Registry) GC(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.RLock()
	var expired []string
	for id, entry := range r.runs {
		entry.mu.RLock()
		evictable := entry.finished && !entry.run.FinishedAt.IsZero() && entry.run.FinishedAt.Before(cutoff)
		entry.mu.RUnlock()
		if evictable {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range expired {
		delete(r.runs, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		if r.artifacts == nil {
			continue
		}
		if err := r.artifacts.RemoveRunDir(id); err != nil {
			r.logger.Warn("failed to remove run directory", "run_id", id, "error", err)
		}
	}

	r.metrics.RunsEvicted(len(expired))
	r.logger.Info("evicted finished runs", "count", len(expired), "max_age", maxAge)
	return len(expired)
}

func (e *runEntry) snapshot() domain.Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone()
}

// update applies fn under the entry lock and returns a snapshot of the result.
func (e *runEntry) update(fn func(run *domain.Run)) domain.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.run)
	return e.run.Clone()
}

func (e *runEntry) cancelRequested() bool {
	return e.cancel.Load()
}

func (e *runEntry) markFinished() {
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
	close(e.done)
}
