package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRemover struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (r *recordingRemover) RemoveRunDir(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, runID)
	return r.err
}

func addRun(reg *Registry, id string, status domain.RunStatus, started, finished time.Time) *runEntry {
	run := domain.NewRun(id, "", domain.PipelineDefinition{Name: id}, started)
	run.Status = status
	run.StartedAt = started
	run.FinishedAt = finished
	return reg.add(run)
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})

	_, ok := reg.Get("run_missing")
	assert.False(t, ok)
	assert.False(t, reg.Cancel("run_missing"))
}

func TestRegistryGetReturnsIndependentSnapshot(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})
	def := domain.PipelineDefinition{Nodes: []domain.NodeSpec{{ID: "a", Tool: "bash", Config: map[string]any{"script": "x.sh"}}}}
	reg.add(domain.NewRun("run_1", "", def, time.Now()))

	first, ok := reg.Get("run_1")
	require.True(t, ok)
	first.Nodes[0].Status = domain.NodeError
	first.Nodes[0].Config["script"] = "mutated"

	second, ok := reg.Get("run_1")
	require.True(t, ok)
	assert.Equal(t, domain.NodePending, second.Nodes[0].Status)
	assert.Equal(t, "x.sh", second.Nodes[0].Config["script"])
}

func TestRegistryGetTrimsStdout(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})
	entry := reg.add(domain.NewRun("run_1", "", domain.PipelineDefinition{Nodes: nodesWithIDs("a")}, time.Now()))
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	long[len(long)-1] = 'z'
	entry.update(func(run *domain.Run) { run.Nodes[0].Stdout = string(long) })

	run, _ := reg.Get("run_1")
	assert.Len(t, run.Nodes[0].Stdout, domain.OutputTailBytes)
	assert.Equal(t, byte('z'), run.Nodes[0].Stdout[domain.OutputTailBytes-1])
	assert.Len(t, entry.snapshot().Nodes[0].Stdout, 2000)
}

func TestRegistryListOrdering(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	addRun(reg, "run_old", domain.RunSuccess, base, base.Add(time.Second))
	addRun(reg, "run_new", domain.RunRunning, base.Add(2*time.Minute), time.Time{})
	addRun(reg, "run_mid", domain.RunError, base.Add(time.Minute), base.Add(90*time.Second))
	pending := domain.NewRun("run_pending", "", domain.PipelineDefinition{}, base.Add(30*time.Second))
	reg.add(pending)

	all := reg.List(0)
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"run_new", "run_mid", "run_pending", "run_old"}, ids)

	limited := reg.List(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "run_new", limited[0].ID)
	assert.Equal(t, "run_mid", limited[1].ID)

	assert.Len(t, reg.List(-1), 4)
	assert.Len(t, reg.List(10), 4)
}

func TestRegistryListTieBreaksBySubmission(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	addRun(reg, "run_a", domain.RunRunning, at, time.Time{})
	addRun(reg, "run_b", domain.RunRunning, at, time.Time{})

	list := reg.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, "run_b", list[0].ID)
}

func TestRegistryCancelOnlyWhileRunning(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})
	now := time.Now()

	running := addRun(reg, "run_running", domain.RunRunning, now, time.Time{})
	addRun(reg, "run_done", domain.RunSuccess, now, now)
	addRun(reg, "run_pending", domain.RunPending, time.Time{}, time.Time{})

	assert.True(t, reg.Cancel("run_running"))
	assert.True(t, running.cancelRequested())
	run, _ := reg.Get("run_running")
	assert.Equal(t, domain.RunCancelled, run.Status)

	assert.False(t, reg.Cancel("run_running"), "second cancel is a no-op")
	assert.False(t, reg.Cancel("run_done"))
	assert.False(t, reg.Cancel("run_pending"))
}

func TestRegistryGCEvictsOnlyExpiredFinishedRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remover := &recordingRemover{}
	metrics := &countingMetrics{}
	reg := NewRegistry(RegistryConfig{
		Artifacts: remover,
		Metrics:   metrics,
		Logger:    discardLogger(),
		Now:       func() time.Time { return now },
	})

	old := addRun(reg, "run_old", domain.RunSuccess, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	old.markFinished()
	recent := addRun(reg, "run_recent", domain.RunError, now.Add(-time.Minute), now.Add(-30*time.Second))
	recent.markFinished()
	// Cancelled but its task is still draining an in-flight node.
	addRun(reg, "run_draining", domain.RunCancelled, now.Add(-5*time.Hour), now.Add(-4*time.Hour))
	addRun(reg, "run_running", domain.RunRunning, now.Add(-5*time.Hour), time.Time{})

	evicted := reg.GC(time.Hour)

	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"run_old"}, remover.removed)
	assert.Equal(t, 1, metrics.evicted())
	assert.Equal(t, 3, reg.Len())
	_, ok := reg.Get("run_old")
	assert.False(t, ok)
	_, ok = reg.Get("run_draining")
	assert.True(t, ok)

	assert.Equal(t, 0, reg.GC(time.Hour))
}

func TestRegistryGCToleratesRemoveFailure(t *testing.T) {
	now := time.Now()
	reg := NewRegistry(RegistryConfig{
		Artifacts: &recordingRemover{err: errors.New("busy")},
		Logger:    discardLogger(),
		Now:       func() time.Time { return now },
	})
	addRun(reg, "run_old", domain.RunSuccess, now.Add(-2*time.Hour), now.Add(-2*time.Hour)).markFinished()

	assert.Equal(t, 1, reg.GC(time.Hour))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDone(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: discardLogger()})
	entry := addRun(reg, "run_1", domain.RunRunning, time.Now(), time.Time{})

	done, ok := reg.Done("run_1")
	require.True(t, ok)
	select {
	case <-done:
		t.Fatal("done closed before the task finished")
	default:
	}

	entry.markFinished()
	<-done

	_, ok = reg.Done("run_missing")
	assert.False(t, ok)
}
