package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/polisai/polis-runner/pkg/engine"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	defs []domain.PipelineDefinition
	err  error
	ch   chan domain.PipelineDefinition
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan domain.PipelineDefinition, 16)}
}

func (f *fakeSubmitter) Submit(_ context.Context, def domain.PipelineDefinition, _ ...engine.SubmitOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.defs = append(f.defs, def)
	f.ch <- def
	return fmt.Sprintf("run_%d", len(f.defs)), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.defs)
}

func staticLoader(def domain.PipelineDefinition) LoadFunc {
	return func(path string) (domain.PipelineDefinition, error) {
		if path == "missing.json" {
			return domain.PipelineDefinition{}, errors.New("no such file")
		}
		return def, nil
	}
}

func sampleDefinition() domain.PipelineDefinition {
	return domain.PipelineDefinition{
		Name: "transcribe",
		Nodes: []domain.NodeSpec{
			{ID: "a", Tool: "whisper", Config: map[string]any{"model": "base"}},
			{ID: "b", Tool: "bash", Config: map[string]any{"trigger_file": "fixed.wav"}},
			{ID: "c", Tool: "noop"},
		},
	}
}
