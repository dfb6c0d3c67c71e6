// Package trigger submits pipeline runs in response to filesystem activity
// and fixed-interval schedules. Triggers only depend on the submit contract;
// they never inspect or manage runs.
package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-runner/pkg/definition"
	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/polisai/polis-runner/pkg/engine"
)

// TriggerFileKey is injected into node configs of watch-triggered runs.
const TriggerFileKey = "trigger_file"

// Trigger kinds reported in FireEvent.Kind.
const (
	KindWatch    = "watch"
	KindSchedule = "schedule"
)

// ErrUnknownTrigger is returned when a named trigger does not exist.
var ErrUnknownTrigger = errors.New("unknown trigger")

// Submitter starts pipeline runs.
type Submitter interface {
	Submit(ctx context.Context, def domain.PipelineDefinition, opts ...engine.SubmitOption) (string, error)
}

// LoadFunc reads a pipeline definition. Definitions are re-read every time a
// trigger fires so edits take effect without a restart.
type LoadFunc func(path string) (domain.PipelineDefinition, error)

// FireEvent describes one trigger firing.
type FireEvent struct {
	Kind  string
	Name  string
	File  string
	RunID string
	Err   error
}

// FireFunc observes trigger firings.
type FireFunc func(FireEvent)

type firer struct {
	submitter Submitter
	load      LoadFunc
	onFire    FireFunc
}

func newFirer(submitter Submitter, load LoadFunc, onFire FireFunc) firer {
	if load == nil {
		load = definition.Load
	}
	return firer{submitter: submitter, load: load, onFire: onFire}
}

// fire loads the pipeline, applies extra node config and submits it.
func (f firer) fire(ctx context.Context, kind, name, pipeline, file string) (string, error) {
	runID, err := f.submit(ctx, pipeline, file)
	if err != nil {
		err = fmt.Errorf("%s trigger %q: %w", kind, name, err)
	}
	if f.onFire != nil {
		f.onFire(FireEvent{Kind: kind, Name: name, File: file, RunID: runID, Err: err})
	}
	return runID, err
}

func (f firer) submit(ctx context.Context, pipeline, file string) (string, error) {
	def, err := f.load(pipeline)
	if err != nil {
		return "", err
	}
	if file != "" {
		def = WithTriggerFile(def, file)
	}
	return f.submitter.Submit(ctx, def)
}

// WithTriggerFile returns a copy of def where every node config lacking a
// trigger_file entry gets the given path.
func WithTriggerFile(def domain.PipelineDefinition, file string) domain.PipelineDefinition {
	def = def.Clone()
	for i := range def.Nodes {
		if def.Nodes[i].Config == nil {
			def.Nodes[i].Config = make(map[string]any, 1)
		}
		if _, ok := def.Nodes[i].Config[TriggerFileKey]; !ok {
			def.Nodes[i].Config[TriggerFileKey] = file
		}
	}
	return def
}
