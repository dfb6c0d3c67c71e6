package engine

import (
	"time"

	"github.com/polisai/polis-runner/pkg/domain"
)

// MetricsRecorder defines the run metrics the coordinator and registry emit.
type MetricsRecorder interface {
	RunStarted(pipeline string)
	RunFinished(pipeline string, status domain.RunStatus, duration time.Duration)
	NodeFinished(tool string, status domain.NodeStatus, outcome string, duration time.Duration)
	RunsEvicted(count int)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string)                                             {}
func (noopMetrics) RunFinished(string, domain.RunStatus, time.Duration)           {}
func (noopMetrics) NodeFinished(string, domain.NodeStatus, string, time.Duration) {}
func (noopMetrics) RunsEvicted(int)                                               {}
