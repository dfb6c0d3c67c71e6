// Package engine executes pipeline definitions.
//
// Architecture:
//
// graph.go       - Execution order (Kahn's algorithm, declaration-order tie-break, cycle fallback)
// tools.go       - Typed tool table resolving nodes into argument lists
// runner.go      - ProcessRunner: time-bounded child processes rooted in the run directory
// registry.go    - Registry: in-memory run catalogue with per-run locks and GC
// events.go      - Observer fan-out with one mailbox per subscriber
// coordinator.go - Coordinator: run lifecycle, progress, artifacts and completion
//
// Nodes of a run execute strictly one at a time. A failed node does not stop
// the run; the remaining nodes are still attempted and the run ends in error.
package engine
