// Package domain defines the core types of the pipeline runner: definitions
// submitted for execution, runs and their nodes, and the errors shared across
// packages.
//
// This package has no dependencies outside the Go standard library. Engine,
// storage, notification and trigger packages all depend on it; it depends on
// none of them.
package domain
