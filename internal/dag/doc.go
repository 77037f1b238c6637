// Package dag orders TaskRuns by their declared dependencies.
//
// It is split into:
//   - Immutable graph definition (TaskGraph): TaskRuns + "needs" edges + stable GraphHash
//   - Mutable execution state (ExecutionState): per-task status during one run
//
// A TaskRun runs only after every TaskRun it needs has succeeded; when one
// fails, everything downstream of it is skipped.
package dag
