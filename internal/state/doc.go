// Package state persists the records of provcache runs: one run.json per
// invocation, one record per task and the classified failure that stopped
// the run, if any.
package state
