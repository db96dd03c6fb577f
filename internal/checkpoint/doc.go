// Package checkpoint persists the indexer's per-scope progress.
//
// A checkpoint is the latest change time fully written to the index for a
// scope. It only moves forward. Reset is the single way back, used by
// explicit maintenance.
package checkpoint
