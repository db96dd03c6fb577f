// Package indexer keeps the vector store in step with the system of record.
//
// A cycle walks every known scope, fetches messages changed since the
// scope's checkpoint, embeds them, upserts them, applies deletions and only
// then advances the checkpoint. A crash between upsert and advance
// re-processes the same messages on the next cycle, which is harmless
// because upserts overwrite by id.
//
// Each scope moves through its own state machine:
//
//	IDLE ──tick──▶ SYNCING ──ok──▶ IDLE
//	                  │
//	                  └──error──▶ FAILED ──tick──▶ SYNCING
//
// At most one cycle runs at a time in a process. A tick that arrives while a
// cycle is running is skipped.
package indexer
