// Package storage keeps the configurations a satellite daemon received from
// the arbiter.
//
// # Overview
//
// A satellite holds either one configuration part (schedulers) or the
// scheduler references of its satellite view (every other kind). Each held
// entry carries the push flavor, which is what the satellite reports back
// on /managed and /what_i_managed so the arbiter can detect drift.
//
//	┌─────────────────────────────┐
//	│        satellite            │
//	│   POST /push ──► Replace    │
//	│   GET /managed ◄── Managed  │
//	└──────────────┬──────────────┘
//	               ▼
//	┌─────────────────────────────┐
//	│        Store interface      │
//	└──────────────┬──────────────┘
//	               ▼
//	┌─────────────────────────────┐
//	│         MemoryStore         │
//	└─────────────────────────────┘
//
// # Semantics
//
// Every push replaces the whole content. A satellite that restarts holds
// nothing, and the arbiter learns it from the new running id.
//
// Entries are copied on the way in and on the way out; callers never share
// payload buffers with the store.
package storage
