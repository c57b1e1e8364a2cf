// Package cluster holds what the arbiter and its satellites share: daemon
// kinds, wire types, the versioned configuration envelope and the HTTP
// client used for every satellite interaction.
//
// # Overview
//
// The arbiter is the single coordinator. Satellites (schedulers, pollers,
// reactionners, brokers, receivers) are independent processes reached over
// HTTP; there is no shared memory between them.
//
//	              ┌──────────────┐
//	              │   Arbiter    │
//	              │ - Registry   │
//	              │ - Dispatcher │
//	              └──────┬───────┘
//	                     │ ping / push / managed
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌──────▼────┐ ┌───────▼───┐
//	│ scheduler │ │ scheduler │ │  broker   │
//	│  part 0   │ │  part 1   │ │ parts 0,1 │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Satellite calls
//
// Every call returns a Result instead of a plain error:
//
//	OutcomeOK               the satellite answered as expected
//	OutcomeTimeout          the deadline expired
//	OutcomeConnectionFailed the satellite could not be reached
//	OutcomeRejected         non 2xx status or an unexpected body
//
// Liveness checks and managed-conf queries use the short ping timeout.
// Configuration pushes use the long push timeout because payloads can be
// large.
//
// # Wire format
//
// Configuration payloads travel in a length prefixed envelope:
//
//	+--------+---------+----------+------------------+
//	| "VGLC" | version | length   | zstd(json(body)) |
//	| 4 B    | uint16  | uint32   | length bytes     |
//	+--------+---------+----------+------------------+
//
// A satellite built with a different WireVersion rejects the push with
// ErrVersionMismatch instead of misreading it.
package cluster
