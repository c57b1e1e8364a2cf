// Package coordinator implements the arbiter side of vigil: it turns a
// partitioned configuration into live assignments, watches the satellites
// that receive them, and repairs assignments when satellites die, restart
// or drift.
//
// # Overview
//
// The arbiter is the control plane of a vigil cluster. A reload hands the
// object catalog to the partitioner (package partition); a valid result is
// activated here and dispatched. Schedulers receive one configuration part
// each. Pollers, reactionners, brokers and receivers receive a satellite
// view naming the schedulers of the realms they cover.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│                ARBITER                   │
//	├──────────────────────────────────────────┤
//	│  Reload ──► Partitioner ──► Activate     │
//	│                                │         │
//	│  ┌─────────────┐   ┌───────────▼──────┐  │
//	│  │  Registry   │◄──┤    Dispatcher    │  │
//	│  │  - links    │   │  - liveness      │  │
//	│  │  - managed  │   │  - assignment    │  │
//	│  │  - events   │   │  - reconcile     │  │
//	│  └─────────────┘   └───────────┬──────┘  │
//	│                    ┌───────────▼──────┐  │
//	│                    │    PartTable     │  │
//	│                    └──────────────────┘  │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// Registry: one link per satellite.
//   - Liveness is edge triggered. A link goes dead after MaxCheckAttempts
//     consecutive failures and alive on the first success, and each edge
//     produces exactly one Event.
//   - Remembers which parts (and push flavors) every satellite holds.
//   - Detects daemon restarts from the running id carried by pings and
//     registrations.
//
// PartTable: the assignment state of every part of the active epoch.
//   - Unassigned → PendingPush → Assigned, and back to Unassigned when the
//     holder dies, restarts or drifts.
//   - Reserve hands out a ticket; only the matching Confirm or Revert of the
//     same epoch takes effect, so late acknowledgements are dropped.
//
// Dispatcher: three concurrent phases driven by a clockwork clock.
//   - Liveness (HealthMonitor) pings satellites that are due.
//   - Assignment gives unassigned parts to free live schedulers, then pushes
//     changed satellite views.
//   - Reconcile asks satellites what they hold and forgets mismatches.
//
// Arbiter: reload and registration entry points, and the status report.
//
// # Scheduler Choice
//
// For an unassigned part the dispatcher tries, in order:
//
//  1. the scheduler that held the part last, unless it is a spare
//  2. the preferred scheduler computed by the partitioner
//  3. any free live non-spare scheduler covering the part's realm
//  4. a free live spare, which is logged as a promotion
//
// A part nobody can take is a fatal dispatch error for that pass. It stays
// unassigned and is retried on the next pass.
//
// # Metrics
//
// All collectors live in the "vigil" namespace and are registered on the
// registerer given to NewMetrics:
//   - vigil_satellites_alive{kind}
//   - vigil_satellite_transitions_total{kind,state}
//   - vigil_pings_total{outcome}
//   - vigil_pushes_total{kind,outcome}
//   - vigil_managed_mismatches_total{kind}
//   - vigil_parts{state}
//   - vigil_reloads_total{result}
//   - vigil_reload_errors
//
// # See Also
//
//   - internal/partition: builds the parts dispatched here
//   - internal/cluster: wire types and the HTTP client to satellites
//   - cmd/arbiter: the daemon serving this package over HTTP
package coordinator
