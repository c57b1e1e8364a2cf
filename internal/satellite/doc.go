// Package satellite implements the daemon side of the dispatch protocol.
//
// A satellite answers liveness checks with a running id generated at start,
// accepts configuration pushes from the arbiter and reports what it holds.
// A scheduler holds one configuration part; pollers, reactionners, brokers
// and receivers hold a satellite view listing the schedulers they talk to.
//
// Pushes replace the held state whole, so the arbiter may push the same
// payload again without harm. Envelopes written by another wire version are
// refused with 400 and never partially applied.
package satellite
