// Package jobcore provides the job orchestration core for a desktop
// application: background work that must not block the interface, must be
// cancellable, must survive crashes of risky operations, and must report
// progress and log output back to a presentation layer.
//
// Jobcore is designed as a library, not a service. Construct the pieces
// once at a composition root (see the engine package) and pass references
// explicitly; there are no globals.
//
// # Architecture
//
// Five components cooperate around a synchronous in-process event bus:
//
//   - event.Bus: publish/subscribe hub with per-handler isolation.
//   - runner.Runner: goroutine pool for in-process cooperative jobs.
//   - procrunner.Runner: one isolated child process per job, speaking a
//     strict NDJSON envelope protocol, hard-killable.
//   - registry.Registry: the single authoritative map of job state.
//   - journal.Store: append-only JSONL event log replayed at startup.
//
// This root package defines the leaf types every subsystem shares: job
// kinds, the retry policy, configuration, and the error taxonomy.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package jobcore
