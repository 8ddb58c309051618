// Package conveyor is the asynchronous task-execution substrate of the
// collaboration platform. It decouples slow or fallible side effects
// (outbound email, notifications, push delivery, activity logging,
// announcement lifecycle transitions, trash cleanup) from the request path.
//
// Conveyor runs on one of two execution substrates, selected once at
// process start:
//
//   - BrokerBacked: jobs are persisted in Redis and processed by per-queue
//     worker pools with retry, backoff, and retention. This is the normal
//     mode and provides at-least-once delivery across restarts.
//   - FallbackOnly: when Redis is unreachable at boot, submit calls are
//     routed to an in-process deferred executor. Jobs are not durable, but
//     the observable business effect of each submission is the same.
//
// Callers never branch on the active substrate; the tasks package exposes
// one typed submit function per business event and the engine package owns
// the probe, the mode decision, and lifecycle.
//
// Conveyor is a library, not a service. The embedding application
// constructs an engine.Engine at process start and passes the tasks.Service
// to whatever needs to submit work.
package conveyor
