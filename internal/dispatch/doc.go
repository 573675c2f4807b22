// Package dispatch runs one outbound dispatch pass: load the queue, evaluate
// policy for every target, then place calls through a bounded worker pool.
//
// Concurrency model:
//   - A single feeder walks eligible targets in rank order and reserves budget
//     from the ledger before handing a target to a worker.
//   - Workers (bounded by the effective concurrency) place calls. A call that
//     has been sent is never cancelled; it runs under its own timeout.
//   - A single collector applies every outcome to state, the dispatch log,
//     run history, and the event hub.
//
// The ledger holds the only shared counters. A reservation is taken before a
// call and settled after it, so concurrent workers can never push a campaign
// past its daily cap or the run past max_calls.
//
// Run statuses:
//   - completed: every eligible target was either attempted or skipped, or the
//     attempt budget ran out
//   - stopped: the controls file requested a stop, at start or mid-run
//   - interrupted: the context was cancelled (SIGINT/SIGTERM)
package dispatch
