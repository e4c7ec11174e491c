// Package work runs the background maintenance of the allocator and executor.
//
// Work types are registered once with an interval, a priority and optional
// dependencies. The processor wakes on a poll timer or an explicit trigger,
// picks the highest-priority stale work item whose dependencies have
// completed, and runs it under a timeout. Failed items are retried after a
// delay up to MaxRetries.
//
// # Work types
//
//   - queue:reclaim: claims whose worker disappeared go back to PENDING, or to
//     FAILED once their attempts are exhausted
//   - queue:stuck: EXECUTING changes past the stuck timeout become FAILED and
//     are never replayed
//   - audit:stream: new audit records are exported to Kafka and S3
//   - rewards:prune: old feedback idempotency keys are dropped
//   - maintenance:wal: per-database WAL checkpoint
//
// Intervals come from the work section of the tuning file.
package work
