// Package pipeline turns raw sensor statuses into cache transitions and
// change events.
//
// Intake never blocks the source: every status is queued together with a
// per-sensor ordering lane. A pool of workers resolves sensor metadata
// concurrently; a resolved status is applied only once every earlier status
// of the same sensor has been applied. Application (cache mutation, expiry
// rescheduling and publish) happens under a single gate shared with expiry
// callbacks and explicit deletes, so every Add/Update/Remove decision is
// consistent with one total order.
package pipeline
