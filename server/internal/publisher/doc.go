// Package publisher fans change events out to subscribers. Each subscription
// owns a queue drained by its own goroutine, so Publish never blocks on a
// slow consumer; what happens when a queue grows is chosen by an explicit
// overflow policy.
package publisher
