// Package store holds the latest sensor status per key together with its
// expiry timer. Every entry owns a token; an expiry callback may only remove
// the entry it was armed for, so a superseded timer that fires late is a
// no-op. The clock is injectable for deterministic tests (see storetest).
package store
