// Package pool caches one agent session per user.
//
// Invariants:
// - At most one Session exists per user id; concurrent Acquire calls for an
//   unseen user share a single build.
// - A failed build leaves nothing behind: every resource it started is closed.
// - A session with an in-flight run is never swept.
// - LastUsedAt never moves backwards.
package pool
