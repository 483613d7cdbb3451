//go:build race

package transport

import "testing"

// skipRace skips tests that push messages through the lfq SPSC queue. The
// race detector cannot see the queue's cross-variable memory ordering and
// reports false positives.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: SPSC uses cross-variable memory ordering")
}
