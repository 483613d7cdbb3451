//go:build race

package lspstdio

import "testing"

// skipRace skips end-to-end tests: their messages cross the lfq SPSC queue,
// which the race detector misreports.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: SPSC uses cross-variable memory ordering")
}
