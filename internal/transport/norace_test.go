//go:build !race

package transport

import "testing"

func skipRace(testing.TB) {}
