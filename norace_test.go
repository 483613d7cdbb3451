//go:build !race

package lspstdio

import "testing"

func skipRace(testing.TB) {}
