package raft

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no test leaves a timer or send goroutine running:
// the Dispatcher arms time.AfterFunc timers and, per carryOutLocked, spawns a
// goroutine per outbound send, both of which must be accounted for by test
// teardown (Dispatcher.Close / an election settling before the test ends).
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// time.AfterFunc's runtime timer goroutine is a false positive: it is
		// parked in the runtime between firings and is not something this
		// package's callers can wait on directly.
		goleak.IgnoreTopFunction("time.goFunc"),
	)
}
