package federator

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTrackerExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewTracker(clock, 10*time.Minute)

	tracker.Add("_req1")
	if !tracker.Known("_req1") {
		t.Error("Known(_req1) = false right after Add")
	}
	if tracker.Known("_other") {
		t.Error("Known(_other) = true, never added")
	}

	clock.Advance(11 * time.Minute)
	if tracker.Known("_req1") {
		t.Error("Known(_req1) = true after TTL")
	}

	// The sweep in Add drops the expired entry.
	tracker.Add("_req2")
	tracker.mu.Lock()
	_, stale := tracker.ids["_req1"]
	tracker.mu.Unlock()
	if stale {
		t.Error("expired entry survived the sweep")
	}
}

func TestTrackerIgnoresEmptyID(t *testing.T) {
	tracker := NewTracker(clockwork.NewFakeClock(), time.Minute)
	tracker.Add("")
	if tracker.Known("") {
		t.Error("Known(\"\") = true, empty IDs must not be tracked")
	}
}
