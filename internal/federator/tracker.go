package federator

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker remembers the IDs of AuthnRequests forwarded to identity
// providers so responses can be matched back to a request this proxy
// actually issued. Entries expire after the configured TTL; an identity
// provider that answers later than that is outside the profile's clock
// tolerances anyway.
type Tracker struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu  sync.Mutex
	ids map[string]time.Time
}

func NewTracker(clock clockwork.Clock, ttl time.Duration) *Tracker {
	return &Tracker{
		clock: clock,
		ttl:   ttl,
		ids:   make(map[string]time.Time),
	}
}

// Add records a forwarded request ID and sweeps expired entries.
func (t *Tracker) Add(id string) {
	if id == "" {
		return
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for existing, expires := range t.ids {
		if !now.Before(expires) {
			delete(t.ids, existing)
		}
	}
	t.ids[id] = now.Add(t.ttl)
}

// Known reports whether the ID belongs to a pending forwarded request.
func (t *Tracker) Known(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expires, ok := t.ids[id]
	return ok && t.clock.Now().Before(expires)
}
