package realtime

import (
	"sort"
	"time"
)

// presenceStore tracks last activity per online user.
// Not safe for concurrent use; the Hub lock guards it.
type presenceStore struct {
	lastActivity map[string]time.Time
}

func newPresenceStore() *presenceStore {
	return &presenceStore{lastActivity: make(map[string]time.Time)}
}

func (p *presenceStore) touch(userID string, now time.Time) {
	p.lastActivity[userID] = now
}

func (p *presenceStore) lastActivityAt(userID string) (time.Time, bool) {
	t, ok := p.lastActivity[userID]
	return t, ok
}

func (p *presenceStore) remove(userID string) {
	delete(p.lastActivity, userID)
}

// listOnline returns online user ids in lexical order.
func (p *presenceStore) listOnline() []string {
	out := make([]string, 0, len(p.lastActivity))
	for id := range p.lastActivity {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// stale returns a snapshot of users whose inactivity exceeds threshold at now.
func (p *presenceStore) stale(now time.Time, threshold time.Duration) []string {
	var out []string
	for id, at := range p.lastActivity {
		if now.Sub(at) > threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *presenceStore) len() int { return len(p.lastActivity) }
