package realtime

import (
	"reflect"
	"testing"
	"time"
)

func TestPresenceStore_TouchListAndStale(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newPresenceStore()

	p.touch("carol", base)
	p.touch("alice", base.Add(-20*time.Minute))
	p.touch("bob", base.Add(-5*time.Minute))

	if got, want := p.listOnline(), []string{"alice", "bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("listOnline = %v, want %v", got, want)
	}

	if got, want := p.stale(base, 10*time.Minute), []string{"alice"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("stale = %v, want %v", got, want)
	}

	// Exactly at the threshold is not stale.
	if got := p.stale(base.Add(5*time.Minute), 10*time.Minute); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("boundary: stale = %v", got)
	}

	p.touch("alice", base)
	if got := p.stale(base, 10*time.Minute); len(got) != 0 {
		t.Fatalf("expected no stale users after touch, got %v", got)
	}

	at, ok := p.lastActivityAt("alice")
	if !ok || !at.Equal(base) {
		t.Fatalf("lastActivityAt = %v %v", at, ok)
	}

	p.remove("alice")
	p.remove("alice")
	if p.len() != 2 {
		t.Fatalf("expected 2 entries, got %d", p.len())
	}
}
