package realtime

import (
	"context"
	"reflect"
	"testing"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSweep_EvictsStaleSessionsWithCascade(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newTestHub(t, HubConfig{StaleTimeout: 10 * time.Minute}, WithClock(clock.Now), WithMetrics(m))

	stale := mustIdentify(t, h, "stale")
	mustJoin(t, h, stale, "c1")
	mustJoin(t, h, stale, "c2")
	fresh := mustIdentify(t, h, "fresh")
	mustJoin(t, h, fresh, "c1")
	drain(fresh)

	clock.Advance(8 * time.Minute)
	h.Heartbeat(fresh)
	staleSince := clock.Now().Add(-8 * time.Minute)

	clock.Advance(3 * time.Minute)
	res := h.Sweep()

	if !reflect.DeepEqual(res.Evicted, []string{"stale"}) {
		t.Fatalf("evicted = %v", res.Evicted)
	}
	if stale.CloseReason() != closeReasonStale {
		t.Fatalf("stale connection close reason = %q", stale.CloseReason())
	}

	h.mu.Lock()
	_, inRegistry := h.sessions.lookup("stale")
	_, inPresence := h.presence.lastActivityAt("stale")
	memberships := len(h.members.conversationsOf("stale"))
	subscribed := h.members.isSubscribed("c1", stale)
	h.mu.Unlock()
	if inRegistry || inPresence || memberships != 0 || subscribed {
		t.Fatalf("cascade incomplete: registry=%v presence=%v memberships=%d subscribed=%v",
			inRegistry, inPresence, memberships, subscribed)
	}

	got := drain(fresh)
	if st := ofType(got, v1.TypeUserStatus); len(st) != 1 {
		t.Fatalf("expected one offline status, got %d", len(st))
	}
	ls := ofType(got, v1.TypeUserLastSeen)
	if len(ls) != 1 {
		t.Fatalf("expected one last-seen, got %d", len(ls))
	}
	if p := decodeAs[v1.UserLastSeenPayload](t, ls[0]); !p.LastSeen.Equal(staleSince) {
		t.Fatalf("lastSeen = %v, want last activity %v", p.LastSeen, staleSince)
	}

	if got := testutil.ToFloat64(m.sweeperEvictions); got != 1 {
		t.Fatalf("sweeper_evictions_total = %v", got)
	}
	assertTablesConsistent(t, h)

	// A second sweep finds nothing.
	if res := h.Sweep(); len(res.Evicted) != 0 {
		t.Fatalf("second sweep evicted %v", res.Evicted)
	}
}

func TestSweep_ExpiresOldPendingDeliveries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHub(t, HubConfig{LedgerMaxAge: time.Hour, StaleTimeout: 24 * time.Hour}, WithClock(clock.Now))
	a := mustIdentify(t, h, "A")

	sendMessage(t, h, a, "old", "c1", "A", "B")
	clock.Advance(50 * time.Minute)
	sendMessage(t, h, a, "new", "c1", "A", "B")
	clock.Advance(20 * time.Minute)

	res := h.Sweep()
	if res.Expired != 1 {
		t.Fatalf("expired = %d", res.Expired)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ledger.awaiting(ledgerKey{"c1", "old"}) != nil {
		t.Fatalf("old entry should be expired")
	}
	if h.ledger.awaiting(ledgerKey{"c1", "new"}) == nil {
		t.Fatalf("new entry should survive")
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHub(t, HubConfig{StaleTimeout: time.Minute}, WithClock(clock.Now))
	c := mustIdentify(t, h, "alice")
	clock.Advance(2 * time.Minute)

	s := NewSweeper(discardLogger(), h, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not evict the stale session")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
