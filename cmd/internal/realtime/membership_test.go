package realtime

import (
	"sort"
	"testing"
)

func TestMembershipDirectory_JoinLeaveIdempotent(t *testing.T) {
	t.Parallel()

	m := newMembershipDirectory()
	c := NewClient("s-1", 1)

	if !m.join("alice", "c1", c) {
		t.Fatalf("first join should report a change")
	}
	if m.join("alice", "c1", c) {
		t.Fatalf("second join should be a no-op")
	}
	if !m.isSubscribed("c1", c) {
		t.Fatalf("expected subscription")
	}

	if !m.leave("alice", "c1", c) {
		t.Fatalf("first leave should report a change")
	}
	if m.leave("alice", "c1", c) {
		t.Fatalf("second leave should be a no-op")
	}
	if m.isSubscribed("c1", c) {
		t.Fatalf("expected no subscription")
	}
	if m.groupCount() != 0 {
		t.Fatalf("empty groups must be removed, have %d", m.groupCount())
	}
	if len(m.byUser) != 0 {
		t.Fatalf("empty membership sets must be removed")
	}
}

func TestMembershipDirectory_DropClearsEveryGroup(t *testing.T) {
	t.Parallel()

	m := newMembershipDirectory()
	alice := NewClient("s-a", 1)
	bob := NewClient("s-b", 1)

	m.join("alice", "c1", alice)
	m.join("alice", "c2", alice)
	m.join("bob", "c1", bob)

	got := m.drop("alice", alice)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("drop returned %v", got)
	}

	if m.isSubscribed("c1", alice) || m.isSubscribed("c2", alice) {
		t.Fatalf("alice still subscribed after drop")
	}
	if !m.isSubscribed("c1", bob) {
		t.Fatalf("bob must stay subscribed to c1")
	}
	if len(m.conversationsOf("alice")) != 0 {
		t.Fatalf("alice memberships not cleared")
	}
	if m.groupCount() != 1 {
		t.Fatalf("expected only c1 group left, have %d", m.groupCount())
	}
}

func TestMembershipDirectory_SubscribersIsACopy(t *testing.T) {
	t.Parallel()

	m := newMembershipDirectory()
	a := NewClient("s-a", 1)
	b := NewClient("s-b", 1)
	m.join("alice", "c1", a)
	m.join("bob", "c1", b)

	subs := m.subscribers("c1")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}
	subs[0] = nil
	if len(m.subscribers("c1")) != 2 || m.subscribers("c1")[0] == nil {
		t.Fatalf("mutating the snapshot must not affect the group")
	}
	if m.subscribers("missing") != nil {
		t.Fatalf("expected nil for unknown conversation")
	}
}
