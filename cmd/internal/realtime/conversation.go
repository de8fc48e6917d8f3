package realtime

import (
	v1 "relay/shared/contracts/realtime/v1"
)

// conversationGroup is the set of connections currently subscribed to a
// conversation's broadcasts, keyed by session id.
// Not safe for concurrent use; the Hub lock guards it.
type conversationGroup struct {
	id      string
	members map[string]*Client
}

func newConversationGroup(id string) *conversationGroup {
	return &conversationGroup{
		id:      id,
		members: make(map[string]*Client),
	}
}

func (g *conversationGroup) add(c *Client) {
	g.members[c.SessionID] = c
}

// remove reports whether c was subscribed.
func (g *conversationGroup) remove(c *Client) bool {
	cur, ok := g.members[c.SessionID]
	if !ok || cur != c {
		return false
	}
	delete(g.members, c.SessionID)
	return true
}

func (g *conversationGroup) has(c *Client) bool {
	cur, ok := g.members[c.SessionID]
	return ok && cur == c
}

func (g *conversationGroup) empty() bool { return len(g.members) == 0 }

// snapshot copies the member list so fanout can happen outside the Hub lock.
func (g *conversationGroup) snapshot() []*Client {
	out := make([]*Client, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

// fanout offers env to every target without blocking and returns how many
// targets dropped it (queue full or shutting down).
func fanout(targets []*Client, env v1.Envelope) (dropped int) {
	for _, t := range targets {
		if !t.offer(env) {
			dropped++
		}
	}
	return dropped
}
