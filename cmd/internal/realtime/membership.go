package realtime

// membershipDirectory records which conversations each user's current
// connection has joined, and owns the conversation groups those joins
// subscribe to. Not safe for concurrent use; the Hub lock guards it.
type membershipDirectory struct {
	byUser map[string]map[string]struct{}
	groups map[string]*conversationGroup
}

func newMembershipDirectory() *membershipDirectory {
	return &membershipDirectory{
		byUser: make(map[string]map[string]struct{}),
		groups: make(map[string]*conversationGroup),
	}
}

// join adds conversationID to userID's set and subscribes c to the group.
// It reports false when the membership already existed.
func (m *membershipDirectory) join(userID, conversationID string, c *Client) bool {
	convs := m.byUser[userID]
	if convs == nil {
		convs = make(map[string]struct{})
		m.byUser[userID] = convs
	}
	_, existed := convs[conversationID]
	convs[conversationID] = struct{}{}

	g := m.groups[conversationID]
	if g == nil {
		g = newConversationGroup(conversationID)
		m.groups[conversationID] = g
	}
	subscribed := g.has(c)
	g.add(c)
	return !(existed && subscribed)
}

// leave is the inverse of join. It reports false when nothing changed.
func (m *membershipDirectory) leave(userID, conversationID string, c *Client) bool {
	changed := false
	if convs := m.byUser[userID]; convs != nil {
		if _, ok := convs[conversationID]; ok {
			delete(convs, conversationID)
			changed = true
		}
		if len(convs) == 0 {
			delete(m.byUser, userID)
		}
	}
	if m.unsubscribe(conversationID, c) {
		changed = true
	}
	return changed
}

// drop removes every membership of userID and unsubscribes c from those
// groups. Used by session teardown and takeover.
func (m *membershipDirectory) drop(userID string, c *Client) []string {
	convs := m.byUser[userID]
	delete(m.byUser, userID)

	out := make([]string, 0, len(convs))
	for convID := range convs {
		m.unsubscribe(convID, c)
		out = append(out, convID)
	}
	return out
}

func (m *membershipDirectory) unsubscribe(conversationID string, c *Client) bool {
	g := m.groups[conversationID]
	if g == nil {
		return false
	}
	removed := g.remove(c)
	if g.empty() {
		delete(m.groups, conversationID)
	}
	return removed
}

func (m *membershipDirectory) isSubscribed(conversationID string, c *Client) bool {
	g := m.groups[conversationID]
	return g != nil && g.has(c)
}

// subscribers returns a copy of the group's connections.
func (m *membershipDirectory) subscribers(conversationID string) []*Client {
	g := m.groups[conversationID]
	if g == nil {
		return nil
	}
	return g.snapshot()
}

func (m *membershipDirectory) conversationsOf(userID string) []string {
	convs := m.byUser[userID]
	out := make([]string, 0, len(convs))
	for id := range convs {
		out = append(out, id)
	}
	return out
}

func (m *membershipDirectory) groupCount() int { return len(m.groups) }
