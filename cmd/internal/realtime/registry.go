package realtime

// registry maps a user identity to its single active connection.
// Not safe for concurrent use; the Hub lock guards it.
type registry struct {
	byUser map[string]*Client
}

func newRegistry() *registry {
	return &registry{byUser: make(map[string]*Client)}
}

// register binds userID to c, last writer wins. It returns the displaced
// handle, or nil when there was none (or it was c itself).
func (r *registry) register(userID string, c *Client) *Client {
	prev := r.byUser[userID]
	r.byUser[userID] = c
	if prev == c {
		return nil
	}
	return prev
}

func (r *registry) lookup(userID string) (*Client, bool) {
	c, ok := r.byUser[userID]
	return c, ok
}

// remove is a no-op when userID is not registered.
func (r *registry) remove(userID string) {
	delete(r.byUser, userID)
}

// removeIf removes userID only while it is still bound to c. A replaced
// connection going away must not tear down the session that replaced it.
func (r *registry) removeIf(userID string, c *Client) bool {
	if cur, ok := r.byUser[userID]; !ok || cur != c {
		return false
	}
	delete(r.byUser, userID)
	return true
}

func (r *registry) clients() []*Client {
	out := make([]*Client, 0, len(r.byUser))
	for _, c := range r.byUser {
		out = append(out, c)
	}
	return out
}

func (r *registry) len() int { return len(r.byUser) }
