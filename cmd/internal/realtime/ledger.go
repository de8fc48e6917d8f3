package realtime

import (
	"container/list"
	"sort"
	"time"
)

// ledgerKey identifies one pending message.
type ledgerKey struct {
	ConversationID string
	MessageID      string
}

type pendingMessage struct {
	key       ledgerKey
	awaiting  map[string]struct{}
	createdAt time.Time
	elem      *list.Element
}

// pendingLedger records, per conversation and message, the participants that
// were unreachable when the message was sent.
//
// Invariants:
//   - a message entry exists only while its awaiting set is non-empty
//   - a conversation entry exists only while it holds at least one message
//   - order holds every message entry in creation order (oldest first)
//
// Not safe for concurrent use; the Hub lock guards it.
type pendingLedger struct {
	convs      map[string]map[string]*pendingMessage
	order      *list.List
	maxEntries int
}

func newPendingLedger(maxEntries int) *pendingLedger {
	return &pendingLedger{
		convs:      make(map[string]map[string]*pendingMessage),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// add records userID as awaiting key. When the ledger exceeds maxEntries the
// oldest message entries are evicted and returned.
func (l *pendingLedger) add(key ledgerKey, userID string, now time.Time) []ledgerKey {
	msgs := l.convs[key.ConversationID]
	if msgs == nil {
		msgs = make(map[string]*pendingMessage)
		l.convs[key.ConversationID] = msgs
	}
	pm := msgs[key.MessageID]
	if pm == nil {
		pm = &pendingMessage{
			key:       key,
			awaiting:  make(map[string]struct{}),
			createdAt: now,
		}
		pm.elem = l.order.PushBack(pm)
		msgs[key.MessageID] = pm
	}
	pm.awaiting[userID] = struct{}{}

	var evicted []ledgerKey
	for l.maxEntries > 0 && l.order.Len() > l.maxEntries {
		oldest := l.order.Front().Value.(*pendingMessage)
		l.removeEntry(oldest)
		evicted = append(evicted, oldest.key)
	}
	return evicted
}

// resolve removes userID from every awaiting set, restricted to one
// conversation when conversationID is non-empty. It returns the messages
// whose awaiting set became empty by this call, each exactly once.
func (l *pendingLedger) resolve(userID, conversationID string) []ledgerKey {
	var scope []map[string]*pendingMessage
	if conversationID != "" {
		if msgs := l.convs[conversationID]; msgs != nil {
			scope = append(scope, msgs)
		}
	} else {
		for _, msgs := range l.convs {
			scope = append(scope, msgs)
		}
	}

	var done []ledgerKey
	for _, msgs := range scope {
		for _, pm := range msgs {
			if _, ok := pm.awaiting[userID]; !ok {
				continue
			}
			delete(pm.awaiting, userID)
			if len(pm.awaiting) == 0 {
				l.removeEntry(pm)
				done = append(done, pm.key)
			}
		}
	}
	sortKeys(done)
	return done
}

// expire drops message entries created before cutoff.
func (l *pendingLedger) expire(cutoff time.Time) []ledgerKey {
	var out []ledgerKey
	for e := l.order.Front(); e != nil; {
		pm := e.Value.(*pendingMessage)
		if !pm.createdAt.Before(cutoff) {
			break
		}
		e = e.Next()
		l.removeEntry(pm)
		out = append(out, pm.key)
	}
	return out
}

func (l *pendingLedger) removeEntry(pm *pendingMessage) {
	if msgs := l.convs[pm.key.ConversationID]; msgs != nil {
		delete(msgs, pm.key.MessageID)
		if len(msgs) == 0 {
			delete(l.convs, pm.key.ConversationID)
		}
	}
	if pm.elem != nil {
		l.order.Remove(pm.elem)
		pm.elem = nil
	}
}

// awaiting returns the sorted awaiting set for key, or nil when no entry exists.
func (l *pendingLedger) awaiting(key ledgerKey) []string {
	pm := l.convs[key.ConversationID][key.MessageID]
	if pm == nil {
		return nil
	}
	out := make([]string, 0, len(pm.awaiting))
	for id := range pm.awaiting {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// len returns the number of pending message entries.
func (l *pendingLedger) len() int { return l.order.Len() }

func (l *pendingLedger) conversationCount() int { return len(l.convs) }

func sortKeys(keys []ledgerKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ConversationID != keys[j].ConversationID {
			return keys[i].ConversationID < keys[j].ConversationID
		}
		return keys[i].MessageID < keys[j].MessageID
	})
}
