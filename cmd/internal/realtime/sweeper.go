package realtime

import (
	"context"
	"log/slog"
	"time"
)

// SweepResult reports what one sweep removed.
type SweepResult struct {
	Evicted []string
	Expired int
}

// Sweep evicts every session whose last activity is older than the stale
// timeout and drops pending deliveries older than the ledger max age.
// Each eviction runs the same cascade as a disconnect, and the evicted
// connection is closed.
func (h *Hub) Sweep() SweepResult {
	now := h.now()

	h.mu.Lock()
	candidates := h.presence.stale(now, h.cfg.StaleTimeout)
	h.mu.Unlock()

	var res SweepResult
	for _, userID := range candidates {
		if h.evictIfStale(userID, now) {
			res.Evicted = append(res.Evicted, userID)
		}
	}

	h.mu.Lock()
	expired := h.ledger.expire(now.Add(-h.cfg.LedgerMaxAge))
	h.observeLocked()
	h.mu.Unlock()

	res.Expired = len(expired)
	if res.Expired > 0 {
		h.metrics.addLedgerEvictions("expired", res.Expired)
		h.log.Info("hub.ledger.expired", "count", res.Expired, "max_age", h.cfg.LedgerMaxAge.String())
	}
	return res
}

// evictIfStale re-checks staleness under the lock, so a ping that landed
// after the candidate snapshot keeps the session alive.
func (h *Hub) evictIfStale(userID string, now time.Time) bool {
	h.mu.Lock()
	at, ok := h.presence.lastActivityAt(userID)
	if !ok || now.Sub(at) <= h.cfg.StaleTimeout {
		h.mu.Unlock()
		return false
	}
	c, ok := h.sessions.lookup(userID)
	if !ok {
		h.presence.remove(userID)
		h.mu.Unlock()
		h.log.Warn("hub.sweep.orphan_presence", "user_id", userID)
		return false
	}
	outs, _ := h.teardownLocked(userID, c, at)
	h.observeLocked()
	h.mu.Unlock()

	c.closeWithReason(closeReasonStale)
	h.emit(outs...)
	h.metrics.incSweeperEviction()
	h.startMirror("offline", userID, func(ctx context.Context) error {
		return h.mirror.MarkOffline(ctx, userID, at)
	})
	h.log.Info("hub.sweep.evict", "user_id", userID, "session_id", c.SessionID, "last_activity", at.Format(time.RFC3339))
	return true
}

// Sweeper runs Hub.Sweep on a fixed interval.
type Sweeper struct {
	log      *slog.Logger
	hub      *Hub
	interval time.Duration
}

// NewSweeper constructs a Sweeper. interval <= 0 uses five minutes.
func NewSweeper(log *slog.Logger, hub *Hub, interval time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{log: log, hub: hub, interval: interval}
}

// Run sweeps until ctx is done. It always returns nil.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.log.Info("sweeper.start", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper.stop")
			return nil
		case <-t.C:
			res := s.hub.Sweep()
			if len(res.Evicted) > 0 {
				s.log.Debug("sweeper.tick", "evicted", len(res.Evicted), "expired", res.Expired)
			}
		}
	}
}
