package realtime

import "time"

// Transport limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Hub defaults.
const (
	defaultSweepInterval    = 5 * time.Minute
	defaultStaleTimeout     = 10 * time.Minute
	defaultDeliveredDelay   = 100 * time.Millisecond
	defaultLedgerMaxAge     = 72 * time.Hour
	defaultLedgerMaxEntries = 100_000

	// Upper bound for one presence mirror write.
	mirrorTimeout = 2 * time.Second
)
