package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownGrace     time.Duration

	SweepInterval time.Duration
	Hub           realtime.HubConfig
	Gateway       realtime.GatewayConfig

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// RequireMembership gates conversation:join on the participants table.
	RequireMembership bool
	MembershipSchema  string
	MembershipTable   string

	RedisURL    string
	RedisPrefix string
	PresenceTTL time.Duration
}

// LoadConfig loads Config from env with defaults.
func LoadConfig(env Env) Config {
	gw := realtime.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  env.String("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("RELAY_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(env.String("RELAY_LOG_FORMAT", "json")),

		ReadHeaderTimeout: env.Duration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       env.Duration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    env.Int("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownGrace:     env.Duration("RELAY_SHUTDOWN_GRACE", 10*time.Second),

		SweepInterval: env.Duration("RELAY_SWEEP_INTERVAL", 5*time.Minute),
		Hub: realtime.HubConfig{
			StaleTimeout:     env.Duration("RELAY_STALE_TIMEOUT", 10*time.Minute),
			DeliveredDelay:   env.Duration("RELAY_DELIVERED_DELAY", 100*time.Millisecond),
			LedgerMaxAge:     env.Duration("RELAY_LEDGER_MAX_AGE", 72*time.Hour),
			LedgerMaxEntries: env.Int("RELAY_LEDGER_MAX_ENTRIES", 100000),
		},
		Gateway: realtime.GatewayConfig{
			DevInsecure:       env.Bool("RELAY_WS_DEV_INSECURE", false),
			OriginRequired:    env.Bool("RELAY_WS_ORIGIN_REQUIRED", gw.OriginRequired),
			AllowedOrigins:    env.List("RELAY_WS_ALLOWED_ORIGINS", gw.AllowedOrigins),
			WriteTimeout:      env.Duration("RELAY_WS_WRITE_TIMEOUT", gw.WriteTimeout),
			ReadIdleTimeout:   env.Duration("RELAY_WS_READ_IDLE_TIMEOUT", gw.ReadIdleTimeout),
			SendQueueSize:     env.Int("RELAY_WS_SEND_QUEUE", gw.SendQueueSize),
			HeartbeatInterval: env.Duration("RELAY_WS_HEARTBEAT_INTERVAL", gw.HeartbeatInterval),
			HeartbeatTimeout:  env.Duration("RELAY_WS_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout),
			RateEvents:        env.Int("RELAY_WS_RATE_EVENTS", gw.RateEvents),
			RateWindow:        env.Duration("RELAY_WS_RATE_WINDOW", gw.RateWindow),
		},

		DatabaseURL: env.String("RELAY_DATABASE_URL", ""),
		DBMaxConns:  env.Int32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  env.Int32("RELAY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: env.Bool("RELAY_READINESS_REQUIRE_DB", false),

		RequireMembership: env.Bool("RELAY_REQUIRE_MEMBERSHIP", false),
		MembershipSchema:  env.String("RELAY_MEMBERSHIP_SCHEMA", "chat"),
		MembershipTable:   env.String("RELAY_MEMBERSHIP_TABLE", "conversation_participants"),

		RedisURL:    env.String("RELAY_REDIS_URL", ""),
		RedisPrefix: env.String("RELAY_REDIS_PREFIX", "relay:"),
		PresenceTTL: env.Duration("RELAY_PRESENCE_TTL", 15*time.Minute),
	}
}

// Validate rejects combinations the runtime cannot honor.
func (c Config) Validate() error {
	if c.RequireMembership && c.DatabaseURL == "" {
		return errors.New("config: RELAY_REQUIRE_MEMBERSHIP=true requires RELAY_DATABASE_URL")
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return errors.New("config: RELAY_READINESS_REQUIRE_DB=true requires RELAY_DATABASE_URL")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("config: RELAY_DB_MIN_CONNS (%d) exceeds RELAY_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RedisURL != "" && c.PresenceTTL <= c.Hub.StaleTimeout {
		// A live user would expire from the mirror before the sweeper evicts them.
		return fmt.Errorf("config: RELAY_PRESENCE_TTL (%s) must exceed RELAY_STALE_TIMEOUT (%s)", c.PresenceTTL, c.Hub.StaleTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown RELAY_LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}
