package app

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := LoadConfig(MapEnv(nil))

	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected http/log defaults: %+v", cfg)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("SweepInterval=%s", cfg.SweepInterval)
	}
	if cfg.Hub.StaleTimeout != 10*time.Minute || cfg.Hub.DeliveredDelay != 100*time.Millisecond {
		t.Fatalf("unexpected hub timing: %+v", cfg.Hub)
	}
	if cfg.Hub.LedgerMaxAge != 72*time.Hour || cfg.Hub.LedgerMaxEntries != 100000 {
		t.Fatalf("unexpected ledger bounds: %+v", cfg.Hub)
	}
	if !cfg.Gateway.OriginRequired || len(cfg.Gateway.AllowedOrigins) == 0 {
		t.Fatalf("gateway must default to a required origin allowlist: %+v", cfg.Gateway)
	}
	if cfg.RequireMembership || cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("external stores must be off by default: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	cfg := LoadConfig(MapEnv(map[string]string{
		"RELAY_HTTP_ADDR":          "127.0.0.1:9000",
		"RELAY_LOG_FORMAT":         "TEXT",
		"RELAY_STALE_TIMEOUT":      "2m",
		"RELAY_DELIVERED_DELAY":    "50ms",
		"RELAY_LEDGER_MAX_ENTRIES": "10",
		"RELAY_WS_ALLOWED_ORIGINS": "https://chat.example.com, http://localhost:5173",
		"RELAY_WS_ORIGIN_REQUIRED": "false",
		"RELAY_WS_RATE_EVENTS":     "5",
		"RELAY_SHUTDOWN_GRACE":     "3s",
		"RELAY_REQUIRE_MEMBERSHIP": "true",
		"RELAY_DATABASE_URL":       "postgres://relay@localhost/relay",
		"RELAY_MEMBERSHIP_SCHEMA":  "app",
	}))

	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.LogFormat != "text" {
		t.Fatalf("unexpected http/log: %+v", cfg)
	}
	if cfg.Hub.StaleTimeout != 2*time.Minute || cfg.Hub.DeliveredDelay != 50*time.Millisecond || cfg.Hub.LedgerMaxEntries != 10 {
		t.Fatalf("unexpected hub config: %+v", cfg.Hub)
	}
	want := []string{"https://chat.example.com", "http://localhost:5173"}
	if !reflect.DeepEqual(cfg.Gateway.AllowedOrigins, want) {
		t.Fatalf("AllowedOrigins=%v want %v", cfg.Gateway.AllowedOrigins, want)
	}
	if cfg.Gateway.OriginRequired || cfg.Gateway.RateEvents != 5 {
		t.Fatalf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.ShutdownGrace != 3*time.Second {
		t.Fatalf("ShutdownGrace=%s", cfg.ShutdownGrace)
	}
	if !cfg.RequireMembership || cfg.MembershipSchema != "app" || cfg.MembershipTable != "conversation_participants" {
		t.Fatalf("unexpected membership config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	base := LoadConfig(MapEnv(nil))

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "membership without database",
			mutate:  func(c *Config) { c.RequireMembership = true },
			wantErr: "RELAY_REQUIRE_MEMBERSHIP",
		},
		{
			name:    "readiness without database",
			mutate:  func(c *Config) { c.ReadinessRequireDB = true },
			wantErr: "RELAY_READINESS_REQUIRE_DB",
		},
		{
			name: "min conns above max",
			mutate: func(c *Config) {
				c.DBMinConns = 20
				c.DBMaxConns = 5
			},
			wantErr: "RELAY_DB_MIN_CONNS",
		},
		{
			name: "presence ttl shorter than stale timeout",
			mutate: func(c *Config) {
				c.RedisURL = "redis://localhost:6379/0"
				c.PresenceTTL = time.Minute
			},
			wantErr: "RELAY_PRESENCE_TTL",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "RELAY_LOG_FORMAT",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate()=%v want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}
