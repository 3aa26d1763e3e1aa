package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{
			name:  "default listen addr",
			check: func(c *Config) bool { return c.ListenAddr == "127.0.0.1:8888" },
		},
		{
			name:  "default redis url",
			check: func(c *Config) bool { return c.RedisURL == "redis://127.0.0.1:6379" },
		},
		{
			name:  "default passport ttl is 600s",
			check: func(c *Config) bool { return c.PassportTTLSecs == 600 },
		},
		{
			name:  "default challenge ttl is 300s",
			check: func(c *Config) bool { return c.ChallengeTTLSecs == 300 },
		},
		{
			name:  "default max failed attempts is 5",
			check: func(c *Config) bool { return c.MaxFailedAttempts == 5 },
		},
		{
			name:  "default soft lock is 30 minutes",
			check: func(c *Config) bool { return c.SoftLockDurationSecs == 1800 },
		},
		{
			name:  "default ban is one hour",
			check: func(c *Config) bool { return c.BanDurationSecs == 3600 },
		},
		{
			name:  "default ammo capacity is 10000",
			check: func(c *Config) bool { return c.AmmoRAMCapacity == 10000 },
		},
		{
			name:  "default disk cache cap is 100000",
			check: func(c *Config) bool { return c.AmmoMaxDiskCache == 100000 },
		},
		{
			name:  "default gossip bind",
			check: func(c *Config) bool { return c.GossipBindAddr == "0.0.0.0:9000" },
		},
		{
			name:  "default peer timeout is 30s",
			check: func(c *Config) bool { return c.PeerTimeoutSecs == 30 },
		},
		{
			name:  "default isolation threshold is 0.5",
			check: func(c *Config) bool { return c.IsolationThreshold == 0.5 },
		},
		{
			name:  "default threat level is 5",
			check: func(c *Config) bool { return c.InitialThreatLevel == 5 },
		},
		{
			name:  "admin surface disabled by default",
			check: func(c *Config) bool { return c.AdminToken == "" },
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected default in %+v", cfg)
			}
		})
	}
}

func TestLoadGeneratesNodeID(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !strings.HasPrefix(cfg.NodeID, "node-") {
		t.Errorf("NodeID = %q, want node-xxxxxxxx", cfg.NodeID)
	}
	if len(cfg.NodeID) != len("node-")+8 {
		t.Errorf("NodeID = %q, want 8 hex chars after prefix", cfg.NodeID)
	}

	other := generateNodeID()
	if other == cfg.NodeID {
		t.Errorf("generateNodeID() returned duplicate %q", other)
	}
}
