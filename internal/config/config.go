package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all gateway configuration, loaded from environment variables.
// CLI flags in cmd/cerberus override the corresponding fields after Load.
type Config struct {
	// Server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8888"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Node identity. Auto-generated when empty.
	NodeID string `env:"CERBERUS_NODE_ID"`

	// Initial threat level (0-10), used when the shared store has none.
	InitialThreatLevel int `env:"CERBERUS_THREAT_LEVEL" envDefault:"5"`

	// Admin API bearer token. Empty disables the /admin surface.
	AdminToken string `env:"CERBERUS_ADMIN_TOKEN"`

	// CAPTCHA
	ChallengeTTLSecs int `env:"CERBERUS_CHALLENGE_TTL_SECS" envDefault:"300"`
	PassportTTLSecs  int `env:"CERBERUS_PASSPORT_TTL_SECS" envDefault:"600"`

	// Circuit tracking / rate limiting
	CircuitTTLSecs       int `env:"CERBERUS_CIRCUIT_TTL_SECS" envDefault:"1800"`
	MaxFailedAttempts    int `env:"CERBERUS_MAX_FAILED_ATTEMPTS" envDefault:"5"`
	SoftLockDurationSecs int `env:"CERBERUS_SOFT_LOCK_SECS" envDefault:"1800"`
	BanDurationSecs      int `env:"CERBERUS_BAN_SECS" envDefault:"3600"`
	MaxRequestsPerMinute int `env:"CERBERUS_MAX_REQUESTS_PER_MINUTE" envDefault:"60"`

	// Ammo box
	AmmoRAMCapacity  int    `env:"CERBERUS_AMMO_RAM_CAPACITY" envDefault:"10000"`
	AmmoCacheDir     string `env:"CERBERUS_AMMO_CACHE_DIR" envDefault:"/var/lib/cerberus/ammo"`
	AmmoMaxDiskCache int    `env:"CERBERUS_AMMO_MAX_DISK_CACHE" envDefault:"100000"`
	AmmoMinDiskFree  int    `env:"CERBERUS_AMMO_MIN_DISK_FREE_GB" envDefault:"5"`
	AmmoDumpInterval int    `env:"CERBERUS_AMMO_DUMP_INTERVAL_SECS" envDefault:"300"`

	// Cluster gossip. Disabled when GossipPeers is empty.
	GossipBindAddr     string   `env:"CERBERUS_GOSSIP_BIND" envDefault:"0.0.0.0:9000"`
	GossipPeers        []string `env:"CERBERUS_GOSSIP_PEERS" envSeparator:","`
	GossipIntervalSecs int      `env:"CERBERUS_GOSSIP_INTERVAL_SECS" envDefault:"5"`
	PeerTimeoutSecs    int      `env:"CERBERUS_PEER_TIMEOUT_SECS" envDefault:"30"`
	IsolationThreshold float64  `env:"CERBERUS_ISOLATION_THRESHOLD" envDefault:"0.5"`

	// Cross-node passports
	PassportKeyPath  string            `env:"CERBERUS_PASSPORT_KEY_PATH"`
	PassportTokenTTL int               `env:"CERBERUS_PASSPORT_TOKEN_TTL_SECS" envDefault:"30"`
	PeerPublicKeys   map[string]string `env:"CERBERUS_PEER_PUBKEYS"`

	// HAProxy runtime API (optional — no-op when the socket is absent)
	HAProxySocket     string `env:"CERBERUS_HAPROXY_SOCKET" envDefault:"/var/run/haproxy.sock"`
	HAProxyStickTable string `env:"CERBERUS_HAPROXY_STICK_TABLE" envDefault:"be_stick_tables"`

	// Slack (optional — if not set, ops notifications are disabled)
	SlackBotToken   string `env:"SLACK_BOT_TOKEN"`
	SlackOpsChannel string `env:"SLACK_OPS_CHANNEL"`
}

// Load reads configuration from environment variables and fills in the node
// identity when none is configured.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = generateNodeID()
	}
	return cfg, nil
}

// generateNodeID returns a random node identifier of the form node-xxxxxxxx.
func generateNodeID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "node-" + hex.EncodeToString(b)
}
