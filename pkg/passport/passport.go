// Package passport mints and validates admission tokens: opaque local
// passports stored in the shared store, and Ed25519-signed cross-node
// passports for cluster handoffs.
package passport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cerberus/internal/cerberr"
	"github.com/wisbric/cerberus/internal/telemetry"
)

// keyPrefix namespaces local passport tokens in the shared store.
const keyPrefix = "passport:"

// Record is the JSON body stored under passport:<token>.
type Record struct {
	CircuitID string `json:"circuit_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Service mints and validates local passports. Membership in the store
// implies validity; the store TTL is the single source of expiry.
type Service struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a local passport service with the given token TTL.
func NewService(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{rdb: rdb, ttl: ttl, logger: logger}
}

// TTL returns the configured passport lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Mint creates a fresh passport for the circuit and stores it. The token is
// 256 random bits, base64url-encoded.
func (s *Service) Mint(ctx context.Context, circuitID string) (token string, expiresAt int64, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", 0, cerberr.Wrap(cerberr.Internal, "generating passport token", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now().Unix()
	expiresAt = now + int64(s.ttl.Seconds())
	rec, err := json.Marshal(Record{CircuitID: circuitID, IssuedAt: now, ExpiresAt: expiresAt})
	if err != nil {
		return "", 0, fmt.Errorf("encoding passport record: %w", err)
	}

	if err := s.rdb.Set(ctx, keyPrefix+token, rec, s.ttl).Err(); err != nil {
		return "", 0, cerberr.Wrap(cerberr.Store, "storing passport", err)
	}

	telemetry.PassportsIssuedTotal.Inc()
	s.logger.Debug("passport minted", "circuit_id", circuitID, "expires_at", expiresAt)
	return token, expiresAt, nil
}

// Validate reports whether the token is live. A valid access touches the key
// by re-applying its remaining TTL, which is idempotent.
func (s *Service) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := keyPrefix + token

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, cerberr.Wrap(cerberr.Store, "checking passport", err)
	}
	if exists == 0 {
		return false, nil
	}

	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		_ = s.rdb.Expire(ctx, key, ttl).Err()
	}
	return true, nil
}

// Get returns the stored record for a token, or nil when absent.
func (s *Service) Get(ctx context.Context, token string) (*Record, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+token).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, cerberr.Wrap(cerberr.Store, "fetching passport", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding passport record: %w", err)
	}
	return &rec, nil
}
