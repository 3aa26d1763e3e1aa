package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cerberus/internal/cerberr"
	"github.com/wisbric/cerberus/internal/telemetry"
)

const (
	keyPrefix          = "circuit:"
	rateLimitKeyPrefix = "ratelimit:"
)

// TrackerConfig holds the tracker's durations and thresholds.
type TrackerConfig struct {
	CircuitTTL        time.Duration
	MaxFailedAttempts uint32
	SoftLockDuration  time.Duration
	BanDuration       time.Duration
}

// Tracker is the circuit reputation state machine. It is the only writer of
// circuit:<id> records; concurrent saves are last-writer-wins, with status
// decisions driven by each call's own observation.
type Tracker struct {
	rdb    *redis.Client
	cfg    TrackerConfig
	logger *slog.Logger
}

// NewTracker creates a circuit tracker.
func NewTracker(rdb *redis.Client, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	return &Tracker{rdb: rdb, cfg: cfg, logger: logger}
}

// Get returns the circuit record, or nil when the store has none.
func (t *Tracker) Get(ctx context.Context, circuitID string) (*Info, error) {
	data, err := t.rdb.Get(ctx, keyPrefix+circuitID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, cerberr.Wrap(cerberr.Store, "fetching circuit", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding circuit record: %w", err)
	}
	return &info, nil
}

// GetOrCreate returns the existing record with last_seen refreshed, or a new
// one persisted for an unseen circuit.
func (t *Tracker) GetOrCreate(ctx context.Context, circuitID string) (*Info, error) {
	info, err := t.Get(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = NewInfo(circuitID)
		t.logger.Debug("new circuit tracked", "circuit_id", circuitID)
	} else {
		info.LastSeen = time.Now().Unix()
	}
	if err := t.Save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Save persists a record with a TTL determined by its status: banned and
// soft-locked records live for their penalty duration, everything else for
// the default circuit TTL.
func (t *Tracker) Save(ctx context.Context, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding circuit record: %w", err)
	}

	var ttl time.Duration
	switch info.Status {
	case StatusBanned:
		ttl = t.cfg.BanDuration
	case StatusSoftLocked:
		ttl = t.cfg.SoftLockDuration
	default:
		ttl = t.cfg.CircuitTTL
	}

	if err := t.rdb.Set(ctx, keyPrefix+info.CircuitID, data, ttl).Err(); err != nil {
		return cerberr.Wrap(cerberr.Store, "saving circuit", err)
	}
	return nil
}

// RecordFailure counts a failed solve and soft-locks the circuit once it
// reaches the attempt ceiling.
func (t *Tracker) RecordFailure(ctx context.Context, circuitID string) (*Info, error) {
	info, err := t.GetOrCreate(ctx, circuitID)
	if err != nil {
		return nil, err
	}

	info.FailedAttempts++
	info.LastSeen = time.Now().Unix()

	if info.FailedAttempts >= t.cfg.MaxFailedAttempts {
		info.Status = StatusSoftLocked
		t.logger.Warn("circuit soft-locked",
			"circuit_id", circuitID,
			"failed_attempts", info.FailedAttempts,
		)
	}

	if err := t.Save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// RecordSuccess marks a solved challenge: status Verified (or Vip once the
// cumulative solve count crosses the threshold), failed attempts reset, and
// the freshly minted passport attached.
func (t *Tracker) RecordSuccess(ctx context.Context, circuitID, passportToken string, passportExpires int64) (*Info, error) {
	info, err := t.GetOrCreate(ctx, circuitID)
	if err != nil {
		return nil, err
	}

	info.SuccessfulSolves++
	info.Status = StatusVerified
	info.FailedAttempts = 0
	info.PassportToken = passportToken
	info.PassportExpires = passportExpires
	info.LastSeen = time.Now().Unix()

	if info.SuccessfulSolves >= vipSolveThreshold {
		info.Status = StatusVip
		t.logger.Info("circuit promoted to vip", "circuit_id", circuitID)
	}

	if err := t.Save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Ban marks the circuit banned. The record's TTL becomes the ban duration;
// expiry evicts it and a later request starts over as New.
func (t *Tracker) Ban(ctx context.Context, circuitID, reason string) error {
	info, err := t.GetOrCreate(ctx, circuitID)
	if err != nil {
		return err
	}

	info.Status = StatusBanned
	info.LastSeen = time.Now().Unix()

	if err := t.Save(ctx, info); err != nil {
		return err
	}

	telemetry.CircuitsBannedTotal.Inc()
	t.logger.Warn("circuit banned", "circuit_id", circuitID, "reason", reason)
	return nil
}

// IsAllowed is the admit-check: banned and soft-locked circuits are denied
// with a reason; unknown circuits are allowed.
func (t *Tracker) IsAllowed(ctx context.Context, circuitID string) (bool, string, error) {
	info, err := t.Get(ctx, circuitID)
	if err != nil {
		return false, "", err
	}
	if info == nil {
		return true, "", nil
	}

	switch info.Status {
	case StatusBanned:
		return false, "Circuit is banned", nil
	case StatusSoftLocked:
		return false, "Too many failed attempts. Try again later.", nil
	default:
		return true, "", nil
	}
}

// CheckRateLimit applies the per-minute sliding window: an atomic counter
// that expires 60s after its first increment. Returns whether the request is
// allowed and how many remain in the window.
func (t *Tracker) CheckRateLimit(ctx context.Context, circuitID string, maxPerMinute uint32) (bool, uint32, error) {
	key := rateLimitKeyPrefix + circuitID

	count, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, cerberr.Wrap(cerberr.Store, "incrementing rate limit", err)
	}
	if count == 1 {
		if err := t.rdb.Expire(ctx, key, time.Minute).Err(); err != nil {
			t.logger.Warn("failed to set rate limit expiry", "circuit_id", circuitID, "error", err)
		}
	}

	if uint64(count) > uint64(maxPerMinute) {
		return false, 0, nil
	}
	return true, maxPerMinute - uint32(count), nil
}
