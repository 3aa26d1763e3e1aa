// Package threat holds the process-wide threat dial and its derived
// challenge parameters.
package threat

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cerberus/internal/cerberr"
)

// RedisKey is the shared-store key the dial is persisted under for cluster
// visibility.
const RedisKey = "cerberus:threat_level"

// Level is the threat dial value, clamped to [0, 10].
//
//   - 0: no CAPTCHAs (development only)
//   - 1-3: light protection
//   - 4-6: standard protection
//   - 7-9: high protection (under attack)
//   - 10: maximum lockdown
type Level int

const (
	MinLevel     Level = 0
	MaxLevel     Level = 10
	DefaultLevel Level = 5
)

// NewLevel clamps the given value into the valid range.
func NewLevel(v int) Level {
	if v < 0 {
		return MinLevel
	}
	if v > 10 {
		return MaxLevel
	}
	return Level(v)
}

// RequiresChallenge reports whether circuits must solve a CAPTCHA at this level.
func (l Level) RequiresChallenge() bool {
	return l > 0
}

// ChallengeCount returns the number of CAPTCHAs required at this level.
func (l Level) ChallengeCount() int {
	switch {
	case l == 0:
		return 0
	case l <= 3:
		return 1
	case l <= 6:
		return 2
	case l <= 9:
		return 3
	default:
		return 5
	}
}

// Difficulty returns the CAPTCHA difficulty at this level.
func (l Level) Difficulty() Difficulty {
	switch {
	case l <= 3:
		return Easy
	case l <= 6:
		return Medium
	case l <= 9:
		return Hard
	default:
		return Extreme
	}
}

// Difficulty selects grid size, distortion, and solve-time pressure.
type Difficulty string

const (
	Easy    Difficulty = "easy"
	Medium  Difficulty = "medium"
	Hard    Difficulty = "hard"
	Extreme Difficulty = "extreme"
)

// GridSize returns the (cols, rows) challenge grid dimensions.
func (d Difficulty) GridSize() (int, int) {
	switch d {
	case Easy:
		return 2, 2
	case Medium:
		return 3, 3
	case Hard:
		return 4, 4
	default:
		return 5, 5
	}
}

// TimeoutSecs is the client-side solve timeout hint.
func (d Difficulty) TimeoutSecs() int {
	switch d {
	case Easy:
		return 60
	case Medium:
		return 45
	case Hard:
		return 30
	default:
		return 20
	}
}

// AnswerLength is the number of characters in the challenge answer.
func (d Difficulty) AnswerLength() int {
	switch d {
	case Easy:
		return 4
	case Medium:
		return 5
	case Hard:
		return 6
	default:
		return 8
	}
}

// NoiseLines is the number of distortion lines drawn over the answer.
func (d Difficulty) NoiseLines() int {
	switch d {
	case Easy:
		return 5
	case Medium:
		return 15
	case Hard:
		return 30
	default:
		return 50
	}
}

// CaseSensitive reports whether answers compare exactly at this difficulty.
func (d Difficulty) CaseSensitive() bool {
	return d == Hard || d == Extreme
}

// Dial is the process-wide current threat level: many concurrent readers on
// the admission path, rare writers on the admin path. Writes are persisted
// to the shared store for cluster visibility.
type Dial struct {
	level  atomic.Int32
	rdb    *redis.Client
	logger *slog.Logger
}

// NewDial creates a dial at the given initial level.
func NewDial(initial Level, rdb *redis.Client, logger *slog.Logger) *Dial {
	d := &Dial{rdb: rdb, logger: logger}
	d.level.Store(int32(NewLevel(int(initial))))
	return d
}

// Get returns the current level.
func (d *Dial) Get() Level {
	return Level(d.level.Load())
}

// Set clamps and stores the level locally, then persists it to the shared
// store. The local value sticks even when persistence fails so a single node
// can still be dialed up during a store outage.
func (d *Dial) Set(ctx context.Context, level Level) error {
	clamped := NewLevel(int(level))
	d.level.Store(int32(clamped))
	d.logger.Info("threat level updated", "level", int(clamped))

	if err := d.rdb.Set(ctx, RedisKey, int(clamped), 0).Err(); err != nil {
		return cerberr.Wrap(cerberr.Store, "persisting threat level", err)
	}
	return nil
}

// Load reads the persisted level from the shared store, keeping the current
// value when the key is absent.
func (d *Dial) Load(ctx context.Context) error {
	v, err := d.rdb.Get(ctx, RedisKey).Int()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return cerberr.Wrap(cerberr.Store, "loading threat level", err)
	}
	d.level.Store(int32(NewLevel(v)))
	return nil
}
