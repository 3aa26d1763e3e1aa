package captcha

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cerberus/internal/cerberr"
	"github.com/wisbric/cerberus/internal/telemetry"
	"github.com/wisbric/cerberus/internal/threat"
	"github.com/wisbric/cerberus/pkg/passport"
)

// keyPrefix namespaces pending challenges in the shared store.
const keyPrefix = "captcha:"

// Pending is the stored challenge awaiting an answer, keyed by challenge id.
// Single-use: it is atomically deleted when fetched for verification.
type Pending struct {
	Answer     string            `json:"answer"`
	CircuitID  string            `json:"circuit_id,omitempty"`
	Difficulty threat.Difficulty `json:"difficulty"`
	CreatedAt  int64             `json:"created_at"`
	ExpiresAt  int64             `json:"expires_at"`
}

// Challenge is the client-facing challenge. The answer never leaves the
// server.
type Challenge struct {
	ChallengeID  string `json:"challenge_id"`
	ImagePayload string `json:"image_payload"`
	GridCols     int    `json:"grid_cols"`
	GridRows     int    `json:"grid_rows"`
	Instructions string `json:"instructions"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Result is the verification outcome.
type Result struct {
	Success             bool   `json:"success"`
	RemainingChallenges int    `json:"remaining_challenges"`
	PassportToken       string `json:"passport_token,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`
}

// Engine generates challenges and verifies answers. Pre-generated CAPTCHAs
// are preferred; pool misses fall back to inline generation silently.
type Engine struct {
	rdb          *redis.Client
	box          *Box
	passports    *passport.Service
	challengeTTL time.Duration
	logger       *slog.Logger
}

// NewEngine creates a CAPTCHA engine.
func NewEngine(rdb *redis.Client, box *Box, passports *passport.Service, challengeTTL time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		rdb:          rdb,
		box:          box,
		passports:    passports,
		challengeTTL: challengeTTL,
		logger:       logger,
	}
}

// Generate issues a new challenge at the given difficulty and stores the
// pending answer.
func (e *Engine) Generate(ctx context.Context, circuitID string, d threat.Difficulty) (*Challenge, error) {
	id, err := newChallengeID()
	if err != nil {
		return nil, err
	}

	var pre Pregen
	if p, ok := e.box.Pop(); ok {
		if p.Difficulty == d {
			pre = p
		} else {
			// Pool is stocked at a single difficulty; return the item and
			// generate inline for the requested one.
			e.box.Push(p)
			pre = Generate(d)
		}
	} else {
		pre = Generate(d)
	}

	now := time.Now().Unix()
	expiresAt := now + int64(e.challengeTTL.Seconds())

	pending, err := json.Marshal(Pending{
		Answer:     pre.Answer,
		CircuitID:  circuitID,
		Difficulty: d,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding pending challenge: %w", err)
	}

	if err := e.rdb.Set(ctx, keyPrefix+id, pending, e.challengeTTL).Err(); err != nil {
		return nil, cerberr.Wrap(cerberr.Store, "storing challenge", err)
	}

	telemetry.ChallengesGeneratedTotal.Inc()
	e.logger.Debug("generated challenge",
		"challenge_id", id,
		"circuit_id", circuitID,
		"difficulty", string(d),
	)

	cols, rows := d.GridSize()
	return &Challenge{
		ChallengeID:  id,
		ImagePayload: pre.ImagePayload,
		GridCols:     cols,
		GridRows:     rows,
		Instructions: Instructions(d),
		ExpiresAt:    expiresAt,
	}, nil
}

// Verify checks an answer against the pending challenge. The challenge is
// consumed whether the answer is right or not; a second attempt on the same
// id fails as expired. On success a local passport is minted.
func (e *Engine) Verify(ctx context.Context, challengeID, userAnswer, circuitID string) (*Result, error) {
	data, err := e.rdb.GetDel(ctx, keyPrefix+challengeID).Bytes()
	if err == redis.Nil {
		telemetry.ChallengesVerifiedTotal.WithLabelValues("expired").Inc()
		return &Result{Success: false, ErrorMessage: "Challenge expired or invalid"}, nil
	}
	if err != nil {
		return nil, cerberr.Wrap(cerberr.Store, "fetching challenge", err)
	}

	var pending Pending
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("decoding pending challenge: %w", err)
	}

	if time.Now().Unix() > pending.ExpiresAt {
		telemetry.ChallengesVerifiedTotal.WithLabelValues("expired").Inc()
		return &Result{Success: false, ErrorMessage: "Challenge expired"}, nil
	}

	// Circuits can rotate mid-solve; record the mismatch but keep going.
	if pending.CircuitID != "" && circuitID != "" && pending.CircuitID != circuitID {
		e.logger.Warn("circuit id mismatch on verify",
			"challenge_id", challengeID,
			"stored_circuit", pending.CircuitID,
			"request_circuit", circuitID,
		)
	}

	if !answersMatch(pending.Difficulty, pending.Answer, userAnswer) {
		telemetry.ChallengesVerifiedTotal.WithLabelValues("failure").Inc()
		e.logger.Debug("challenge failed", "challenge_id", challengeID, "circuit_id", circuitID)
		return &Result{
			Success:             false,
			RemainingChallenges: 1,
			ErrorMessage:        "Incorrect answer",
		}, nil
	}

	token, _, err := e.passports.Mint(ctx, circuitID)
	if err != nil {
		return nil, err
	}

	telemetry.ChallengesVerifiedTotal.WithLabelValues("success").Inc()
	e.logger.Info("challenge verified", "challenge_id", challengeID, "circuit_id", circuitID)
	return &Result{Success: true, PassportToken: token}, nil
}

// answersMatch compares case-insensitively at Easy/Medium and exactly at
// Hard/Extreme.
func answersMatch(d threat.Difficulty, want, got string) bool {
	if d.CaseSensitive() {
		return want == got
	}
	return strings.EqualFold(want, got)
}

// newChallengeID returns 128 random bits, base64url-encoded.
func newChallengeID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", cerberr.Wrap(cerberr.Internal, "generating challenge id", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
