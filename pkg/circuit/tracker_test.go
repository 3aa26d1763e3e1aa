package circuit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewTracker(rdb, TrackerConfig{
		CircuitTTL:        1800 * time.Second,
		MaxFailedAttempts: 5,
		SoftLockDuration:  900 * time.Second,
		BanDuration:       3600 * time.Second,
	}, slog.Default()), mr
}

func TestGetUnknownCircuit(t *testing.T) {
	tracker, _ := newTestTracker(t)
	info, err := tracker.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if info != nil {
		t.Errorf("Get() = %+v, want nil for untracked circuit", info)
	}
}

func TestGetOrCreateNewCircuit(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	info, err := tracker.GetOrCreate(ctx, "c1")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if info.Status != StatusNew {
		t.Errorf("Status = %s, want new", info.Status)
	}
	if info.FirstSeen == 0 || info.LastSeen == 0 {
		t.Error("timestamps not set")
	}

	ttl := mr.TTL(keyPrefix + "c1")
	if ttl != 1800*time.Second {
		t.Errorf("TTL = %v, want circuit TTL 1800s", ttl)
	}
}

func TestRecordFailureBelowThreshold(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	var info *Info
	var err error
	for i := 0; i < 4; i++ {
		info, err = tracker.RecordFailure(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
	}

	if info.FailedAttempts != 4 {
		t.Errorf("FailedAttempts = %d, want 4", info.FailedAttempts)
	}
	if info.Status != StatusNew {
		t.Errorf("Status = %s, want new below the threshold", info.Status)
	}

	allowed, _, err := tracker.IsAllowed(ctx, "c1")
	if err != nil || !allowed {
		t.Errorf("IsAllowed() = (%v, %v), want allowed", allowed, err)
	}
}

func TestSoftLockAtThreshold(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	var info *Info
	for i := 0; i < 5; i++ {
		info, _ = tracker.RecordFailure(ctx, "c1")
	}

	if info.Status != StatusSoftLocked {
		t.Fatalf("Status = %s, want softlocked after exactly 5 failures", info.Status)
	}

	allowed, reason, err := tracker.IsAllowed(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("soft-locked circuit admitted")
	}
	if reason != "Too many failed attempts. Try again later." {
		t.Errorf("reason = %q", reason)
	}

	if ttl := mr.TTL(keyPrefix + "c1"); ttl != 900*time.Second {
		t.Errorf("TTL = %v, want soft-lock duration 900s", ttl)
	}
}

func TestSoftLockExpiryStartsOver(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(ctx, "c1")
	}
	mr.FastForward(901 * time.Second)

	// The record evicted; the circuit is New again.
	allowed, _, err := tracker.IsAllowed(ctx, "c1")
	if err != nil || !allowed {
		t.Errorf("IsAllowed() after eviction = (%v, %v), want allowed", allowed, err)
	}

	info, err := tracker.GetOrCreate(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != StatusNew || info.FailedAttempts != 0 {
		t.Errorf("record = %+v, want a fresh New circuit", info)
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	tracker.RecordFailure(ctx, "c1")
	tracker.RecordFailure(ctx, "c1")

	info, err := tracker.RecordSuccess(ctx, "c1", "tok-1", time.Now().Unix()+600)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != StatusVerified {
		t.Errorf("Status = %s, want verified", info.Status)
	}
	if info.FailedAttempts != 0 {
		t.Errorf("FailedAttempts = %d, want reset to 0", info.FailedAttempts)
	}
	if info.SuccessfulSolves != 1 {
		t.Errorf("SuccessfulSolves = %d, want 1", info.SuccessfulSolves)
	}
	if info.PassportToken != "tok-1" {
		t.Errorf("PassportToken = %q, want tok-1", info.PassportToken)
	}
	if !info.HasValidPassport() {
		t.Error("passport should read as valid")
	}
}

func TestVipPromotionAtFiveSolves(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	var info *Info
	for i := 0; i < 5; i++ {
		info, _ = tracker.RecordSuccess(ctx, "c1", "tok", time.Now().Unix()+600)
	}

	if info.SuccessfulSolves != 5 {
		t.Fatalf("SuccessfulSolves = %d, want 5", info.SuccessfulSolves)
	}
	if info.Status != StatusVip {
		t.Errorf("Status = %s, want vip at 5 cumulative solves", info.Status)
	}

	// VIP circuits stay admitted.
	allowed, _, _ := tracker.IsAllowed(ctx, "c1")
	if !allowed {
		t.Error("vip circuit denied")
	}
}

func TestBan(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Ban(ctx, "c1", "abuse"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	allowed, reason, err := tracker.IsAllowed(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("banned circuit admitted")
	}
	if reason != "Circuit is banned" {
		t.Errorf("reason = %q", reason)
	}

	if ttl := mr.TTL(keyPrefix + "c1"); ttl != 3600*time.Second {
		t.Errorf("TTL = %v, want ban duration 3600s", ttl)
	}
}

func TestCheckRateLimit(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, remaining, err := tracker.CheckRateLimit(ctx, "c1", 3)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("request %d denied below the limit", i)
		}
		if remaining != uint32(3-i) {
			t.Errorf("request %d remaining = %d, want %d", i, remaining, 3-i)
		}
	}

	allowed, remaining, err := tracker.CheckRateLimit(ctx, "c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("request over the limit allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	if ttl := mr.TTL(rateLimitKeyPrefix + "c1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("rate limit TTL = %v, want (0, 60s]", ttl)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	tracker.CheckRateLimit(ctx, "c1", 1)
	if allowed, _, _ := tracker.CheckRateLimit(ctx, "c1", 1); allowed {
		t.Fatal("second request in window allowed at limit 1")
	}

	mr.FastForward(61 * time.Second)

	if allowed, _, _ := tracker.CheckRateLimit(ctx, "c1", 1); !allowed {
		t.Error("request denied after the window reset")
	}
}
