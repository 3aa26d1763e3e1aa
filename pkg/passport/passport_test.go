package passport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewService(rdb, 600*time.Second, slog.Default()), mr
}

func TestMintAndValidate(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	token, expiresAt, err := svc.Mint(ctx, "circ-1")
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	// 256 bits base64url is 43 chars.
	if len(token) < 43 {
		t.Errorf("token length = %d, want >= 43 (256 bits)", len(token))
	}
	if expiresAt <= time.Now().Unix() {
		t.Errorf("expiresAt = %d, want in the future", expiresAt)
	}

	valid, err := svc.Validate(ctx, token)
	if err != nil || !valid {
		t.Errorf("Validate() = (%v, %v), want valid", valid, err)
	}

	if ttl := mr.TTL(keyPrefix + token); ttl != 600*time.Second {
		t.Errorf("TTL = %v, want 600s", ttl)
	}
}

func TestMintedTokensAreUnique(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, _, err := svc.Mint(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if seen[token] {
			t.Fatal("duplicate passport token")
		}
		seen[token] = true
	}
}

func TestValidateUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	valid, err := svc.Validate(context.Background(), "no-such-token")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("unknown token validated")
	}
}

func TestValidateEmptyToken(t *testing.T) {
	svc, _ := newTestService(t)
	valid, err := svc.Validate(context.Background(), "")
	if err != nil || valid {
		t.Errorf("Validate(\"\") = (%v, %v), want invalid", valid, err)
	}
}

func TestValidateAfterExpiry(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.Mint(ctx, "circ-1")
	if err != nil {
		t.Fatal(err)
	}

	mr.FastForward(601 * time.Second)

	valid, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("expired passport validated")
	}
}

func TestGetRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, expiresAt, err := svc.Mint(ctx, "circ-9")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := svc.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec == nil {
		t.Fatal("Get() = nil for a live token")
	}
	if rec.CircuitID != "circ-9" {
		t.Errorf("CircuitID = %q, want circ-9", rec.CircuitID)
	}
	if rec.ExpiresAt != expiresAt {
		t.Errorf("ExpiresAt = %d, want %d", rec.ExpiresAt, expiresAt)
	}

	missing, err := svc.Get(ctx, "absent")
	if err != nil || missing != nil {
		t.Errorf("Get(absent) = (%v, %v), want (nil, nil)", missing, err)
	}
}
