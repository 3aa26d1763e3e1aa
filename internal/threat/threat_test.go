package threat

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewLevelClamps(t *testing.T) {
	tests := []struct {
		in   int
		want Level
	}{
		{-3, 0},
		{0, 0},
		{5, 5},
		{10, 10},
		{11, 10},
		{99, 10},
	}
	for _, tt := range tests {
		if got := NewLevel(tt.in); got != tt.want {
			t.Errorf("NewLevel(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestChallengeCount(t *testing.T) {
	tests := []struct {
		level Level
		want  int
	}{
		{0, 0},
		{1, 1}, {3, 1},
		{4, 2}, {6, 2},
		{7, 3}, {9, 3},
		{10, 5},
	}
	for _, tt := range tests {
		if got := tt.level.ChallengeCount(); got != tt.want {
			t.Errorf("Level(%d).ChallengeCount() = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestDifficultyBands(t *testing.T) {
	tests := []struct {
		level Level
		want  Difficulty
	}{
		{0, Easy}, {3, Easy},
		{4, Medium}, {6, Medium},
		{7, Hard}, {9, Hard},
		{10, Extreme},
	}
	for _, tt := range tests {
		if got := tt.level.Difficulty(); got != tt.want {
			t.Errorf("Level(%d).Difficulty() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestDifficultyParameters(t *testing.T) {
	tests := []struct {
		d             Difficulty
		cols, rows    int
		timeout       int
		answerLen     int
		noise         int
		caseSensitive bool
	}{
		{Easy, 2, 2, 60, 4, 5, false},
		{Medium, 3, 3, 45, 5, 15, false},
		{Hard, 4, 4, 30, 6, 30, true},
		{Extreme, 5, 5, 20, 8, 50, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.d), func(t *testing.T) {
			cols, rows := tt.d.GridSize()
			if cols != tt.cols || rows != tt.rows {
				t.Errorf("GridSize() = (%d,%d), want (%d,%d)", cols, rows, tt.cols, tt.rows)
			}
			if got := tt.d.TimeoutSecs(); got != tt.timeout {
				t.Errorf("TimeoutSecs() = %d, want %d", got, tt.timeout)
			}
			if got := tt.d.AnswerLength(); got != tt.answerLen {
				t.Errorf("AnswerLength() = %d, want %d", got, tt.answerLen)
			}
			if got := tt.d.NoiseLines(); got != tt.noise {
				t.Errorf("NoiseLines() = %d, want %d", got, tt.noise)
			}
			if got := tt.d.CaseSensitive(); got != tt.caseSensitive {
				t.Errorf("CaseSensitive() = %v, want %v", got, tt.caseSensitive)
			}
		})
	}
}

func newTestDial(t *testing.T) (*Dial, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDial(DefaultLevel, rdb, slog.Default()), mr
}

func TestDialSetPersists(t *testing.T) {
	dial, mr := newTestDial(t)
	ctx := context.Background()

	if err := dial.Set(ctx, 8); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if got := dial.Get(); got != 8 {
		t.Errorf("Get() = %d, want 8", got)
	}
	if v, _ := mr.Get(RedisKey); v != "8" {
		t.Errorf("persisted value = %q, want 8", v)
	}
}

func TestDialSetClampsOutOfRange(t *testing.T) {
	dial, _ := newTestDial(t)
	if err := dial.Set(context.Background(), 42); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if got := dial.Get(); got != 10 {
		t.Errorf("Get() = %d, want clamped 10", got)
	}
}

func TestDialLoadFromStore(t *testing.T) {
	dial, mr := newTestDial(t)
	mr.Set(RedisKey, "2")

	if err := dial.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := dial.Get(); got != 2 {
		t.Errorf("Get() = %d, want 2", got)
	}
}

func TestDialLoadMissingKeyKeepsInitial(t *testing.T) {
	dial, _ := newTestDial(t)
	if err := dial.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := dial.Get(); got != DefaultLevel {
		t.Errorf("Get() = %d, want initial %d", got, DefaultLevel)
	}
}
