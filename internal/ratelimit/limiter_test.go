package ratelimit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ratelimit_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(dir, "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open db: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}

func TestNewLimiter(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 3, PerDay: 10, FlushInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.PerHour != 3 {
		t.Errorf("expected PerHour=3, got %d", limiter.config.PerHour)
	}
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
}

func TestAllowHourlyLimit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 3, PerDay: 10})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "owner-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	res, err := limiter.Allow(ctx, "owner-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("4th request should be denied")
	}
	if res.DeniedBy != WindowHour {
		t.Errorf("expected DeniedBy=%s, got %s", WindowHour, res.DeniedBy)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
		t.Errorf("unexpected RetryAfter %v", res.RetryAfter)
	}

	// Other owners have their own counters
	res, _ = limiter.Allow(ctx, "owner-2")
	if !res.Allowed {
		t.Error("owner-2 should be allowed")
	}
}

func TestAllowDailyLimit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 10, PerDay: 2})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	limiter.Allow(ctx, "owner-1")
	limiter.Allow(ctx, "owner-1")

	res, _ := limiter.Allow(ctx, "owner-1")
	if res.Allowed {
		t.Error("3rd request should be denied")
	}
	if res.DeniedBy != WindowDay {
		t.Errorf("expected DeniedBy=%s, got %s", WindowDay, res.DeniedBy)
	}
}

func TestWindowReset(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 1, PerDay: 5})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	now := time.Now()
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	if res, _ := limiter.Allow(ctx, "owner-1"); !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	if res, _ := limiter.Allow(ctx, "owner-1"); res.Allowed {
		t.Fatal("second request should be denied")
	}

	now = now.Add(time.Hour + time.Second)
	if res, _ := limiter.Allow(ctx, "owner-1"); !res.Allowed {
		t.Error("request after the hour window should be allowed")
	}

	stats, _ := limiter.GetStats(ctx, "owner-1")
	if stats.HourlyCount != 1 || stats.DailyCount != 2 {
		t.Errorf("expected hourly=1 daily=2, got hourly=%d daily=%d", stats.HourlyCount, stats.DailyCount)
	}
}

func TestTake(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 1})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()
	if err := limiter.Take(ctx, "owner-1"); err != nil {
		t.Fatalf("first Take() error = %v", err)
	}

	err = limiter.Take(ctx, "owner-1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected *QuotaError, got %T", err)
	}
	if qe.Window != WindowHour || qe.OwnerID != "owner-1" {
		t.Errorf("unexpected quota error %+v", qe)
	}
}

func TestCheck(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 2})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	ctx := context.Background()

	// Check doesn't count
	for i := 0; i < 5; i++ {
		res, _ := limiter.Check(ctx, "owner-1")
		if !res.Allowed {
			t.Errorf("check %d should be allowed", i+1)
		}
	}

	limiter.Allow(ctx, "owner-1")
	limiter.Allow(ctx, "owner-1")

	res, _ := limiter.Check(ctx, "owner-1")
	if res.Allowed {
		t.Error("check should be denied after the limit is reached")
	}
}

func TestGetStatsNonExistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, &Config{PerHour: 4, PerDay: 9})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	stats, err := limiter.GetStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.HourlyCount != 0 || stats.DailyCount != 0 {
		t.Errorf("expected zero counts, got %+v", stats)
	}
	if stats.HourlyLimit != 4 || stats.DailyLimit != 9 {
		t.Errorf("expected limits 4/9, got %d/%d", stats.HourlyLimit, stats.DailyLimit)
	}
}

func TestCountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	cfg := &Config{PerHour: 2}

	limiter, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	limiter.Allow(context.Background(), "owner-1")
	limiter.Allow(context.Background(), "owner-1")
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Stop is idempotent
	if err := limiter.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	reopened, err := Open(path, &Config{PerHour: 2})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Stop()

	if err := reopened.Take(context.Background(), "owner-1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected quota to persist across restart, got %v", err)
	}
}
