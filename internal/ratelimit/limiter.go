// Package ratelimit enforces per-owner QR session quotas. Counters live in
// memory and are flushed to bbolt so a restart does not reset them.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuotas = []byte("qr_quotas")

// ErrQuotaExceeded is returned by Limiter.Take when an owner has used up
// an hourly or daily QR quota.
var ErrQuotaExceeded = errors.New("qr quota exceeded")

// Window names the quota window that denied a request.
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
)

// Config contains quota values. Zero disables a window.
type Config struct {
	PerHour int `yaml:"qr_per_hour"`
	PerDay  int `yaml:"qr_per_day"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Counter tracks one owner's usage
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result contains the quota check result
type Result struct {
	Allowed    bool
	DeniedBy   Window
	RetryAfter time.Duration
}

// QuotaError carries the window and wait time of a denied request.
type QuotaError struct {
	OwnerID    string
	Window     Window
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: owner %s exceeded the per-%s limit, retry in %s",
		ErrQuotaExceeded, e.OwnerID, e.Window, e.RetryAfter.Round(time.Second))
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// Stats contains quota usage for one owner
type Stats struct {
	OwnerID     string    `json:"owner_id"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourlyLimit int       `json:"hourly_limit"`
	DailyLimit  int       `json:"daily_limit"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter implements per-owner QR quotas
type Limiter struct {
	db       *bolt.DB
	ownsDB   bool
	config   *Config
	counters map[string]*Counter // owner -> counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Open opens (or creates) the bbolt file at path and returns a limiter
// that closes it on Stop.
func Open(path string, cfg *Config) (*Limiter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create quota directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota database: %w", err)
	}
	l, err := NewLimiter(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// NewLimiter creates a new limiter on an open bbolt database
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow checks the owner's quota and counts the request when allowed
func (l *Limiter) Allow(ctx context.Context, ownerID string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	counter, ok := l.counters[ownerID]
	if !ok {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[ownerID] = counter
	}
	resetExpired(counter, now)

	if res := l.evaluate(counter, now); !res.Allowed {
		return res, nil
	}

	counter.HourlyCount++
	counter.DailyCount++
	return &Result{Allowed: true}, nil
}

// Take is Allow returning a *QuotaError when the request is denied.
func (l *Limiter) Take(ctx context.Context, ownerID string) error {
	res, err := l.Allow(ctx, ownerID)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &QuotaError{OwnerID: ownerID, Window: res.DeniedBy, RetryAfter: res.RetryAfter}
	}
	return nil
}

// Check reports whether a request would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, ownerID string) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counter, ok := l.counters[ownerID]
	if !ok {
		return &Result{Allowed: true}, nil
	}
	now := l.now()
	c := *counter
	resetExpired(&c, now)
	return l.evaluate(&c, now), nil
}

// GetStats returns current usage for an owner
func (l *Limiter) GetStats(ctx context.Context, ownerID string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{
		OwnerID:     ownerID,
		HourlyLimit: l.config.PerHour,
		DailyLimit:  l.config.PerDay,
	}
	counter, ok := l.counters[ownerID]
	if !ok {
		return stats, nil
	}

	c := *counter
	resetExpired(&c, l.now())
	stats.HourlyCount = c.HourlyCount
	stats.DailyCount = c.DailyCount
	stats.HourStart = c.HourStart
	stats.DayStart = c.DayStart
	return stats, nil
}

// Stop stops the flush loop, persists counters and closes the database
// when the limiter opened it.
func (l *Limiter) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		err = l.persistCounters()
		if l.ownsDB {
			if cerr := l.db.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (l *Limiter) evaluate(c *Counter, now time.Time) *Result {
	if l.config.PerHour > 0 && c.HourlyCount >= l.config.PerHour {
		return &Result{DeniedBy: WindowHour, RetryAfter: c.HourStart.Add(time.Hour).Sub(now)}
	}
	if l.config.PerDay > 0 && c.DailyCount >= l.config.PerDay {
		return &Result{DeniedBy: WindowDay, RetryAfter: c.DayStart.Add(24 * time.Hour).Sub(now)}
	}
	return &Result{Allowed: true}
}

func resetExpired(c *Counter, now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		if bucket == nil {
			return nil
		}

		for owner, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(owner), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}
