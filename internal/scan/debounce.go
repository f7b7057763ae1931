// Package scan suppresses repeat badge reads of the same member within a
// short window, before they reach the presence toggle.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"presence/internal/clock"
)

// DefaultWindow matches a reader held against a badge for a couple of seconds.
const DefaultWindow = 3 * time.Second

// Debouncer reports whether a scan for memberID should proceed. A false
// result means an earlier scan for the same member is still inside the window.
// Release drops the member's claim so a scan whose toggle failed can be
// retried at once.
type Debouncer interface {
	Allow(ctx context.Context, memberID string) (bool, error)
	Release(ctx context.Context, memberID string) error
}

// Off lets every scan through.
type Off struct{}

func (Off) Allow(context.Context, string) (bool, error) { return true, nil }
func (Off) Release(context.Context, string) error       { return nil }

// RedisDebouncer claims a short-lived key per member with SET NX PX, so the
// window is shared by every API replica.
type RedisDebouncer struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisDebouncer creates a debouncer; a non-positive window uses DefaultWindow.
func NewRedisDebouncer(client *redis.Client, window time.Duration) *RedisDebouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisDebouncer{client: client, prefix: "presence:scan:", window: window}
}

func (d *RedisDebouncer) Allow(ctx context.Context, memberID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+memberID, 1, d.window).Result()
	if err != nil {
		return true, fmt.Errorf("debounce %s: %w", memberID, err)
	}
	return ok, nil
}

func (d *RedisDebouncer) Release(ctx context.Context, memberID string) error {
	if err := d.client.Del(ctx, d.prefix+memberID).Err(); err != nil {
		return fmt.Errorf("release %s: %w", memberID, err)
	}
	return nil
}

// MemoryDebouncer is the single-process variant.
type MemoryDebouncer struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	seen   map[string]time.Time
}

func NewMemoryDebouncer(clk clock.Clock, window time.Duration) *MemoryDebouncer {
	if clk == nil {
		clk = clock.Real{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryDebouncer{clock: clk, window: window, seen: make(map[string]time.Time)}
}

func (d *MemoryDebouncer) Allow(_ context.Context, memberID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if last, ok := d.seen[memberID]; ok && now.Sub(last) < d.window {
		return false, nil
	}
	d.seen[memberID] = now
	if len(d.seen) > 4096 {
		for id, at := range d.seen {
			if now.Sub(at) >= d.window {
				delete(d.seen, id)
			}
		}
	}
	return true, nil
}

func (d *MemoryDebouncer) Release(_ context.Context, memberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, memberID)
	return nil
}
