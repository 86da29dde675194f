package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker keeps per-client daily byte counters in Redis. Keys carry the UTC
// day and expire shortly after midnight, which replaces a scheduled reset.
type Tracker struct {
	client redis.UniversalClient
	limit  int64
}

// Snapshot is the quota view returned to clients.
type Snapshot struct {
	UsedBytes      int64     `json:"usedBytes"`
	RemainingBytes int64     `json:"remainingBytes"`
	LimitBytes     int64     `json:"limitBytes"`
	Percentage     int       `json:"percentage"`
	ResetTime      time.Time `json:"resetTime"`
}

const defaultDailyLimit = 2 << 30 // 2 GiB

func NewTracker(redisClient redis.UniversalClient, dailyLimitBytes int64) *Tracker {
	if dailyLimitBytes <= 0 {
		dailyLimitBytes = defaultDailyLimit
	}
	return &Tracker{
		client: redisClient,
		limit:  dailyLimitBytes,
	}
}

// Add charges size bytes against the client's daily budget.
func (t *Tracker) Add(ctx context.Context, clientKey string, size int64) error {
	if size <= 0 {
		return nil
	}

	key := t.dayKey(clientKey, time.Now().UTC())
	pl := t.client.Pipeline()
	pl.IncrBy(ctx, key, size)
	// Keep the key a bit past midnight so a snapshot taken right at the
	// boundary still resolves.
	pl.ExpireAt(ctx, key, endOfDay(time.Now().UTC()).Add(time.Hour))
	_, err := pl.Exec(ctx)
	return err
}

// Used returns today's byte count for the client. A missing key reads as 0.
func (t *Tracker) Used(ctx context.Context, clientKey string) (int64, error) {
	used, err := t.client.Get(ctx, t.dayKey(clientKey, time.Now().UTC())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return used, err
}

// Allowed reports whether the client still has budget left today. Redis
// being unreachable fails open: blocking all conversions on a cache outage
// would be worse than a day of unmetered traffic.
func (t *Tracker) Allowed(ctx context.Context, clientKey string) (bool, Snapshot) {
	used, err := t.Used(ctx, clientKey)
	if err != nil {
		return true, t.snapshot(0)
	}
	return used < t.limit, t.snapshot(used)
}

// Stats returns the current quota snapshot for the client.
func (t *Tracker) Stats(ctx context.Context, clientKey string) Snapshot {
	used, err := t.Used(ctx, clientKey)
	if err != nil {
		used = 0
	}
	return t.snapshot(used)
}

func (t *Tracker) snapshot(used int64) Snapshot {
	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}

	pct := 0
	if t.limit > 0 {
		pct = int(used * 100 / t.limit)
		if pct > 100 {
			pct = 100
		}
	}

	return Snapshot{
		UsedBytes:      used,
		RemainingBytes: remaining,
		LimitBytes:     t.limit,
		Percentage:     pct,
		ResetTime:      endOfDay(time.Now().UTC()),
	}
}

func (t *Tracker) dayKey(clientKey string, now time.Time) string {
	return fmt.Sprintf("CH:Usage:%s:%s", clientKey, now.Format("2006-01-02"))
}

func endOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
