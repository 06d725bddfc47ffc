package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rubberduck/rubberduck/pkg/utils"
)

// ErrQuotaExceeded is returned when the monthly session cap is reached.
var ErrQuotaExceeded = errors.New("monthly session limit reached")

// QuotaService caps how many durable conversations may be started per
// calendar month. The counter lives in redis when a client is given and in
// process memory otherwise.
type QuotaService struct {
	rdb    redis.Cmdable
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

// NewQuotaService creates the service. A limit of zero disables the cap.
func NewQuotaService(rdb *redis.Client, limit int) *QuotaService {
	q := &QuotaService{
		limit:  limit,
		logger: utils.GetLogger(),
		now:    time.Now,
		counts: make(map[string]int),
	}
	if rdb != nil {
		q.rdb = rdb
	}
	return q
}

// Acquire counts one new session against the current month.
func (q *QuotaService) Acquire(ctx context.Context) error {
	if q.limit <= 0 {
		return nil
	}
	month := q.now().UTC().Format("2006-01")
	if q.rdb != nil {
		return q.acquireRedis(ctx, month)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.counts[month] >= q.limit {
		return ErrQuotaExceeded
	}
	q.counts[month]++
	return nil
}

// Used returns the number of sessions counted this month.
func (q *QuotaService) Used(ctx context.Context) (int, error) {
	month := q.now().UTC().Format("2006-01")
	if q.rdb != nil {
		n, err := q.rdb.Get(ctx, quotaKey(month)).Int()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return n, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[month], nil
}

func (q *QuotaService) acquireRedis(ctx context.Context, month string) error {
	key := quotaKey(month)
	n, err := q.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("quota incr: %w", err)
	}
	if n == 1 {
		// Keep the counter a day past month end so late requests still see it.
		start, _ := time.Parse("2006-01", month)
		if err := q.rdb.ExpireAt(ctx, key, start.AddDate(0, 1, 1)).Err(); err != nil {
			q.logger.Warn("quota expire failed", "key", key, "error", err)
		}
	}
	if n > int64(q.limit) {
		if err := q.rdb.Decr(ctx, key).Err(); err != nil {
			q.logger.Warn("quota decr failed", "key", key, "error", err)
		}
		return ErrQuotaExceeded
	}
	return nil
}

func quotaKey(month string) string {
	return "rubberduck:sessions:" + month
}

// NewRedisClient connects to redis when addr is set. It returns nil, nil
// when redis is not configured.
func NewRedisClient(ctx context.Context, addr, password string, dbIndex int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}
