package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"openbloom-market/internal/market"
)

// SeriesStore accumulates intraday points per symbol, one point per
// timestamp, capped at market.MaxIntradayPoints.
type SeriesStore interface {
	Append(ctx context.Context, symbol string, points ...market.Point) error
	Range(ctx context.Context, symbol string, since time.Time) ([]market.Point, error)
}

// MemorySeries is a process-local SeriesStore.
type MemorySeries struct {
	mu     sync.Mutex
	points map[string][]market.Point
}

// NewMemorySeries returns an empty store.
func NewMemorySeries() *MemorySeries {
	return &MemorySeries{points: map[string][]market.Point{}}
}

func (m *MemorySeries) Append(_ context.Context, symbol string, points ...market.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := append(append([]market.Point(nil), m.points[symbol]...), points...)
	m.points[symbol] = market.CompactPoints(merged)
	return nil
}

func (m *MemorySeries) Range(_ context.Context, symbol string, since time.Time) ([]market.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Point
	for _, p := range m.points[symbol] {
		if !p.Time.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RedisSeries keeps points in one sorted set per symbol, scored by unix
// milliseconds.
type RedisSeries struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSeries returns a store whose keys expire ttl after the last write.
func NewRedisSeries(client redis.Cmdable, ttl time.Duration) *RedisSeries {
	if ttl <= 0 {
		ttl = 36 * time.Hour
	}
	return &RedisSeries{client: client, ttl: ttl}
}

func seriesKey(symbol string) string { return "openbloom:intraday:" + symbol }

func (r *RedisSeries) Append(ctx context.Context, symbol string, points ...market.Point) error {
	if len(points) == 0 {
		return nil
	}
	key := seriesKey(symbol)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range points {
			member, err := msgpack.Marshal(p)
			if err != nil {
				return err
			}
			score := strconv.FormatInt(p.Time.UnixMilli(), 10)
			// one member per timestamp; the newest write wins
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(p.Time.UnixMilli()), Member: member})
		}
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-market.MaxIntradayPoints-1))
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisSeries) Range(ctx context.Context, symbol string, since time.Time) ([]market.Point, error) {
	members, err := r.client.ZRangeByScore(ctx, seriesKey(symbol), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]market.Point, 0, len(members))
	for _, m := range members {
		var p market.Point
		if err := msgpack.Unmarshal([]byte(m), &p); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

var (
	_ SeriesStore = (*MemorySeries)(nil)
	_ SeriesStore = (*RedisSeries)(nil)
)
