package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/orion-trading/tec/internal/app/domain/marketdata"
)

// TickCache holds the latest tick per instrument in Redis so the snapshot
// half of "snapshot + incremental" can be served even across process
// restarts, and so a lost in-process coalescing buffer can be refreshed
// from the cache rather than waiting for the next raw tick.
type TickCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTickCache constructs a TickCache. addr is a host:port Redis endpoint;
// ttl bounds how long a cached tick is considered a valid snapshot (should
// exceed the staleness threshold so a momentarily-stale instrument still
// has a snapshot to hand a newly-subscribing client).
func NewTickCache(addr string, db int, ttl time.Duration) *TickCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TickCache{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ttl:    ttl,
	}
}

func (c *TickCache) Name() string { return "marketdata-tick-cache" }

func (c *TickCache) Start(ctx context.Context) error { return c.Ping(ctx) }

func (c *TickCache) Stop(ctx context.Context) error { return c.client.Close() }

func (c *TickCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetLatest stores the latest tick for an instrument, keyed so a snapshot
// read never has to scan.
func (c *TickCache) SetLatest(ctx context.Context, tick marketdata.Tick) error {
	b, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick for cache: %w", err)
	}
	return c.client.Set(ctx, tickKey(tick.InstrumentID), b, c.ttl).Err()
}

// GetLatest returns the most recently cached tick for an instrument. Ok is
// false if no tick has been cached yet or the entry has expired.
func (c *TickCache) GetLatest(ctx context.Context, instrumentID string) (marketdata.Tick, bool, error) {
	b, err := c.client.Get(ctx, tickKey(instrumentID)).Bytes()
	if err == redis.Nil {
		return marketdata.Tick{}, false, nil
	}
	if err != nil {
		return marketdata.Tick{}, false, err
	}
	var tick marketdata.Tick
	if err := json.Unmarshal(b, &tick); err != nil {
		return marketdata.Tick{}, false, fmt.Errorf("unmarshal cached tick: %w", err)
	}
	return tick, true, nil
}

// GetLatestMany returns the cached snapshot for every requested instrument,
// skipping any with no cached entry (the caller decides whether a missing
// snapshot is worth surfacing, e.g. "no data yet" vs silently omitting it).
func (c *TickCache) GetLatestMany(ctx context.Context, instrumentIDs []string) (map[string]marketdata.Tick, error) {
	out := make(map[string]marketdata.Tick, len(instrumentIDs))
	for _, id := range instrumentIDs {
		tick, ok, err := c.GetLatest(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = tick
		}
	}
	return out, nil
}

func tickKey(instrumentID string) string {
	return "tec:marketdata:latest:" + instrumentID
}
