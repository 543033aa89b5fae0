package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// priceTTL is how long a fetched price stays fresh. It matches the
// monitor tick so every position on the same symbol shares one fetch.
const priceTTL = 5 * time.Second

type cachedPrice struct {
	Price     float64
	UpdatedAt time.Time
}

// PriceCache is a process-wide TTL cache for market prices, keyed by
// (exchange, symbol). An optional Redis client shares prices across
// processes; the in-memory layer always answers first.
type PriceCache struct {
	prices sync.Map // "exchange:symbol" -> *cachedPrice
	rdb    *redis.Client

	hitCount  int64
	missCount int64
	statsMu   sync.Mutex
}

// NewPriceCache creates a price cache. rdb may be nil for memory-only
// operation.
func NewPriceCache(rdb *redis.Client) *PriceCache {
	return &PriceCache{rdb: rdb}
}

func priceKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Get returns a cached price if it is within the TTL.
func (c *PriceCache) Get(exchange, symbol string) (float64, bool) {
	key := priceKey(exchange, symbol)
	if val, ok := c.prices.Load(key); ok {
		cached := val.(*cachedPrice)
		if time.Since(cached.UpdatedAt) < priceTTL {
			c.recordHit()
			return cached.Price, true
		}
	}

	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		raw, err := c.rdb.Get(ctx, "core:price:"+key).Result()
		if err == nil {
			if price, perr := strconv.ParseFloat(raw, 64); perr == nil {
				c.prices.Store(key, &cachedPrice{Price: price, UpdatedAt: time.Now()})
				c.recordHit()
				return price, true
			}
		}
	}

	c.recordMiss()
	return 0, false
}

// Set stores a freshly fetched price in memory and, when configured,
// mirrors it into Redis with the same TTL.
func (c *PriceCache) Set(exchange, symbol string, price float64) {
	key := priceKey(exchange, symbol)
	c.prices.Store(key, &cachedPrice{Price: price, UpdatedAt: time.Now()})

	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// Best effort; a missed Redis write only costs one extra fetch elsewhere.
		c.rdb.Set(ctx, "core:price:"+key, strconv.FormatFloat(price, 'f', -1, 64), priceTTL)
	}
}

func (c *PriceCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *PriceCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}

// Stats returns cache hit/miss counts and hit rate
func (c *PriceCache) Stats() (hits, misses int64, hitRate float64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	hits = c.hitCount
	misses = c.missCount
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return
}
