// Package oracle resolves the current SOL/USD price through a cascading
// fallback chain. It is the sole source of truth for USD to lamport
// conversion and by contract never fails: when every feed and cache is
// exhausted it returns a hardcoded conservative quote rather than zero.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Freshness windows for cached quotes.
const (
	FreshTTL = 5 * time.Second
	StaleTTL = time.Hour
)

// Quote is a price observation with its fetch time.
type Quote struct {
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Age returns how old the quote is.
func (q Quote) Age() time.Duration {
	return time.Since(q.FetchedAt)
}

// Cache is one tier of quote storage. Implemented once per tier:
// process-local (memoryCache) and shared (RedisCache).
type Cache interface {
	Get(ctx context.Context) (Quote, bool)
	Set(ctx context.Context, q Quote)
}

// Feed is an external price source.
type Feed interface {
	Name() string
	Fetch(ctx context.Context) (float64, error)
}

// memoryCache is the always-present process-local tier. Read-mostly; a race
// costs at worst a slightly stale quote within the freshness windows.
type memoryCache struct {
	mu    sync.RWMutex
	quote Quote
	set   bool
}

func (c *memoryCache) Get(ctx context.Context) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quote, c.set
}

func (c *memoryCache) Set(ctx context.Context, q Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quote = q
	c.set = true
}

// Oracle resolves SOL/USD prices. Construct with New.
type Oracle struct {
	local         *memoryCache
	shared        Cache // optional second tier, nil without Redis
	feeds         []Feed
	fallbackPrice float64
	log           *logrus.Entry
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithFeeds replaces the default feed chain. Order is resolution order.
func WithFeeds(feeds ...Feed) Option {
	return func(o *Oracle) { o.feeds = feeds }
}

// WithSharedCache adds a shared cache tier consulted after the local one.
func WithSharedCache(c Cache) Option {
	return func(o *Oracle) { o.shared = c }
}

// New creates an Oracle with the default CoinGecko-then-Kraken feed chain.
// fallbackPrice must be positive; it is the quote of last resort.
func New(fallbackPrice float64, log *logrus.Entry, opts ...Option) *Oracle {
	o := &Oracle{
		local:         &memoryCache{},
		feeds:         []Feed{NewCoinGeckoFeed(), NewKrakenFeed()},
		fallbackPrice: fallbackPrice,
		log:           log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Price returns the current SOL/USD price. Resolution order: fresh local
// cache, fresh shared cache, live feeds in order, stale cache up to an hour,
// hardcoded fallback. It never returns zero and never fails.
func (o *Oracle) Price(ctx context.Context) float64 {
	if q, ok := o.local.Get(ctx); ok && q.Age() < FreshTTL {
		return q.Price
	}

	if o.shared != nil {
		if q, ok := o.shared.Get(ctx); ok && q.Age() < FreshTTL {
			o.local.Set(ctx, q)
			return q.Price
		}
	}

	for _, feed := range o.feeds {
		price, err := feed.Fetch(ctx)
		if err != nil || price <= 0 {
			o.log.WithError(err).WithField("feed", feed.Name()).Warn("price feed failed")
			continue
		}
		q := Quote{Price: price, FetchedAt: time.Now()}
		o.local.Set(ctx, q)
		if o.shared != nil {
			o.shared.Set(ctx, q)
		}
		return price
	}

	if q, ok := o.local.Get(ctx); ok && q.Age() < StaleTTL {
		o.log.WithField("age", q.Age().String()).Warn("all price feeds down, serving stale quote")
		return q.Price
	}

	o.log.WithField("fallback", o.fallbackPrice).Error("all price sources exhausted, serving fallback quote")
	return o.fallbackPrice
}
