package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hervehildenbrand/attack-radar/pkg/logging"
	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

const (
	DefaultKey = "attacksCache"
	DefaultTTL = 180 * time.Second

	// Upper bound on a shared store query once detached from its callers.
	refreshTimeout = 30 * time.Second
)

// Aggregator computes the aggregate from the store.
type Aggregator interface {
	AggregateBySource(ctx context.Context) (models.Aggregate, error)
}

// Config configures the aggregate cache.
type Config struct {
	Key string
	TTL time.Duration
}

// AggregateCache serves the attacks-by-source-country aggregate, computing
// it from the store only when the cached copy is absent or expired.
type AggregateCache struct {
	transport Transport
	source    Aggregator
	key       string
	ttl       time.Duration
	group     singleflight.Group
	log       zerolog.Logger
}

// NewAggregateCache creates a read-through cache over source.
func NewAggregateCache(transport Transport, source Aggregator, cfg Config) *AggregateCache {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &AggregateCache{
		transport: transport,
		source:    source,
		key:       cfg.Key,
		ttl:       cfg.TTL,
		log:       logging.Component("cache"),
	}
}

// GetAggregate returns the cached aggregate, or computes, caches and
// returns a fresh one. Store failures are returned unchanged and nothing is
// cached. Cache transport failures are logged and otherwise ignored.
// If ctx ends first, ctx.Err() is returned; the shared query keeps running
// for any other waiting callers.
func (c *AggregateCache) GetAggregate(ctx context.Context) (models.Aggregate, error) {
	if agg, ok := c.lookup(ctx); ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return agg, nil
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	// Concurrent misses share one store query, which must not inherit the
	// cancellation of whichever caller happened to start it
	ch := c.group.DoChan(c.key, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return models.Aggregate{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Aggregate{}, res.Err
		}
		return res.Val.(models.Aggregate), nil
	}
}

func (c *AggregateCache) lookup(ctx context.Context) (models.Aggregate, bool) {
	data, found, err := c.transport.Get(ctx, c.key)
	if err != nil {
		metrics.CacheTransportErrors.WithLabelValues("get").Inc()
		c.log.Warn().Err(err).Msg("Cache read failed, computing from store")
		return models.Aggregate{}, false
	}
	if !found {
		return models.Aggregate{}, false
	}

	var agg models.Aggregate
	if err := json.Unmarshal(data, &agg); err != nil || len(agg.Label) != len(agg.Total) {
		c.log.Warn().Err(err).Str("key", c.key).Msg("Ignoring malformed cache entry")
		return models.Aggregate{}, false
	}
	if agg.Label == nil {
		agg = models.EmptyAggregate()
	}
	return agg, true
}

func (c *AggregateCache) refresh(ctx context.Context) (models.Aggregate, error) {
	agg, err := c.source.AggregateBySource(ctx)
	if err != nil {
		return models.Aggregate{}, err
	}

	data, err := json.Marshal(agg)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode aggregate")
		return agg, nil
	}

	if err := c.transport.Set(ctx, c.key, data, c.ttl); err != nil {
		metrics.CacheTransportErrors.WithLabelValues("set").Inc()
		c.log.Warn().Err(err).Msg("Cache write failed, serving uncached aggregate")
	}
	return agg, nil
}

// Ping checks the cache transport.
func (c *AggregateCache) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}
