package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/domain"
)

// CachedStore wraps a Store with a Redis read-through cache. The cache is a
// pure accelerator: any cache failure falls back to the inner store, so an
// outage degrades latency, never correctness.
type CachedStore struct {
	inner Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{inner: inner, redis: rdb, ttl: ttl}
}

func snapshotKey(variantID string) string { return "snapshot:" + variantID }
func activeKey(personaID string) string   { return "active:" + personaID }
func metricsKey(personaID string) string  { return "metrics:" + personaID }

func (c *CachedStore) GetSnapshot(ctx context.Context, variantID string) (*domain.PerformanceSnapshot, error) {
	var snap domain.PerformanceSnapshot
	if c.cacheGet(ctx, snapshotKey(variantID), &snap) {
		return &snap, nil
	}
	fresh, err := c.inner.GetSnapshot(ctx, variantID)
	if err != nil {
		return nil, err
	}
	c.cacheSet(ctx, snapshotKey(variantID), fresh)
	return fresh, nil
}

func (c *CachedStore) ListActiveSnapshots(ctx context.Context, personaID string) ([]domain.PerformanceSnapshot, error) {
	var snapshots []domain.PerformanceSnapshot
	if c.cacheGet(ctx, activeKey(personaID), &snapshots) {
		return snapshots, nil
	}
	fresh, err := c.inner.ListActiveSnapshots(ctx, personaID)
	if err != nil {
		return nil, err
	}
	c.cacheSet(ctx, activeKey(personaID), fresh)
	return fresh, nil
}

func (c *CachedStore) PersonaMetrics(ctx context.Context, personaID string) (*domain.PersonaMetrics, error) {
	var m domain.PersonaMetrics
	if c.cacheGet(ctx, metricsKey(personaID), &m) {
		return &m, nil
	}
	fresh, err := c.inner.PersonaMetrics(ctx, personaID)
	if err != nil {
		return nil, err
	}
	c.cacheSet(ctx, metricsKey(personaID), fresh)
	return fresh, nil
}

// Event reads always hit the relational store: replay correctness depends on
// seeing every committed row.

func (c *CachedStore) ListRecentEvents(ctx context.Context, personaID string, sinceSeq int64, limit int) ([]domain.DashboardEvent, error) {
	return c.inner.ListRecentEvents(ctx, personaID, sinceSeq, limit)
}

func (c *CachedStore) ListRecentSuggestions(ctx context.Context, personaID string, limit int) ([]domain.DashboardEvent, error) {
	return c.inner.ListRecentSuggestions(ctx, personaID, limit)
}

func (c *CachedStore) RegisterVariant(ctx context.Context, v domain.Variant) (*domain.PerformanceSnapshot, error) {
	snap, err := c.inner.RegisterVariant(ctx, v)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, v.VariantID, snap.PersonaID)
	return snap, nil
}

func (c *CachedStore) UpsertSnapshot(ctx context.Context, variantID string, delta domain.SnapshotDelta, upstreamEventID string) (*domain.PerformanceSnapshot, error) {
	snap, err := c.inner.UpsertSnapshot(ctx, variantID, delta, upstreamEventID)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, variantID, snap.PersonaID)
	return snap, nil
}

func (c *CachedStore) RecordKill(ctx context.Context, variantID, reason, upstreamEventID string) (*domain.KillRecord, *domain.PerformanceSnapshot, bool, error) {
	rec, snap, created, err := c.inner.RecordKill(ctx, variantID, reason, upstreamEventID)
	if err != nil {
		return nil, nil, false, err
	}
	c.invalidate(ctx, variantID, snap.PersonaID)
	return rec, snap, created, nil
}

func (c *CachedStore) SetFatigueWarning(ctx context.Context, variantID, upstreamEventID string) (*domain.PerformanceSnapshot, error) {
	snap, err := c.inner.SetFatigueWarning(ctx, variantID, upstreamEventID)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, variantID, snap.PersonaID)
	return snap, nil
}

func (c *CachedStore) AppendEvent(ctx context.Context, ev *domain.DashboardEvent) error {
	return c.inner.AppendEvent(ctx, ev)
}

func (c *CachedStore) cacheGet(ctx context.Context, key string, dest any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Cache read failed, falling back to store")
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache entry undecodable, falling back to store")
		return false
	}
	return true
}

func (c *CachedStore) cacheSet(ctx context.Context, key string, value any) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

func (c *CachedStore) invalidate(ctx context.Context, variantID, personaID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, snapshotKey(variantID), activeKey(personaID), metricsKey(personaID)).Err(); err != nil {
		log.Debug().Err(err).Str("variant_id", variantID).Msg("Cache invalidation failed")
	}
}
