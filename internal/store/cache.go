package store

import (
	"sync"

	"github.com/vetpulse/vetsync/internal/models"
)

type bucketKey struct {
	tenantID   string
	entityType models.EntityType
}

type bucket struct {
	all  []models.EntityRecord // nil until a full listing is cached
	byID map[string]models.EntityRecord
}

// readCache memoizes reads per (tenant, entity type). Any write to a
// partition drops that partition; a tenant switch drops everything.
type readCache struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
}

func newReadCache() *readCache {
	return &readCache{buckets: make(map[bucketKey]*bucket)}
}

func (c *readCache) get(tenantID string, et models.EntityType, id string) (models.EntityRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[bucketKey{tenantID, et}]
	if !ok {
		return models.EntityRecord{}, false
	}
	rec, ok := b.byID[id]
	if !ok {
		return models.EntityRecord{}, false
	}
	return cloneRecord(rec), true
}

func (c *readCache) getAll(tenantID string, et models.EntityType) ([]models.EntityRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[bucketKey{tenantID, et}]
	if !ok || b.all == nil {
		return nil, false
	}
	out := make([]models.EntityRecord, len(b.all))
	for i, rec := range b.all {
		out[i] = cloneRecord(rec)
	}
	return out, true
}

func (c *readCache) bucketFor(tenantID string, et models.EntityType) *bucket {
	key := bucketKey{tenantID, et}
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{byID: make(map[string]models.EntityRecord)}
		c.buckets[key] = b
	}
	return b
}

func (c *readCache) put(rec models.EntityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucketFor(rec.TenantID, rec.EntityType).byID[rec.ID] = cloneRecord(rec)
}

func (c *readCache) putAll(tenantID string, et models.EntityType, recs []models.EntityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucketFor(tenantID, et)
	b.all = make([]models.EntityRecord, len(recs))
	for i, rec := range recs {
		b.all[i] = cloneRecord(rec)
		b.byID[rec.ID] = b.all[i]
	}
}

func (c *readCache) invalidate(tenantID string, et models.EntityType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, bucketKey{tenantID, et})
}

func (c *readCache) invalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.buckets {
		if k.tenantID == tenantID {
			delete(c.buckets, k)
		}
	}
}

func (c *readCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[bucketKey]*bucket)
}

func (c *readCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

func cloneRecord(rec models.EntityRecord) models.EntityRecord {
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}
	return rec
}
