package vizql

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/askviz/askviz-engine/pkg/jsonutil"
	"github.com/askviz/askviz-engine/pkg/models"
)

// QueryCache is the process-wide fingerprint cache for executed VDS queries.
// Keys are the SHA-256 of the canonicalized query JSON, so two queries that
// differ only in key order or whitespace share one entry. Concurrent callers
// with the same fingerprint share a single upstream execution.
type QueryCache struct {
	capacity int
	ttl      time.Duration
	clock    clockwork.Clock

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	fingerprint string
	result      *models.QueryResult
	expiresAt   time.Time
}

// NewQueryCache creates a cache with the given capacity and TTL. The clock
// is injectable for expiry tests; pass clockwork.NewRealClock() in production.
func NewQueryCache(capacity int, ttl time.Duration, clock clockwork.Clock) *QueryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Fingerprint computes the cache key for a query against a datasource.
func Fingerprint(datasourceID string, query *models.VDSQuery) (string, error) {
	canonical, err := jsonutil.CanonicalizeValue(map[string]any{
		"datasource": datasourceID,
		"query":      query,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint query: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the cached result for a fingerprint, if present and fresh.
// Callers get a shallow copy with FromCache set, so per-request annotations
// never touch the shared entry.
func (c *QueryCache) Get(fingerprint string) (*models.QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.clock.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, fingerprint)
		return nil, false
	}
	c.order.MoveToFront(elem)
	cp := *entry.result
	cp.FromCache = true
	return &cp, true
}

// put stores a result, evicting the least recently used entry at capacity.
func (c *QueryCache) put(fingerprint string, result *models.QueryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fingerprint]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.expiresAt = c.clock.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).fingerprint)
	}

	elem := c.order.PushFront(&cacheEntry{
		fingerprint: fingerprint,
		result:      result,
		expiresAt:   c.clock.Now().Add(c.ttl),
	})
	c.entries[fingerprint] = elem
}

// Execute returns the cached result for the fingerprint or runs fn to
// produce one, with at most one in-flight fn per fingerprint process-wide.
// fromCache reports a cache hit; a caller that joined another caller's
// in-flight execution gets fromCache=false since the data is equally fresh.
// Failed executions never populate the cache.
func (c *QueryCache) Execute(fingerprint string, fn func() (*models.QueryResult, error)) (result *models.QueryResult, fromCache bool, err error) {
	if cached, ok := c.Get(fingerprint); ok {
		return cached, true, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		res, err := fn()
		if err != nil {
			return nil, err
		}
		c.put(fingerprint, res)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	// Joined callers share the leader's pointer; hand each caller its own
	// copy so nobody writes through to the cached entry.
	cp := *v.(*models.QueryResult)
	cp.FromCache = false
	return &cp, false, nil
}

// Len returns the number of live entries, for metrics.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
