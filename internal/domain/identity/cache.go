// Package identity is the transactional layer over the correlation engine:
// inbound record resolution, merge/split, EID consistency checking, and the
// review-queue escalations, exposed through the administrative HTTP surface.
package identity

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/empi/empi/internal/domain/person"
)

// Cache is the bounded lookaside cache over resolved identities, keyed both
// by internal OID and by person identifier. Reads may be stale; merge,
// split, and update code evicts affected entries synchronously before
// returning. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	byOID map[uuid.UUID]*cacheEntry
	byPID map[string]uuid.UUID
	order []uuid.UUID
}

type cacheEntry struct {
	p       *person.Person
	expires time.Time
	pidKeys []string
}

func NewCache(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		ttl:   ttl,
		max:   maxEntries,
		byOID: make(map[uuid.UUID]*cacheEntry),
		byPID: make(map[string]uuid.UUID),
	}
}

func pidKey(id person.PersonIdentifier) string {
	return strings.ToLower(id.ID) + "|" +
		strings.ToLower(id.AssigningAuthority.NamespaceID) + "|" +
		strings.ToLower(id.AssigningFacility.NamespaceID)
}

// GetByOID returns a cached identity, or nil when absent or expired.
func (c *Cache) GetByOID(oid uuid.UUID) *person.Person {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byOID[oid]
	if !ok {
		return nil
	}
	if time.Now().After(e.expires) {
		c.removeLocked(oid)
		return nil
	}
	return e.p
}

// GetByIdentifier returns a cached identity by one of its identifiers.
func (c *Cache) GetByIdentifier(id person.PersonIdentifier) *person.Person {
	c.mu.Lock()
	oid, ok := c.byPID[pidKey(id)]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.GetByOID(oid)
}

// Put caches an identity under its OID and all its identifiers, evicting
// the oldest entries when full.
func (c *Cache) Put(p *person.Person) {
	if p == nil || p.OID == uuid.Nil || c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byOID[p.OID]; ok {
		c.removeLocked(p.OID)
	}
	for len(c.byOID) >= c.max && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}

	e := &cacheEntry{p: p, expires: time.Now().Add(c.ttl)}
	for _, id := range p.Identifiers {
		k := pidKey(id)
		e.pidKeys = append(e.pidKeys, k)
		c.byPID[k] = p.OID
	}
	c.byOID[p.OID] = e
	c.order = append(c.order, p.OID)
}

// Invalidate drops the entry for an OID and all its identifier keys.
func (c *Cache) Invalidate(oid uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(oid)
}

func (c *Cache) removeLocked(oid uuid.UUID) {
	e, ok := c.byOID[oid]
	if !ok {
		return
	}
	for _, k := range e.pidKeys {
		if c.byPID[k] == oid {
			delete(c.byPID, k)
		}
	}
	delete(c.byOID, oid)
	for i, o := range c.order {
		if o == oid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byOID)
}
