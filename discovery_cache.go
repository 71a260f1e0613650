package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// discoveryStoreKey is the store key under which the cache snapshot lives.
const discoveryStoreKey = "discovery-cache"

// CacheEntry wraps a presence advertisement with the bookkeeping the cache
// needs for LRU eviction and expiry.
type CacheEntry struct {
	Key           string                `json:"key"`
	Advertisement PresenceAdvertisement `json:"advertisement"`
	AddedAt       time.Time             `json:"addedAt"`
	LastAccess    time.Time             `json:"lastAccess"`
	AccessCount   int                   `json:"accessCount"`
	ExpiresAt     time.Time             `json:"expiresAt"`
}

// storedPair serializes a cache entry as the on-disk [key, entry] tuple.
type storedPair struct {
	Key   string
	Entry *CacheEntry
}

func (p storedPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.Key, p.Entry})
}

func (p *storedPair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected [key, entry] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Entry)
}

// DiscoveryCache is a size-bounded, LRU-evicting cache of presence
// advertisements, keyed by peer id with a secondary public-key index.
// Writes are coalesced onto a debounce timer before being persisted;
// persistence failures are logged and the cache degrades to memory-only.
//
// The LRU recency list doubles as the eviction order: Get and Set both touch
// recency, so the list head is always the entry with the smallest LastAccess,
// with insertion order breaking ties.
type DiscoveryCache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *CacheEntry]
	byPubKey map[string]string // hex public key -> cache key
	store    Store
	logger   Logger
	clk      clock.Clock
	debounce time.Duration
	saveTmr  *clock.Timer // nil when no save is pending
	closed   bool
}

// NewDiscoveryCache creates a cache with the given capacity, loads any
// persisted snapshot from the store and drops expired entries. A nil store
// yields a memory-only cache.
func NewDiscoveryCache(logger Logger, store Store, capacity int, debounce time.Duration, clk clock.Clock) (*DiscoveryCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	if clk == nil {
		clk = clock.New()
	}

	c := &DiscoveryCache{
		byPubKey: make(map[string]string),
		store:    store,
		logger:   logger,
		clk:      clk,
		debounce: debounce,
	}

	// The eviction callback only fires synchronously from Add/Remove/Purge
	// while c.mu is held, so it mutates the index without locking.
	entries, err := lru.NewWithEvict[string, *CacheEntry](capacity, func(_ string, e *CacheEntry) {
		delete(c.byPubKey, e.Advertisement.PublicKey.String())
	})
	if err != nil {
		return nil, fmt.Errorf("[DiscoveryCache] error creating LRU: %w", err)
	}
	c.entries = entries

	c.load()
	c.CleanupExpired()

	return c, nil
}

// load restores the persisted snapshot. Corrupt or missing data leaves the
// cache empty; storage failures never surface to the caller.
func (c *DiscoveryCache) load() {
	if c.store == nil {
		return
	}

	data, err := c.store.Get(discoveryStoreKey)
	if err != nil {
		if err != ErrEntryNotFound {
			c.logger.Warnf("[DiscoveryCache] error reading store, starting empty: %v", err)
		}
		return
	}

	var pairs []storedPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		c.logger.Warnf("[DiscoveryCache] corrupt snapshot, starting empty: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range pairs {
		if p.Entry == nil {
			continue
		}
		c.entries.Add(p.Key, p.Entry)
		if len(p.Entry.Advertisement.PublicKey) > 0 {
			c.byPubKey[p.Entry.Advertisement.PublicKey.String()] = p.Key
		}
	}

	c.logger.Debugf("[DiscoveryCache] restored %d entries", c.entries.Len())
}

// Get returns the entry for key and bumps its recency, access time and
// access count.
func (c *DiscoveryCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	e.LastAccess = c.clk.Now()
	e.AccessCount++
	c.scheduleSave()

	return e, true
}

// Set inserts or replaces the advertisement under key. If the cache is at
// capacity and the key is new, the entry with the smallest LastAccess is
// evicted first.
func (c *DiscoveryCache) Set(key string, ad PresenceAdvertisement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	e := &CacheEntry{
		Key:           key,
		Advertisement: ad,
		AddedAt:       now,
		LastAccess:    now,
		AccessCount:   0,
		ExpiresAt:     ad.ExpiresAt,
	}
	if prev, ok := c.entries.Peek(key); ok {
		e.AddedAt = prev.AddedAt
		e.AccessCount = prev.AccessCount
		delete(c.byPubKey, prev.Advertisement.PublicKey.String())
	}

	c.entries.Add(key, e)
	if len(ad.PublicKey) > 0 {
		c.byPubKey[ad.PublicKey.String()] = key
	}
	c.scheduleSave()
}

// Upsert merges an advertisement into the entry sharing its public key, or
// inserts it under its peer id when no match exists. The original AddedAt is
// preserved and the access count incremented; fields present in the incoming
// advertisement overwrite the stored ones.
func (c *DiscoveryCache) Upsert(ad PresenceAdvertisement) {
	c.mu.Lock()

	key := ad.PeerID
	if len(ad.PublicKey) > 0 {
		if existing, ok := c.byPubKey[ad.PublicKey.String()]; ok {
			key = existing
		}
	}

	if prev, ok := c.entries.Peek(key); ok {
		merged := mergeAdvertisements(prev.Advertisement, ad)
		e := &CacheEntry{
			Key:           key,
			Advertisement: merged,
			AddedAt:       prev.AddedAt,
			LastAccess:    c.clk.Now(),
			AccessCount:   prev.AccessCount + 1,
			ExpiresAt:     merged.ExpiresAt,
		}
		c.entries.Add(key, e)
		if len(merged.PublicKey) > 0 {
			c.byPubKey[merged.PublicKey.String()] = key
		}
		c.scheduleSave()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Set(key, ad)
}

// mergeAdvertisements overlays the non-empty fields of next onto prev.
func mergeAdvertisements(prev, next PresenceAdvertisement) PresenceAdvertisement {
	merged := next
	if merged.PeerID == "" {
		merged.PeerID = prev.PeerID
	}
	if len(merged.Multiaddrs) == 0 {
		merged.Multiaddrs = prev.Multiaddrs
	}
	if len(merged.RelayAddrs) == 0 {
		merged.RelayAddrs = prev.RelayAddrs
	}
	if merged.WalletAddress == "" {
		merged.WalletAddress = prev.WalletAddress
	}
	if len(merged.PublicKey) == 0 {
		merged.PublicKey = prev.PublicKey
	}
	if merged.Nickname == "" {
		merged.Nickname = prev.Nickname
	}
	if merged.Avatar == "" {
		merged.Avatar = prev.Avatar
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = prev.CreatedAt
	}
	if merged.ExpiresAt.IsZero() {
		merged.ExpiresAt = prev.ExpiresAt
	}
	return merged
}

// FindByPublicKey resolves an entry through the secondary public-key index
// without bumping recency.
func (c *DiscoveryCache) FindByPublicKey(pubKeyHex string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.byPubKey[pubKeyHex]
	if !ok {
		return nil, false
	}
	return c.entries.Peek(key)
}

// Entries returns all non-expired entries without bumping recency.
func (c *DiscoveryCache) Entries() []*CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	out := make([]*CacheEntry, 0, c.entries.Len())
	for _, e := range c.entries.Values() {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// CleanupExpired removes every entry whose ExpiresAt has passed and returns
// how many were dropped.
func (c *DiscoveryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && !e.ExpiresAt.After(now) {
			c.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debugf("[DiscoveryCache] removed %d expired entries", removed)
		c.scheduleSave()
	}
	return removed
}

// Len returns the number of cached entries, expired ones included.
func (c *DiscoveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// scheduleSave arms the debounce timer if no save is already pending.
// Called with c.mu held.
func (c *DiscoveryCache) scheduleSave() {
	if c.store == nil || c.closed || c.saveTmr != nil {
		return
	}
	c.saveTmr = c.clk.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		c.saveTmr = nil
		c.mu.Unlock()
		c.Flush()
	})
}

// Flush synchronously persists the current snapshot. Storage failures are
// logged, never returned; the cache keeps serving from memory.
func (c *DiscoveryCache) Flush() {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	pairs := make([]storedPair, 0, c.entries.Len())
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok {
			pairs = append(pairs, storedPair{Key: key, Entry: e})
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(pairs)
	if err != nil {
		c.logger.Errorf("[DiscoveryCache] error serializing snapshot: %v", err)
		return
	}
	if err := c.store.Set(discoveryStoreKey, data); err != nil {
		c.logger.Errorf("[DiscoveryCache] error persisting snapshot, continuing memory-only: %v", err)
	}
}

// Close cancels the pending debounce timer and performs a final synchronous
// flush so shutdown never loses a coalesced write.
func (c *DiscoveryCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.saveTmr != nil {
		c.saveTmr.Stop()
		c.saveTmr = nil
	}
	c.mu.Unlock()

	c.Flush()
}
