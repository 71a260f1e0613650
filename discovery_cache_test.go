package p2p

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdvertisement(peerID string, expiresAt time.Time) PresenceAdvertisement {
	return PresenceAdvertisement{
		PeerID:        peerID,
		Multiaddrs:    []string{"/ip4/192.168.1.10/tcp/9735/p2p/" + peerID},
		RelayAddrs:    []string{"/dns4/relay.lotusia.org/tcp/9735/p2p/relay-peer"},
		WalletAddress: "lotus_" + peerID,
		CreatedAt:     expiresAt.Add(-time.Hour),
		ExpiresAt:     expiresAt,
	}
}

func TestDiscoveryCacheEvictsSmallestLastAccess(t *testing.T) {
	clk := clock.NewMock()
	cache, err := NewDiscoveryCache(createTestLogger(t), nil, 3, time.Second, clk)
	require.NoError(t, err)

	expiry := clk.Now().Add(24 * time.Hour)
	cache.Set("a", testAdvertisement("a", expiry))
	clk.Add(time.Millisecond)
	cache.Set("b", testAdvertisement("b", expiry))
	clk.Add(time.Millisecond)
	cache.Set("c", testAdvertisement("c", expiry))
	clk.Add(time.Millisecond)

	// Perturb access order: "a" is no longer the least recently used.
	_, ok := cache.Get("a")
	require.True(t, ok)
	clk.Add(time.Millisecond)

	cache.Set("d", testAdvertisement("d", expiry))

	assert.Equal(t, 3, cache.Len())
	_, ok = cache.Get("b")
	assert.False(t, ok, "entry with smallest lastAccess should have been evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok = cache.Get(key)
		assert.True(t, ok, "entry %s should survive eviction", key)
	}
}

func TestDiscoveryCacheEvictionTieBreakIsInsertionOrder(t *testing.T) {
	clk := clock.NewMock()
	cache, err := NewDiscoveryCache(createTestLogger(t), nil, 3, time.Second, clk)
	require.NoError(t, err)

	// All entries share an identical lastAccess timestamp.
	expiry := clk.Now().Add(24 * time.Hour)
	cache.Set("x", testAdvertisement("x", expiry))
	cache.Set("y", testAdvertisement("y", expiry))
	cache.Set("z", testAdvertisement("z", expiry))

	cache.Set("w", testAdvertisement("w", expiry))

	_, ok := cache.Get("x")
	assert.False(t, ok, "oldest insertion should lose the tie")
	_, ok = cache.Get("y")
	assert.True(t, ok)
}

func TestDiscoveryCacheExcludesExpiredEntries(t *testing.T) {
	clk := clock.NewMock()
	cache, err := NewDiscoveryCache(createTestLogger(t), nil, 10, time.Second, clk)
	require.NoError(t, err)

	cache.Set("fresh", testAdvertisement("fresh", clk.Now().Add(time.Hour)))
	cache.Set("stale", testAdvertisement("stale", clk.Now().Add(time.Minute)))

	clk.Add(30 * time.Minute)

	entries := cache.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Advertisement.PeerID)

	removed := cache.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, cache.Len())
}

func TestDiscoveryCacheUpsertMergesByPublicKey(t *testing.T) {
	clk := clock.NewMock()
	cache, err := NewDiscoveryCache(createTestLogger(t), nil, 10, time.Second, clk)
	require.NoError(t, err)

	pub := HexBytes{0x02, 0xaa, 0xbb, 0xcc}
	first := testAdvertisement("peer1", clk.Now().Add(time.Hour))
	first.PublicKey = pub
	first.Nickname = "alice"
	cache.Set("peer1", first)
	addedAt := clk.Now()

	clk.Add(time.Minute)

	update := PresenceAdvertisement{
		PeerID:     "peer1",
		PublicKey:  pub,
		RelayAddrs: []string{"/dns4/relay2.lotusia.org/tcp/9735/p2p/relay2"},
		CreatedAt:  clk.Now(),
		ExpiresAt:  clk.Now().Add(time.Hour),
	}
	cache.Upsert(update)

	entry, ok := cache.Get("peer1")
	require.True(t, ok)
	assert.Equal(t, "alice", entry.Advertisement.Nickname, "merge should preserve fields absent from the update")
	assert.Equal(t, update.RelayAddrs, entry.Advertisement.RelayAddrs)
	assert.True(t, entry.AddedAt.Equal(addedAt), "upsert must preserve the original addedAt")
	assert.GreaterOrEqual(t, entry.AccessCount, 1)
	assert.Equal(t, 1, cache.Len(), "upsert must not duplicate the entry")
}

func TestDiscoveryCachePersistenceRoundTrip(t *testing.T) {
	store := newMemStore()
	logger := createTestLogger(t)

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ad := PresenceAdvertisement{
		PeerID:        "12D3KooWpeer",
		Multiaddrs:    []string{"/ip4/10.0.0.1/tcp/9735/p2p/12D3KooWpeer"},
		RelayAddrs:    []string{"/dns4/relay.lotusia.org/tcp/9735/p2p/relay"},
		WalletAddress: "lotus_16PSJ",
		PublicKey:     HexBytes{0x02, 0xde, 0xad, 0xbe, 0xef},
		Nickname:      "bob",
		Avatar:        "avatar://bob",
		CreatedAt:     created,
		ExpiresAt:     created.Add(24 * 365 * time.Hour),
	}

	first, err := NewDiscoveryCache(logger, store, 10, time.Second, clock.NewMock())
	require.NoError(t, err)
	first.Set(ad.PeerID, ad)
	first.Flush()

	second, err := NewDiscoveryCache(logger, store, 10, time.Second, clock.NewMock())
	require.NoError(t, err)
	entry, ok := second.Get(ad.PeerID)
	require.True(t, ok)
	assert.Equal(t, ad, entry.Advertisement, "reloaded advertisement must match field for field")

	// The secondary index survives the reload too.
	byKey, ok := second.FindByPublicKey(ad.PublicKey.String())
	require.True(t, ok)
	assert.Equal(t, ad.PeerID, byKey.Advertisement.PeerID)
}

func TestDiscoveryCacheDebouncesSaves(t *testing.T) {
	store := newMemStore()
	clk := clock.NewMock()
	cache, err := NewDiscoveryCache(createTestLogger(t), store, 10, 500*time.Millisecond, clk)
	require.NoError(t, err)

	expiry := clk.Now().Add(time.Hour)
	cache.Set("a", testAdvertisement("a", expiry))
	cache.Set("b", testAdvertisement("b", expiry))
	assert.Equal(t, 0, store.calls(), "writes must be deferred to the debounce timer")

	clk.Add(600 * time.Millisecond)
	require.Eventually(t, func() bool { return store.calls() == 1 },
		time.Second, 10*time.Millisecond, "coalesced write should land once the timer fires")
}

func TestDiscoveryCacheSurvivesStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failWrites(true)
	clk := clock.NewMock()

	cache, err := NewDiscoveryCache(createTestLogger(t), store, 10, time.Second, clk)
	require.NoError(t, err)

	cache.Set("a", testAdvertisement("a", clk.Now().Add(time.Hour)))
	cache.Flush() // must swallow the write error

	entry, ok := cache.Get("a")
	require.True(t, ok, "cache must keep serving from memory after a persistence failure")
	assert.Equal(t, "a", entry.Advertisement.PeerID)
}

func TestDiscoveryCacheCloseFlushesSynchronously(t *testing.T) {
	store := newMemStore()
	clk := clock.NewMock()
	cache, err := NewDiscoveryCache(createTestLogger(t), store, 10, time.Hour, clk)
	require.NoError(t, err)

	cache.Set("a", testAdvertisement("a", clk.Now().Add(time.Hour)))
	cache.Close()

	assert.Equal(t, 1, store.calls(), "teardown must not wait for the debounce timer")
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	require.NoError(t, store.Set("discovery-cache", []byte(`[["k",{}]]`)))
	data, err := store.Get("discovery-cache")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[["k",{}]]`), data)

	require.NoError(t, store.Delete("discovery-cache"))
	require.NoError(t, store.Delete("discovery-cache"), "deleting a missing key is not an error")
	_, err = store.Get("discovery-cache")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
