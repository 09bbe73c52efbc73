package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDiskConfig(t *testing.T) *DiskConfig {
	t.Helper()
	dir := t.TempDir()
	return &DiskConfig{
		Root:                   filepath.Join(dir, "cache"),
		IndexPath:              filepath.Join(dir, "state", "index.json"),
		CheckpointDelay:        10 * time.Millisecond,
		CheckpointMaxStaleness: 50 * time.Millisecond,
	}
}

func newTestDiskStore(t *testing.T, cfg *DiskConfig) *DiskStore {
	t.Helper()
	d, err := NewDiskStore("testcache", cfg)
	require.NoError(t, err)
	return d
}

func TestDiskStoreSetGet(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("k", []byte("payload"), time.Time{}))

	assert.True(t, d.Contains("k"))
	data, ok := d.Bytes("k")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	_, ok = d.Bytes("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Len())
}

func TestDiskStoreOpaqueFileNames(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	key := "users/42?view=full"
	require.NoError(t, d.SetBytes(key, []byte("x"), time.Time{}))

	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasSuffix(name, ".blob"))
	assert.NotContains(t, name, "users")
}

func TestDiskStoreOverwriteKeepsIdentifier(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("k", []byte("one"), time.Time{}))
	first, err := os.ReadDir(d.Root())
	require.NoError(t, err)

	require.NoError(t, d.SetBytes("k", []byte("two"), time.Time{}))
	second, err := os.ReadDir(d.Root())
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].Name(), second[0].Name())

	data, ok := d.Bytes("k")
	require.True(t, ok)
	assert.Equal(t, []byte("two"), data)
}

func TestDiskStorePersistsAcrossReopen(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, d.SetBytes("durable", []byte("survives"), exp))
	require.NoError(t, d.SetBytes("forever", []byte("too"), time.Time{}))
	require.NoError(t, d.Close())

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()

	data, ok := d2.Bytes("durable")
	require.True(t, ok)
	assert.Equal(t, []byte("survives"), data)

	got, ok := d2.ExpirationDate("durable")
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	got, ok = d2.ExpirationDate("forever")
	require.True(t, ok)
	assert.True(t, got.IsZero())
}

func TestDiskStoreExpiration(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("short", []byte("v"), time.Now().Add(15*time.Millisecond)))
	assert.True(t, d.Contains("short"))

	time.Sleep(25 * time.Millisecond)

	_, ok := d.Bytes("short")
	assert.False(t, ok)

	// The expired read triggers asynchronous removal of entry and file.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(d.Root())
		return err == nil && len(entries) == 0 && d.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDiskStoreLazyRemovalSparesFreshWrite(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("k", []byte("stale"), time.Now().Add(-time.Minute)))

	// The expired read schedules an asynchronous removal for the key.
	_, ok := d.Bytes("k")
	require.False(t, ok)

	// A write landing before that removal runs must win: the removal only
	// applies to the entry observed expired, never to its replacement.
	require.NoError(t, d.SetBytes("k", []byte("fresh"), time.Now().Add(time.Hour)))

	time.Sleep(200 * time.Millisecond)

	data, ok := d.Bytes("k")
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), data)
	assert.Equal(t, 1, d.Len())
}

func TestDiskStoreLazyRemovalStillDropsMissingFile(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))

	// Lose the backing file out from under a live entry; the failed read
	// drops the dangling index entry asynchronously.
	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.Remove(filepath.Join(d.Root(), entries[0].Name())))

	_, ok := d.Bytes("k")
	require.False(t, ok)

	require.Eventually(t, func() bool {
		return d.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDiskStoreRemove(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))
	require.NoError(t, d.Remove("k"))

	assert.False(t, d.Contains("k"))
	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, d.Remove("absent"))
}

func TestDiskStoreRemoveAll(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("a", []byte("1"), time.Time{}))
	require.NoError(t, d.SetBytes("b", []byte("2"), time.Time{}))
	require.NoError(t, d.RemoveAll())

	assert.Equal(t, 0, d.Len())
	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The store stays usable afterwards.
	require.NoError(t, d.SetBytes("c", []byte("3"), time.Time{}))
	assert.True(t, d.Contains("c"))
}

func TestDiskStoreRemoveExpired(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("stale", []byte("v"), time.Now().Add(-time.Minute)))
	require.NoError(t, d.SetBytes("fresh", []byte("v"), time.Now().Add(time.Hour)))
	require.NoError(t, d.SetBytes("forever", []byte("v"), time.Time{}))

	removed, err := d.RemoveExpired()
	require.NoError(t, err)

	assert.Equal(t, 1, removed)
	assert.False(t, d.Contains("stale"))
	assert.True(t, d.Contains("fresh"))
	assert.True(t, d.Contains("forever"))
}

func TestDiskStoreRemoveOlderThan(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("old", []byte("v"), time.Time{}))
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.SetBytes("new", []byte("v"), time.Time{}))

	removed, err := d.RemoveOlderThan(cutoff)
	require.NoError(t, err)

	assert.Equal(t, 1, removed)
	assert.False(t, d.Contains("old"))
	assert.True(t, d.Contains("new"))
}

func TestDiskStoreSetExpirationDate(t *testing.T) {
	d := newTestDiskStore(t, testDiskConfig(t))
	defer d.Close()

	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))

	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, d.SetExpirationDate("k", exp))
	got, ok := d.ExpirationDate("k")
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	// Unknown keys are a no-op.
	require.NoError(t, d.SetExpirationDate("absent", exp))
	assert.False(t, d.Contains("absent"))
}

func TestDiskStoreDropsEntryWithMissingFile(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("gone", []byte("v"), time.Time{}))
	require.NoError(t, d.SetBytes("kept", []byte("v"), time.Time{}))
	require.NoError(t, d.Close())

	// Simulate a cache file lost between runs.
	entries, err := os.ReadDir(cfg.Root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, os.Remove(filepath.Join(cfg.Root, entries[0].Name())))

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()

	// Exactly one of the two survives; the index no longer references the
	// deleted file.
	assert.Equal(t, 1, d2.Len())
	assert.NotEqual(t, d2.Contains("gone"), d2.Contains("kept"))
}

func TestDiskStoreDeletesUntrackedFiles(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("tracked", []byte("v"), time.Time{}))
	require.NoError(t, d.Close())

	orphan := filepath.Join(cfg.Root, "00000000-0000-0000-0000-000000000000.blob")
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0o600))

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, d2.Contains("tracked"))
}

func TestDiskStoreDropsExpiredOnOpen(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("stale", []byte("v"), time.Now().Add(20*time.Millisecond)))
	require.NoError(t, d.Close())

	time.Sleep(30 * time.Millisecond)

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()

	assert.Equal(t, 0, d2.Len())
	entries, err := os.ReadDir(cfg.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskStoreCorruptIndexStartsEmpty(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))
	require.NoError(t, d.Close())

	require.NoError(t, os.WriteFile(cfg.IndexPath, []byte("{not json"), 0o600))

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()

	// With the index gone, the content files are orphans and get swept.
	assert.Equal(t, 0, d2.Len())
	entries, err := os.ReadDir(cfg.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskStoreIndexSurvivesRootWipe(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))
	require.NoError(t, d.Close())

	// The index lives outside the cache root, so wiping the root leaves it
	// behind; the next open reconciles the dangling entries away.
	require.NoError(t, os.RemoveAll(cfg.Root))
	_, err := os.Stat(cfg.IndexPath)
	require.NoError(t, err)

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()
	assert.Equal(t, 0, d2.Len())
}

func TestDiskStoreCheckpointDebounce(t *testing.T) {
	cfg := testDiskConfig(t)
	d := newTestDiskStore(t, cfg)
	defer d.Close()

	before, err := os.ReadFile(cfg.IndexPath)
	require.NoError(t, err)

	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))

	// The write is debounced, then lands without an explicit Close.
	require.Eventually(t, func() bool {
		after, err := os.ReadFile(cfg.IndexPath)
		return err == nil && string(after) != string(before)
	}, time.Second, 5*time.Millisecond)

	var index map[string]diskEntry
	after, err := os.ReadFile(cfg.IndexPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(after, &index))
	assert.Contains(t, index, "k")
}

func TestDiskStoreCloseFlushesIndex(t *testing.T) {
	cfg := testDiskConfig(t)
	cfg.CheckpointDelay = time.Hour
	cfg.CheckpointMaxStaleness = 2 * time.Hour

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))
	require.NoError(t, d.Close())

	var index map[string]diskEntry
	data, err := os.ReadFile(cfg.IndexPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &index))
	assert.Contains(t, index, "k")
}

func TestDiskStoreMutationsAfterClose(t *testing.T) {
	cfg := testDiskConfig(t)
	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("k", []byte("v"), time.Time{}))
	require.NoError(t, d.Close())

	// Every mutation fails once closed, so nothing can change state that the
	// final index flush no longer records.
	assert.Error(t, d.SetBytes("k2", []byte("v"), time.Time{}))
	assert.Error(t, d.Remove("k"))
	assert.Error(t, d.RemoveAll())
	assert.Error(t, d.SetExpirationDate("k", time.Now().Add(time.Hour)))
	_, err := d.RemoveExpired()
	assert.Error(t, err)
	_, err = d.RemoveOlderThan(time.Now())
	assert.Error(t, err)

	// Reads still serve the last known state.
	data, ok := d.Bytes("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), data)
}

func TestDiskStoreMigratesLegacyEntries(t *testing.T) {
	cfg := testDiskConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Root, 0o750))

	// A pre-index layout: content plus a JSON sidecar per entry, named by an
	// escaped form of the key.
	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	writeLegacy(t, cfg.Root, "report%2F2024", legacyMeta{
		Key:       "report/2024",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: exp,
	}, []byte("legacy payload"))
	writeLegacy(t, cfg.Root, "expired", legacyMeta{
		Key:       "expired",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}, []byte("dead"))

	d := newTestDiskStore(t, cfg)
	defer d.Close()

	data, ok := d.Bytes("report/2024")
	require.True(t, ok)
	assert.Equal(t, []byte("legacy payload"), data)

	got, ok := d.ExpirationDate("report/2024")
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	// Expired legacy entries are discarded, and no sidecars survive.
	assert.False(t, d.Contains("expired"))
	entries, err := os.ReadDir(cfg.Root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".blob"))
}

func TestDiskStoreMigrationPrefersIndex(t *testing.T) {
	cfg := testDiskConfig(t)

	d := newTestDiskStore(t, cfg)
	require.NoError(t, d.SetBytes("k", []byte("indexed"), time.Time{}))
	require.NoError(t, d.Close())

	writeLegacy(t, cfg.Root, "k", legacyMeta{Key: "k", CreatedAt: time.Now()}, []byte("legacy"))

	d2 := newTestDiskStore(t, cfg)
	defer d2.Close()

	data, ok := d2.Bytes("k")
	require.True(t, ok)
	assert.Equal(t, []byte("indexed"), data)
}

func writeLegacy(t *testing.T, root, base string, meta legacyMeta, data []byte) {
	t.Helper()
	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, base+legacyMetaExt), metaBytes, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, base+blobExt), data, 0o600))
}
