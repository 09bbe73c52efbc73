package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/pkg/errors"
)

const blobExt = ".blob"

// diskEntry is one record in the durable index. The identifier decouples the
// on-disk filename from the key, which may contain characters no filesystem
// accepts. CreatedAt is recorded here because file creation timestamps are
// not portable.
type diskEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e diskEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// DiskStore is the durable cache tier: one content file per live key under a
// cache-root directory, named by an opaque identifier, plus an index document
// mapping key to identifier and expiration. The index is the single source of
// truth for existence and expiration on disk; it is checkpointed with a short
// debounce and repaired against the content files on open.
//
// The disk tier is unbounded: nothing evicts by size. A single DiskStore owns
// its root and index exclusively; pointing two stores at one root is not
// supported.
type DiskStore struct {
	root      string
	indexPath string

	mu    sync.RWMutex // single writer, multiple readers
	index map[string]diskEntry

	// Checkpoint bookkeeping, guarded by mu.
	dirty         bool
	lastSave      time.Time
	saveTimer     *time.Timer
	delay         time.Duration
	maxStaleness  time.Duration
	closed        bool

	logger    *slog.Logger
	collector *metrics.Collector
}

// NewDiskStore opens (or creates) the disk tier for the given cache name,
// running legacy migration and index/file reconciliation before returning.
// A nil config uses platform defaults. Failing to establish the cache root
// is the one error that fails construction; everything later degrades to
// misses.
func NewDiskStore(name string, cfg *DiskConfig) (*DiskStore, error) {
	return newDiskStore(name, cfg, slog.Default(), nil)
}

func newDiskStore(name string, cfg *DiskConfig, logger *slog.Logger, collector *metrics.Collector) (*DiskStore, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if cfg == nil {
		def := DefaultConfig(name)
		cfg = &def.Disk
	}

	root := cfg.Root
	if root == "" {
		var err error
		if root, err = defaultRoot(name); err != nil {
			return nil, err
		}
	}
	indexPath := cfg.IndexPath
	if indexPath == "" {
		var err error
		if indexPath, err = defaultIndexPath(name); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrap(errors.CodeInvalidConfig, "create cache root", err)
	}

	delay := cfg.CheckpointDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	staleness := cfg.CheckpointMaxStaleness
	if staleness < delay {
		staleness = 5 * time.Second
	}

	d := &DiskStore{
		root:         root,
		indexPath:    indexPath,
		index:        make(map[string]diskEntry),
		delay:        delay,
		maxStaleness: staleness,
		logger:       logger,
		collector:    collector,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadIndexLocked()
	d.migrateLegacyLocked()
	d.reconcileLocked()
	d.saveIndexLocked()

	return d, nil
}

// Root returns the cache-root directory holding the content files.
func (d *DiskStore) Root() string { return d.root }

// IndexPath returns the location of the durable index document.
func (d *DiskStore) IndexPath() string { return d.indexPath }

// Len returns the number of live index entries.
func (d *DiskStore) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

// Contains reports whether a non-expired entry exists for key.
func (d *DiskStore) Contains(key string) bool {
	d.mu.RLock()
	e, ok := d.index[key]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	if e.expired(time.Now()) {
		go d.removeQuietly(key)
		return false
	}
	return true
}

// Bytes returns the stored bytes for key. An expired entry is a miss; its
// removal happens asynchronously so the read returns immediately.
func (d *DiskStore) Bytes(key string) ([]byte, bool) {
	d.mu.RLock()
	e, ok := d.index[key]
	if !ok {
		d.mu.RUnlock()
		return nil, false
	}
	if e.expired(time.Now()) {
		d.mu.RUnlock()
		go d.removeQuietly(key)
		return nil, false
	}
	data, err := os.ReadFile(d.blobPath(e.ID))
	d.mu.RUnlock()
	if err != nil {
		d.logger.Warn("read cache file failed, treating as miss",
			"key", key, "error", errors.Wrap(errors.CodeStorageRead, "read blob", err))
		// The backing file is gone or unreadable; drop the stale index entry.
		go d.removeQuietly(key)
		return nil, false
	}
	return data, true
}

// SetBytes stores data under key. An existing entry keeps its identifier and
// creation time and is overwritten in place; otherwise a fresh identifier is
// minted. A failed file write rolls back the index entry for the key so the
// index and the files cannot diverge.
func (d *DiskStore) SetBytes(key string, data []byte, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New(errors.CodeStorageWrite, "store is closed")
	}

	e, ok := d.index[key]
	if !ok {
		e = diskEntry{ID: uuid.NewString(), CreatedAt: time.Now()}
	}
	e.ExpiresAt = expiresAt

	path := d.blobPath(e.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		delete(d.index, key)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Debug("cleanup after failed write", "path", path, "error", rmErr)
		}
		d.scheduleCheckpointLocked()
		werr := errors.Wrap(errors.CodeStorageWrite, "write blob", err).WithContext("key", key)
		d.logger.Warn("cache file write failed", "key", key, "error", werr)
		return werr
	}

	d.index[key] = e
	d.scheduleCheckpointLocked()
	return nil
}

// Remove deletes the entry and its content file for key.
func (d *DiskStore) Remove(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New(errors.CodeStorageWrite, "store is closed")
	}
	return d.removeLocked(key)
}

func (d *DiskStore) removeLocked(key string) error {
	e, ok := d.index[key]
	if !ok {
		return nil
	}
	delete(d.index, key)
	d.scheduleCheckpointLocked()
	if err := os.Remove(d.blobPath(e.ID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.CodeStorageWrite, "remove blob", err).WithContext("key", key)
	}
	return nil
}

// removeQuietly is the lazy-removal path, spawned off a read that found the
// entry expired or its file unreadable. The read's observation is stale by
// the time this runs, so the entry is re-checked under the lock: a fresh
// write for the key that landed in between wins and is left alone. Failures
// only get logged.
func (d *DiskStore) removeQuietly(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	e, ok := d.index[key]
	if !ok {
		return
	}
	if !e.expired(time.Now()) {
		if _, err := os.Stat(d.blobPath(e.ID)); err == nil {
			return
		}
	}
	if err := d.removeLocked(key); err != nil {
		d.logger.Warn("lazy removal failed", "key", key, "error", err)
	}
	d.collector.RecordEvictions(metrics.TierDisk, 1)
}

// RemoveAll clears the index and deletes the entire cache root recursively,
// which is much cheaper than deleting file by file. The root is recreated so
// the store remains usable.
func (d *DiskStore) RemoveAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New(errors.CodeStorageWrite, "store is closed")
	}

	n := len(d.index)
	d.index = make(map[string]diskEntry)
	d.scheduleCheckpointLocked()
	d.collector.RecordEvictions(metrics.TierDisk, n)

	if err := os.RemoveAll(d.root); err != nil {
		return errors.Wrap(errors.CodeStorageWrite, "remove cache root", err)
	}
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return errors.Wrap(errors.CodeStorageWrite, "recreate cache root", err)
	}
	return nil
}

// RemoveExpired deletes every entry whose expiration has passed and returns
// how many were removed.
func (d *DiskStore) RemoveExpired() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New(errors.CodeStorageWrite, "store is closed")
	}

	now := time.Now()
	removed := 0
	var firstErr error
	for key, e := range d.index {
		if !e.expired(now) {
			continue
		}
		if err := d.removeLocked(key); err != nil && firstErr == nil {
			firstErr = err
		}
		removed++
	}
	d.collector.RecordEvictions(metrics.TierDisk, removed)
	return removed, firstErr
}

// RemoveOlderThan deletes every entry created before cutoff, regardless of
// expiration, and returns how many were removed.
func (d *DiskStore) RemoveOlderThan(cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New(errors.CodeStorageWrite, "store is closed")
	}

	removed := 0
	var firstErr error
	for key, e := range d.index {
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		if err := d.removeLocked(key); err != nil && firstErr == nil {
			firstErr = err
		}
		removed++
	}
	d.collector.RecordEvictions(metrics.TierDisk, removed)
	return removed, firstErr
}

// ExpirationDate returns the expiration for key. The bool reports whether a
// non-expired entry exists; a zero time means the entry does not expire.
func (d *DiskStore) ExpirationDate(key string) (time.Time, bool) {
	d.mu.RLock()
	e, ok := d.index[key]
	d.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if e.expired(time.Now()) {
		go d.removeQuietly(key)
		return time.Time{}, false
	}
	return e.ExpiresAt, true
}

// SetExpirationDate replaces the expiration for an existing entry. A zero
// time clears it. Unknown keys are a no-op.
func (d *DiskStore) SetExpirationDate(key string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New(errors.CodeStorageWrite, "store is closed")
	}
	e, ok := d.index[key]
	if !ok {
		return nil
	}
	e.ExpiresAt = expiresAt
	d.index[key] = e
	d.scheduleCheckpointLocked()
	return nil
}

// Close flushes any pending index checkpoint and stops the store. Further
// writes fail; reads keep working against the last known index.
func (d *DiskStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.saveTimer != nil {
		d.saveTimer.Stop()
		d.saveTimer = nil
	}
	if d.dirty {
		d.saveIndexLocked()
	}
	return nil
}

func (d *DiskStore) blobPath(id string) string {
	return filepath.Join(d.root, id+blobExt)
}

// scheduleCheckpointLocked arranges for the index to reach durable storage.
// Rapid successive changes coalesce: each change pushes the save out by the
// configured delay, but once the index has been stale for maxStaleness since
// the last actual save, the save happens immediately.
func (d *DiskStore) scheduleCheckpointLocked() {
	d.dirty = true
	if d.closed {
		return
	}
	if time.Since(d.lastSave) >= d.maxStaleness {
		d.saveIndexLocked()
		return
	}
	if d.saveTimer != nil {
		d.saveTimer.Stop()
	}
	d.saveTimer = time.AfterFunc(d.delay, d.checkpointNow)
}

func (d *DiskStore) checkpointNow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.dirty {
		return
	}
	d.saveIndexLocked()
}

// saveIndexLocked writes the index document atomically (temp file + rename).
// Failures are logged; the next structural change retries.
func (d *DiskStore) saveIndexLocked() {
	if d.saveTimer != nil {
		d.saveTimer.Stop()
		d.saveTimer = nil
	}

	if err := os.MkdirAll(filepath.Dir(d.indexPath), 0o750); err != nil {
		d.logger.Error("create index directory failed",
			"error", errors.Wrap(errors.CodeIndexSave, "create index dir", err))
		return
	}

	data, err := json.Marshal(d.index)
	if err != nil {
		d.logger.Error("encode index failed",
			"error", errors.Wrap(errors.CodeIndexSave, "marshal index", err))
		return
	}

	tmp := d.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		d.logger.Error("write index failed",
			"error", errors.Wrap(errors.CodeIndexSave, "write temp index", err))
		return
	}
	if err := os.Rename(tmp, d.indexPath); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Debug("cleanup temp index", "error", rmErr)
		}
		d.logger.Error("replace index failed",
			"error", errors.Wrap(errors.CodeIndexSave, "rename index", err))
		return
	}

	d.dirty = false
	d.lastSave = time.Now()
	d.collector.RecordCheckpoint()
	d.collector.SetDiskEntries(len(d.index))
}

// loadIndexLocked reads the index document. A missing document starts fresh;
// a corrupt one is discarded (reconciliation then treats all content files as
// orphans).
func (d *DiskStore) loadIndexLocked() {
	data, err := os.ReadFile(d.indexPath)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("read index failed, starting empty",
				"error", errors.Wrap(errors.CodeIndexLoad, "read index", err))
		}
		return
	}
	var index map[string]diskEntry
	if err := json.Unmarshal(data, &index); err != nil {
		d.logger.Error("index document corrupt, starting empty",
			"path", d.indexPath, "error", errors.Wrap(errors.CodeIndexLoad, "parse index", err))
		return
	}
	d.index = index
	if d.index == nil {
		d.index = make(map[string]diskEntry)
	}
	d.lastSave = time.Now()
}

// reconcileLocked repairs index/file divergence after an abnormal shutdown:
// index entries whose file is missing or already expired are dropped, and
// content files with no index entry are deleted.
func (d *DiskStore) reconcileLocked() {
	now := time.Now()
	live := make(map[string]struct{}, len(d.index))

	for key, e := range d.index {
		if e.expired(now) {
			delete(d.index, key)
			if err := os.Remove(d.blobPath(e.ID)); err != nil && !os.IsNotExist(err) {
				d.logger.Warn("remove expired blob", "key", key, "error", err)
			}
			continue
		}
		if _, err := os.Stat(d.blobPath(e.ID)); err != nil {
			d.logger.Info("dropping index entry with missing file", "key", key, "id", e.ID)
			delete(d.index, key)
			continue
		}
		live[e.ID+blobExt] = struct{}{}
	}

	dirents, err := os.ReadDir(d.root)
	if err != nil {
		d.logger.Warn("scan cache root failed", "error", err)
		return
	}
	for _, ent := range dirents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, blobExt) {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		d.logger.Info("deleting untracked cache file", "file", name)
		if err := os.Remove(filepath.Join(d.root, name)); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("remove untracked file", "file", name, "error", err)
		}
	}
}
