package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const legacyMetaExt = ".meta"

// legacyMeta is the per-file sidecar document the pre-index disk layout kept
// next to each content file. The sidecar carries the original key because the
// content filename only holds an escaped form of it.
type legacyMeta struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// migrateLegacyLocked folds pre-index sidecar entries into the index: each
// <name>.meta/<name>.blob pair becomes an index entry with a fresh identifier
// and the content file is renamed accordingly. Runs once at open, before
// reconciliation, so unreadable leftovers are swept as orphans rather than
// migrated. Keys already present in the index win over legacy files.
func (d *DiskStore) migrateLegacyLocked() {
	dirents, err := os.ReadDir(d.root)
	if err != nil {
		d.logger.Warn("scan cache root for legacy entries failed", "error", err)
		return
	}

	migrated := 0
	for _, ent := range dirents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), legacyMetaExt) {
			continue
		}
		metaPath := filepath.Join(d.root, ent.Name())
		base := strings.TrimSuffix(ent.Name(), legacyMetaExt)
		blobPath := filepath.Join(d.root, base+blobExt)

		meta, ok := d.readLegacyMeta(metaPath)
		if !ok {
			d.removeLegacy(metaPath, blobPath)
			continue
		}
		if meta.expired(time.Now()) {
			d.removeLegacy(metaPath, blobPath)
			continue
		}
		if _, exists := d.index[meta.Key]; exists {
			// The index already tracks this key; the legacy copy is stale.
			d.removeLegacy(metaPath, blobPath)
			continue
		}

		e := diskEntry{ID: uuid.NewString(), CreatedAt: meta.CreatedAt, ExpiresAt: meta.ExpiresAt}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if err := os.Rename(blobPath, d.blobPath(e.ID)); err != nil {
			d.logger.Warn("migrate legacy entry failed", "key", meta.Key, "error", err)
			d.removeLegacy(metaPath, blobPath)
			continue
		}
		d.index[meta.Key] = e
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			d.logger.Debug("remove legacy sidecar", "path", metaPath, "error", err)
		}
		migrated++
	}

	if migrated > 0 {
		d.dirty = true
		d.logger.Info("migrated legacy cache entries", "count", migrated)
	}
}

func (m legacyMeta) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}

func (d *DiskStore) readLegacyMeta(path string) (legacyMeta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("read legacy sidecar failed", "path", path, "error", err)
		return legacyMeta{}, false
	}
	var meta legacyMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.Key == "" {
		d.logger.Warn("legacy sidecar unparseable", "path", path, "error", err)
		return legacyMeta{}, false
	}
	return meta, true
}

// removeLegacy deletes a sidecar pair that cannot or should not be migrated.
func (d *DiskStore) removeLegacy(metaPath, blobPath string) {
	for _, p := range []string{metaPath, blobPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("remove legacy file", "path", p, "error", err)
		}
	}
}
