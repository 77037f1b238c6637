package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// CacheEntry is a previously materialized folder stored under a key.
//
// Entries are immutable: a key is only ever created or read, never
// overwritten.
type CacheEntry struct {
	Key       FingerprintKey `json:"key"`
	CreatedAt time.Time      `json:"created_at"`

	// Files and Bytes describe the uncompressed folder contents.
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`

	// ArchiveBytes is the size of the stored snapshot.
	ArchiveBytes int64 `json:"archive_bytes"`

	// dir is the FileStore entry directory; empty for MemoryStore entries.
	dir string
}

// Store maps fingerprint keys to folder snapshots.
//
// Implementations must be safe for concurrent use by independent TaskRuns.
type Store interface {
	// Lookup returns the entry for key, or nil if there is none.
	Lookup(key FingerprintKey) (*CacheEntry, error)

	// Restore materializes entry into dest, replacing its contents.
	// Failures wrap ErrRestore.
	Restore(entry *CacheEntry, dest string) error

	// Put captures src under key. If an entry for key already exists Put
	// does nothing and reports stored=false. Failures wrap ErrStore.
	Put(key FingerprintKey, src string) (stored bool, err error)
}

const (
	metadataFile = "metadata.json"
	snapshotFile = "snapshot.tar.zst"
)

// FileStore implements Store on the local filesystem.
//
// Structure:
//
//	{Root}/
//	  {digest[0:2]}/
//	    {key}/
//	      metadata.json
//	      snapshot.tar.zst
//
// An entry directory is assembled under a temporary name and renamed into
// place, so readers never observe a partial entry. When two writers race on
// the same key the rename of the loser fails and its copy is discarded.
type FileStore struct {
	// Root is the cache directory.
	Root string

	now func() time.Time
}

// NewFileStore creates a filesystem-backed store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root, now: time.Now}
}

// Lookup reads the entry metadata for key.
func (s *FileStore) Lookup(key FingerprintKey) (*CacheEntry, error) {
	dir := s.entryPath(key)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading cache metadata: %w", ErrRestore, err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: parsing cache metadata for %s: %w", ErrRestore, key, err)
	}
	if entry.Key != key {
		return nil, fmt.Errorf("%w: metadata key %q does not match %q", ErrRestore, entry.Key, key)
	}
	entry.dir = dir
	return &entry, nil
}

// Restore extracts the entry snapshot into dest.
func (s *FileStore) Restore(entry *CacheEntry, dest string) error {
	if entry == nil {
		return fmt.Errorf("%w: cache entry is nil", ErrRestore)
	}
	dir := entry.dir
	if dir == "" {
		dir = s.entryPath(entry.Key)
	}

	f, err := os.Open(filepath.Join(dir, snapshotFile))
	if err != nil {
		return fmt.Errorf("%w: opening snapshot: %w", ErrRestore, err)
	}
	defer f.Close()

	if err := RestoreFolder(f, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	return nil
}

// Put snapshots src under key unless the key is already present.
func (s *FileStore) Put(key FingerprintKey, src string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", ErrStore)
	}

	entryDir := s.entryPath(key)
	if _, err := os.Stat(filepath.Join(entryDir, metadataFile)); err == nil {
		return false, nil
	}

	parentDir := filepath.Dir(entryDir)
	// Ensure parent exists so the temp dir is created on the same filesystem.
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return false, fmt.Errorf("%w: creating cache directory: %w", ErrStore, err)
	}

	tmpDir, err := os.MkdirTemp(parentDir, "tmp-entry-")
	if err != nil {
		return false, fmt.Errorf("%w: creating temp entry dir: %w", ErrStore, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	stats, archiveBytes, err := writeSnapshot(filepath.Join(tmpDir, snapshotFile), src)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}

	entry := CacheEntry{
		Key:          key,
		CreatedAt:    s.clock().UTC(),
		Files:        stats.Files,
		Bytes:        stats.Bytes,
		ArchiveBytes: archiveBytes,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return false, fmt.Errorf("%w: marshaling cache metadata: %w", ErrStore, err)
	}
	// Metadata is written last; its presence marks a complete entry.
	if err := renameio.WriteFile(filepath.Join(tmpDir, metadataFile), data, 0o644); err != nil {
		return false, fmt.Errorf("%w: writing cache metadata: %w", ErrStore, err)
	}

	if err := os.Rename(tmpDir, entryDir); err != nil {
		if _, statErr := os.Stat(filepath.Join(entryDir, metadataFile)); statErr == nil {
			// Another writer committed first.
			return false, nil
		}
		return false, fmt.Errorf("%w: committing cache entry: %w", ErrStore, err)
	}
	committed = true
	return true, nil
}

func writeSnapshot(path, src string) (SnapshotStats, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return SnapshotStats{}, 0, err
	}
	stats, err := CaptureFolder(src, f)
	if err != nil {
		_ = f.Close()
		return stats, 0, err
	}
	_ = f.Sync() // best-effort durability
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return stats, 0, err
	}
	if err := f.Close(); err != nil {
		return stats, 0, err
	}
	return stats, fi.Size(), nil
}

// List returns all committed entries, newest first.
func (s *FileStore) List() ([]CacheEntry, error) {
	shards, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []CacheEntry
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dirs, err := os.ReadDir(filepath.Join(s.Root, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, d := range dirs {
			if !d.IsDir() || strings.HasPrefix(d.Name(), "tmp-entry-") {
				continue
			}
			entry, err := s.Lookup(FingerprintKey(d.Name()))
			if err != nil || entry == nil {
				// Half-deleted or foreign directories are not entries.
				continue
			}
			entries = append(entries, *entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// Remove deletes the entry for key. Removing a missing key is not an error.
func (s *FileStore) Remove(key FingerprintKey) error {
	dir := s.entryPath(key)
	// Drop metadata first so concurrent lookups see a miss, not a corrupt entry.
	if err := os.Remove(filepath.Join(dir, metadataFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.RemoveAll(dir)
}

// Prune removes entries created before cutoff and returns the removed keys.
func (s *FileStore) Prune(cutoff time.Time) ([]FingerprintKey, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []FingerprintKey
	for _, e := range entries {
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.Remove(e.Key); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Key, err)
		}
		removed = append(removed, e.Key)
	}
	return removed, nil
}

func (s *FileStore) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// entryPath shards entries by the first two characters of the digest, so
// prefixed keys spread out like bare ones.
func (s *FileStore) entryPath(key FingerprintKey) string {
	k := string(key)
	digest := k
	if i := strings.LastIndexByte(k, '-'); i >= 0 {
		digest = k[i+1:]
	}
	if len(digest) < 2 {
		return filepath.Join(s.Root, k)
	}
	return filepath.Join(s.Root, digest[:2], k)
}

// MemoryStore implements Store in memory.
// Useful for testing and short-lived processes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[FingerprintKey]*memoryEntry
}

type memoryEntry struct {
	entry   CacheEntry
	archive []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[FingerprintKey]*memoryEntry)}
}

// Lookup returns a copy of the entry for key.
func (s *MemoryStore) Lookup(key FingerprintKey) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	entry := me.entry
	return &entry, nil
}

// Restore extracts the stored snapshot into dest.
func (s *MemoryStore) Restore(entry *CacheEntry, dest string) error {
	if entry == nil {
		return fmt.Errorf("%w: cache entry is nil", ErrRestore)
	}
	s.mu.RLock()
	me, ok := s.entries[entry.Key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: entry %s disappeared", ErrRestore, entry.Key)
	}
	if err := RestoreFolder(bytes.NewReader(me.archive), dest); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	return nil
}

// Put snapshots src under key unless the key is already present.
func (s *MemoryStore) Put(key FingerprintKey, src string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", ErrStore)
	}
	s.mu.RLock()
	_, exists := s.entries[key]
	s.mu.RUnlock()
	if exists {
		return false, nil
	}

	var buf bytes.Buffer
	stats, err := CaptureFolder(src, &buf)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return false, nil
	}
	s.entries[key] = &memoryEntry{
		entry: CacheEntry{
			Key:          key,
			CreatedAt:    time.Now().UTC(),
			Files:        stats.Files,
			Bytes:        stats.Bytes,
			ArchiveBytes: int64(buf.Len()),
		},
		archive: buf.Bytes(),
	}
	return true, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Corrupt replaces the archive stored for key with data. Tests use it to
// simulate damaged entries.
func (s *MemoryStore) Corrupt(key FingerprintKey, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[key]
	if !ok {
		return false
	}
	me.archive = append([]byte(nil), data...)
	return true
}
