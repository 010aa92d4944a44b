package spool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dataSubdir   = "data"
	eventsSubdir = "events"
	dataSuffix   = ".data.bin"
	eventsSuffix = ".events.json"
)

type registryEntry struct {
	path      string
	kind      Kind
	size      int64
	createdAt time.Time
}

// DiskSpool persists entries under two subdirectories of root, named by the
// on-disk convention "{id}.data.bin" / "{id}.events.json". An in-memory
// registry mirrors the directory contents so lookups, size accounting, and
// FIFO eviction never re-stat the filesystem.
type DiskSpool struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	byID     map[string]*registryEntry
	order    []string // ids, oldest first
	totalLen int64
}

// NewDiskSpool creates (if needed) the data/ and events/ subdirectories of
// root, then scans them to rebuild the registry from whatever a previous
// process left behind. Files not matching the naming convention are
// ignored; the scan tolerates a missing subdirectory.
func NewDiskSpool(root string, logger *slog.Logger) (*DiskSpool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &DiskSpool{
		root:   root,
		logger: logger,
		byID:   make(map[string]*registryEntry),
	}

	for _, dir := range []string{filepath.Join(root, dataSubdir), filepath.Join(root, eventsSubdir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", dir, err)
		}
	}

	type scanned struct {
		id    string
		entry *registryEntry
	}
	var found []scanned

	for dir, kind := range map[string]Kind{
		filepath.Join(root, dataSubdir):   KindData,
		filepath.Join(root, eventsSubdir): KindEvents,
	} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("spool: read %s: %w", dir, err)
		}
		suffix := suffixFor(kind)
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			name := de.Name()
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			id := strings.TrimSuffix(name, suffix)
			if id == "" {
				continue
			}
			info, err := de.Info()
			if err != nil {
				logger.Warn("spool: stat failed during recovery scan, skipping", "file", name, "error", err)
				continue
			}
			found = append(found, scanned{id: id, entry: &registryEntry{
				path:      filepath.Join(dir, name),
				kind:      kind,
				size:      info.Size(),
				createdAt: info.ModTime(),
			}})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].entry.createdAt.Before(found[j].entry.createdAt) })

	for _, f := range found {
		s.byID[f.id] = f.entry
		s.order = append(s.order, f.id)
		s.totalLen += f.entry.size
	}

	if len(found) > 0 {
		logger.Info("spool: recovered entries from disk", "count", len(found), "bytes", s.totalLen)
	}

	return s, nil
}

func suffixFor(kind Kind) string {
	if kind == KindEvents {
		return eventsSuffix
	}
	return dataSuffix
}

func (s *DiskSpool) pathFor(id string, kind Kind) string {
	if kind == KindEvents {
		return filepath.Join(s.root, eventsSubdir, id+eventsSuffix)
	}
	return filepath.Join(s.root, dataSubdir, id+dataSuffix)
}

// Write stores data under id, replacing any prior entry for id regardless
// of its previous kind. The payload is written to a temp file in the same
// directory and renamed into place, so a concurrent reader never observes
// a partially written file.
func (s *DiskSpool) Write(id string, data []byte, kind Kind) error {
	path := s.pathFor(id, kind)
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".spool-*.tmp")
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("spool: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("spool: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool: rename into place: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[id]; ok {
		s.totalLen -= prev.size
		s.removeFromOrderLocked(id)
		if prev.path != path {
			if err := os.Remove(prev.path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("spool: failed to remove replaced entry of another kind", "id", id, "error", err)
			}
		}
	}
	entry := &registryEntry{path: path, kind: kind, size: int64(len(data)), createdAt: time.Now()}
	s.byID[id] = entry
	s.order = append(s.order, id)
	s.totalLen += entry.size
	return nil
}

func (s *DiskSpool) Read(id string) ([]byte, bool, error) {
	s.mu.Lock()
	entry, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	data, err := os.ReadFile(entry.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("spool: read %s: %w", entry.path, err)
	}
	return data, true, nil
}

func (s *DiskSpool) Delete(id string) error {
	s.mu.Lock()
	entry, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byID, id)
	s.removeFromOrderLocked(id)
	s.totalLen -= entry.size
	s.mu.Unlock()

	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("spool: delete failed, registry entry already dropped", "id", id, "error", err)
	}
	return nil
}

func (s *DiskSpool) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(Kind) bool { return true })
}

func (s *DiskSpool) ListKind(kind Kind) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(k Kind) bool { return k == kind })
}

func (s *DiskSpool) snapshotLocked(match func(Kind) bool) []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		entry := s.byID[id]
		if !match(entry.kind) {
			continue
		}
		out = append(out, Entry{ID: id, Kind: entry.kind, Size: entry.size, CreatedAt: entry.createdAt})
	}
	return out
}

func (s *DiskSpool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLen
}

// EvictToFit removes the oldest entries until total size is within quota.
func (s *DiskSpool) EvictToFit(quota int64) []Entry {
	var evicted []Entry
	for {
		s.mu.Lock()
		if s.totalLen <= quota || len(s.order) == 0 {
			s.mu.Unlock()
			break
		}
		id := s.order[0]
		entry := s.byID[id]
		s.mu.Unlock()

		evicted = append(evicted, Entry{ID: id, Kind: entry.kind, Size: entry.size, CreatedAt: entry.createdAt})
		if err := s.Delete(id); err != nil {
			s.logger.Warn("spool: eviction delete failed", "id", id, "error", err)
		}
	}
	if len(evicted) > 0 {
		s.logger.Debug("spool: evicted entries to satisfy quota", "count", len(evicted), "quota", quota)
	}
	return evicted
}

// removeFromOrderLocked must be called with s.mu held.
func (s *DiskSpool) removeFromOrderLocked(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
